package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"retailpos/internal/cache"
	"retailpos/internal/domain"
	"retailpos/internal/jobs"
	"retailpos/internal/observability"
	"retailpos/internal/payment"
	"retailpos/internal/pricing"
	"retailpos/internal/reconcile"
	"retailpos/internal/stock"
	"retailpos/internal/store"
	"retailpos/internal/validation"
	"retailpos/internal/voucher"
	"retailpos/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// QRScheduler queues the expiry of an issued QR code.
type QRScheduler interface {
	ScheduleQRExpiry(ctx context.Context, payload jobs.QRExpirePayload) error
}

type Options struct {
	CurrencyPlaces   int32
	PointValue       decimal.Decimal
	EarnUnit         decimal.Decimal
	PhoneCountryCode string
	QR               payment.Provider
	StatusCache      cache.PaymentStatusCache
	Scheduler        QRScheduler
	Extractor        reconcile.Extractor
	Metrics          *observability.Metrics
	Logger           *zap.Logger
	Clock            func() time.Time
}

type Service struct {
	repo        store.Repository
	pricing     *pricing.Engine
	pointValue  decimal.Decimal
	earnUnit    decimal.Decimal
	qr          payment.Provider
	statusCache cache.PaymentStatusCache
	scheduler   QRScheduler
	extractor   reconcile.Extractor
	reconciler  *reconcile.Validator
	vouchers    *voucher.Workflow
	validate    *validator.Validate
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
	statusGroup singleflight.Group
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.StatusCache == nil {
		opts.StatusCache = cache.NoopPaymentStatusCache{}
	}
	if opts.QR == nil {
		opts.QR = payment.NewStaticQR(payment.Account{}, 0).WithClock(opts.Clock)
	}

	return &Service{
		repo:        repo,
		pricing:     pricing.New(opts.CurrencyPlaces),
		pointValue:  opts.PointValue,
		earnUnit:    opts.EarnUnit,
		qr:          opts.QR,
		statusCache: opts.StatusCache,
		scheduler:   opts.Scheduler,
		extractor:   opts.Extractor,
		reconciler:  reconcile.New(opts.PhoneCountryCode),
		vouchers:    voucher.NewWorkflow(repo, opts.Logger, voucher.WithClock(opts.Clock)),
		validate:    validation.New(),
		metrics:     opts.Metrics,
		logger:      opts.Logger.Named("service"),
		now:         opts.Clock,
	}
}

// Pricing exposes the engine so terminals round totals the same way.
func (s *Service) Pricing() *pricing.Engine {
	return s.pricing
}

func (s *Service) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, storeID)
}

// CurrentStock returns the products with their current batches, the server
// truth a terminal checks its cart against.
func (s *Service) CurrentStock(ctx context.Context, storeID string, productIDs []string) (map[string]domain.Product, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	return s.repo.GetProducts(ctx, storeID, productIDs)
}

func (s *Service) Availability(ctx context.Context, storeID string, productID string) (domain.Availability, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return domain.Availability{}, err
	}
	p, err := s.repo.GetProduct(ctx, storeID, strings.TrimSpace(productID))
	if err != nil {
		return domain.Availability{}, err
	}
	return stock.Assess(*p, s.now()), nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, limit int) ([]domain.AuditLog, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, storeID, limit)
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

// countStockRejection counts stock failures by kind. Other errors are
// ignored.
func (s *Service) countStockRejection(err error) {
	var (
		short   *domain.InsufficientStockError
		expired *domain.ExpiredBatchOnlyError
	)
	switch {
	case errors.As(err, &expired):
		s.metrics.StockRejected("expired_only")
	case errors.As(err, &short):
		s.metrics.StockRejected("insufficient")
	}
}

func ValidateStoreID(storeID string) error {
	if strings.TrimSpace(storeID) == "" {
		return domain.NewValidationError("store_id", "is required")
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return "system"
}

func describeTotals(order domain.Order) string {
	return fmt.Sprintf("total=%s,payment=%s,discount=%s,lines=%d",
		order.GrandTotal.String(), order.PaymentMethod, order.Discount.String(), len(order.Lines))
}
