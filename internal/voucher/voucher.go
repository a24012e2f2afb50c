// Package voucher validates and posts inventory vouchers. Posting a voucher
// changes batch quantities for every line in one transaction or not at all.
package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/stock"
	"retailpos/internal/store"
	"retailpos/internal/validation"
	"retailpos/internal/xid"
)

type Store interface {
	GetProducts(ctx context.Context, storeID string, ids []string) (map[string]domain.Product, error)
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	CreateVoucher(ctx context.Context, voucher domain.InventoryVoucher) (*domain.InventoryVoucher, error)
	GetVoucher(ctx context.Context, id string) (*domain.InventoryVoucher, error)
	WithStockTx(ctx context.Context, fn func(tx store.StockTx) error) error
}

type Workflow struct {
	store    Store
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Workflow)

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

func NewWorkflow(s Store, logger *zap.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workflow{
		store:    s,
		validate: validation.New(),
		logger:   logger.Named("voucher"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Validate checks every field of v and reports all failures at once.
func (w *Workflow) Validate(ctx context.Context, v domain.InventoryVoucher) error {
	problems := &domain.ValidationError{}
	if err := validation.Collect(w.validate.StructCtx(ctx, v), problems); err != nil {
		return err
	}

	voucherDay := dateOf(v.VoucherDate)
	for i, line := range v.Lines {
		prefix := fmt.Sprintf("lines[%d].", i)
		if line.UnitCost.IsNegative() {
			problems.Add(prefix+"unit_cost", "must not be negative")
		}
		if line.SellingPrice != nil && line.SellingPrice.IsNegative() {
			problems.Add(prefix+"selling_price", "must not be negative")
		}
		if v.Type == domain.VoucherIn && line.ExpiryDate != nil && dateOf(*line.ExpiryDate).Before(voucherDay) {
			problems.Add(prefix+"expiry_date", "must not be before the voucher date")
		}
	}

	if err := w.checkProducts(ctx, v, problems); err != nil {
		return err
	}
	return problems.OrNil()
}

// checkProducts verifies each line references a known product and, for
// outbound vouchers, that the summed quantity per product is sellable.
func (w *Workflow) checkProducts(ctx context.Context, v domain.InventoryVoucher, problems *domain.ValidationError) error {
	if len(v.Lines) == 0 || v.StoreID == "" {
		return nil
	}
	ids := make([]string, 0, len(v.Lines))
	for _, line := range v.Lines {
		if line.ProductID != "" {
			ids = append(ids, line.ProductID)
		}
	}
	products, err := w.store.GetProducts(ctx, v.StoreID, ids)
	if err != nil {
		return err
	}

	requested := make(map[string]int, len(v.Lines))
	now := w.now()
	for i, line := range v.Lines {
		if line.ProductID == "" {
			continue
		}
		p, ok := products[line.ProductID]
		if !ok {
			problems.Add(fmt.Sprintf("lines[%d].product_id", i), "unknown product")
			continue
		}
		if !v.Type.Outbound() || line.Quantity < 1 {
			continue
		}
		requested[p.ID] += line.Quantity
		if available := stock.AvailableStock(p, now); requested[p.ID] > available {
			problems.Add(fmt.Sprintf("lines[%d].quantity", i), fmt.Sprintf("exceeds available stock (%d)", available))
		}
	}
	return nil
}

// Create records a draft voucher. The supplier is copied onto the voucher so
// later supplier edits leave it untouched.
func (w *Workflow) Create(ctx context.Context, req domain.VoucherCreateRequest, createdBy string) (*domain.InventoryVoucher, error) {
	now := w.now()
	v := domain.InventoryVoucher{
		ID:            xid.New("vch"),
		Type:          domain.VoucherType(strings.ToUpper(strings.TrimSpace(string(req.Type)))),
		StoreID:       strings.TrimSpace(req.StoreID),
		WarehouseID:   strings.TrimSpace(req.WarehouseID),
		Reason:        strings.TrimSpace(req.Reason),
		DelivererName: strings.TrimSpace(req.DelivererName),
		ReceiverName:  strings.TrimSpace(req.ReceiverName),
		RefDocNo:      strings.TrimSpace(req.RefDocNo),
		RefDocDate:    req.RefDocDate,
		VoucherDate:   dateOf(now),
		Lines:         req.Lines,
		Status:        domain.VoucherStatusDraft,
		CreatedBy:     createdBy,
		CreatedAt:     now,
	}
	if req.VoucherDate != nil {
		v.VoucherDate = dateOf(*req.VoucherDate)
	}
	v.Code = xid.Code(string(v.Type), v.VoucherDate)

	if supplierID := strings.TrimSpace(req.SupplierID); supplierID != "" {
		supplier, err := w.store.GetSupplier(ctx, supplierID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewValidationError("supplier_id", "unknown supplier")
		}
		if err != nil {
			return nil, err
		}
		snapshot := domain.SnapshotSupplier(*supplier)
		v.Supplier = &snapshot
	}

	if err := w.Validate(ctx, v); err != nil {
		return nil, err
	}

	created, err := w.store.CreateVoucher(ctx, v)
	if err != nil {
		return nil, err
	}
	w.logger.Info("voucher created",
		zap.String("voucher_id", created.ID),
		zap.String("code", created.Code),
		zap.String("type", string(created.Type)),
		zap.Int("lines", len(created.Lines)),
	)
	return created, nil
}

// Apply posts the voucher. Either every line changes stock or none does; a
// failure comes back as *domain.PartialVoucherApplyRejectedError wrapping
// the cause.
func (w *Workflow) Apply(ctx context.Context, voucherID string) (*domain.InventoryVoucher, error) {
	applying := false
	err := w.store.WithStockTx(ctx, func(tx store.StockTx) error {
		v, err := tx.GetVoucher(ctx, voucherID)
		if err != nil {
			return err
		}
		if v.Status == domain.VoucherStatusPosted {
			return domain.ErrVoucherAlreadyPosted
		}

		applying = true
		now := w.now()
		for i, line := range v.Lines {
			if err := w.applyLine(ctx, tx, *v, i, line, now); err != nil {
				return fmt.Errorf("line %d (%s): %w", i, line.ProductID, err)
			}
		}
		return tx.MarkVoucherPosted(ctx, v.ID, now)
	})
	if err != nil {
		if !applying {
			return nil, err
		}
		w.logger.Warn("voucher rejected", zap.String("voucher_id", voucherID), zap.Error(err))
		return nil, &domain.PartialVoucherApplyRejectedError{VoucherID: voucherID, Cause: err}
	}

	posted, err := w.store.GetVoucher(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	w.logger.Info("voucher posted", zap.String("voucher_id", posted.ID), zap.String("type", string(posted.Type)))
	return posted, nil
}

func (w *Workflow) applyLine(ctx context.Context, tx store.StockTx, v domain.InventoryVoucher, index int, line domain.VoucherLine, now time.Time) error {
	product, err := tx.LockProduct(ctx, v.StoreID, line.ProductID)
	if err != nil {
		return err
	}

	if v.Type == domain.VoucherIn {
		batchNo := strings.TrimSpace(line.BatchNo)
		if batchNo == "" {
			batchNo = fmt.Sprintf("%s-%d", v.Code, index+1)
		}
		_, err := tx.CreditBatch(ctx, store.BatchCredit{
			ProductID:    product.ID,
			BatchNo:      batchNo,
			ExpiryDate:   line.ExpiryDate,
			Quantity:     line.Quantity,
			CostPrice:    line.UnitCost,
			SellingPrice: line.SellingPrice,
			WarehouseID:  v.WarehouseID,
			ReceivedAt:   now,
		})
		return err
	}

	out, err := stock.PlanOutbound(product, line.Quantity, now)
	if err != nil {
		return err
	}
	return store.ApplyOutbound(ctx, tx, out)
}

func dateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
