package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/stock"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrQRSuperseded is returned when a QR is cleared after its order was
	// paid or issued another reference.
	ErrQRSuperseded = errors.New("qr already paid or replaced")
)

type Repository interface {
	ListProducts(ctx context.Context, storeID string) ([]domain.Product, error)
	GetProducts(ctx context.Context, storeID string, ids []string) (map[string]domain.Product, error)
	GetProduct(ctx context.Context, storeID string, id string) (*domain.Product, error)

	FindCustomerByPhone(ctx context.Context, storeID string, phone string) (*domain.Customer, error)
	UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)

	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)

	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	// UpdatePendingOrder replaces an unpaid order. A paid order yields
	// domain.ErrStaleOrderState.
	UpdatePendingOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByPaymentRef(ctx context.Context, reference string) (*domain.Order, error)
	IncrementPrintCount(ctx context.Context, id string) (*domain.Order, error)
	// ClearOrderQR drops the QR of an unpaid order whose current reference
	// is reference. Otherwise it returns ErrQRSuperseded and changes nothing.
	ClearOrderQR(ctx context.Context, id string, reference string) (*domain.Order, error)

	CreateVoucher(ctx context.Context, voucher domain.InventoryVoucher) (*domain.InventoryVoucher, error)
	GetVoucher(ctx context.Context, id string) (*domain.InventoryVoucher, error)
	ListVouchers(ctx context.Context, storeID string, limit int) ([]domain.InventoryVoucher, error)

	// WithStockTx runs fn atomically. Nothing fn wrote is visible to other
	// callers unless it returns nil.
	WithStockTx(ctx context.Context, fn func(tx StockTx) error) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// StockTx is the view of the store inside WithStockTx. Rows read through it
// stay locked until the transaction ends.
type StockTx interface {
	LockProduct(ctx context.Context, storeID string, productID string) (domain.Product, error)
	// CreditBatch adds stock to the batch identified by product and batch
	// number, creating it when missing.
	CreditBatch(ctx context.Context, credit BatchCredit) (domain.Batch, error)
	// DebitBatch removes stock from one batch. Going below zero yields
	// *domain.InsufficientStockError.
	DebitBatch(ctx context.Context, productID string, batchID string, qty int) error
	DebitFlatStock(ctx context.Context, productID string, qty int) error

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	MarkOrderPaid(ctx context.Context, id string, earnedPoints int, paidAt time.Time) error
	AdjustLoyalty(ctx context.Context, customerID string, delta int) error

	GetVoucher(ctx context.Context, id string) (*domain.InventoryVoucher, error)
	MarkVoucherPosted(ctx context.Context, id string, postedAt time.Time) error
}

type BatchCredit struct {
	ProductID    string
	BatchNo      string
	ExpiryDate   *time.Time
	Quantity     int
	CostPrice    decimal.Decimal
	SellingPrice *decimal.Decimal
	WarehouseID  string
	ReceivedAt   time.Time
}

// ApplyOutbound writes a planned stock removal through tx.
func ApplyOutbound(ctx context.Context, tx StockTx, out stock.Outbound) error {
	if out.Flat > 0 {
		return tx.DebitFlatStock(ctx, out.ProductID, out.Flat)
	}
	for _, d := range out.Debits {
		if err := tx.DebitBatch(ctx, out.ProductID, d.BatchID, d.Quantity); err != nil {
			return err
		}
	}
	return nil
}
