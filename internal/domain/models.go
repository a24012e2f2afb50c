package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type SaleType string

const (
	SaleTypeNormal    SaleType = "NORMAL"
	SaleTypeVIP       SaleType = "VIP"
	SaleTypeAtCost    SaleType = "AT_COST"
	SaleTypeClearance SaleType = "CLEARANCE"
	SaleTypeFree      SaleType = "FREE"
)

// SaleTypes lists every supported sale type in display order.
var SaleTypes = []SaleType{SaleTypeNormal, SaleTypeVIP, SaleTypeAtCost, SaleTypeClearance, SaleTypeFree}

// ParseSaleType accepts a sale type in any letter case. An empty value is
// treated as NORMAL.
func ParseSaleType(raw string) (SaleType, error) {
	value := SaleType(strings.ToUpper(strings.TrimSpace(raw)))
	if value == "" {
		return SaleTypeNormal, nil
	}
	for _, known := range SaleTypes {
		if value == known {
			return value, nil
		}
	}
	return "", NewValidationError("sale_type", "unsupported sale type "+raw)
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentQR   PaymentMethod = "qr"
)

func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch PaymentMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PaymentCash:
		return PaymentCash, nil
	case PaymentQR:
		return PaymentQR, nil
	default:
		return "", NewValidationError("payment_method", "unsupported payment method "+raw)
	}
}

const (
	OrderStatusPending = "pending"
	OrderStatusPaid    = "paid"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusExpired PaymentStatus = "EXPIRED"
)

// NotTaxable marks a product whose lines never carry tax.
var NotTaxable = decimal.NewFromInt(-1)

type Product struct {
	ID          string          `json:"id"`
	StoreID     string          `json:"store_id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Unit        string          `json:"unit"`
	ListPrice   decimal.Decimal `json:"list_price"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	WarehouseID string          `json:"warehouse_id"`
	FlatStock   int             `json:"flat_stock"`
	Active      bool            `json:"active"`
	Batches     []Batch         `json:"batches,omitempty"`
}

type Batch struct {
	ID           string           `json:"id"`
	ProductID    string           `json:"product_id"`
	BatchNo      string           `json:"batch_no"`
	ExpiryDate   *time.Time       `json:"expiry_date,omitempty"`
	Quantity     int              `json:"quantity"`
	CostPrice    decimal.Decimal  `json:"cost_price"`
	SellingPrice *decimal.Decimal `json:"selling_price,omitempty"`
	WarehouseID  string           `json:"warehouse_id"`
	ReceivedAt   time.Time        `json:"received_at"`
}

// Expired reports whether the batch expiry lies strictly before now.
func (b Batch) Expired(now time.Time) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(now)
}

type BatchRef struct {
	BatchNo    string     `json:"batch_no"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

// CartLine snapshots the product fields needed to price the line so a later
// catalog edit does not change an open cart.
type CartLine struct {
	ProductID     string           `json:"product_id"`
	SKU           string           `json:"sku"`
	Name          string           `json:"name"`
	Unit          string           `json:"unit"`
	Quantity      int              `json:"quantity"`
	ListPrice     decimal.Decimal  `json:"list_price"`
	CostPrice     decimal.Decimal  `json:"cost_price"`
	TaxRate       decimal.Decimal  `json:"tax_rate"`
	SaleType      SaleType         `json:"sale_type"`
	OverridePrice *decimal.Decimal `json:"override_price,omitempty"`
	Batch         *BatchRef        `json:"batch,omitempty"`
	StockCeiling  int              `json:"stock_ceiling"`
}

type CustomerRef struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Customer struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	LoyaltyPoints int       `json:"loyalty_points"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type VATInfo struct {
	CompanyName string `json:"company_name" validate:"required"`
	TaxCode     string `json:"tax_code" validate:"required"`
	Address     string `json:"address"`
	Email       string `json:"email" validate:"omitempty,email"`
}

type Supplier struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	Email         string    `json:"email"`
	Address       string    `json:"address"`
	TaxCode       string    `json:"tax_code"`
	ContactPerson string    `json:"contact_person"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SupplierSnapshot is copied onto a voucher at creation and never refreshed.
type SupplierSnapshot struct {
	SupplierID    string `json:"supplier_id"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
	Address       string `json:"address"`
	TaxCode       string `json:"tax_code"`
	ContactPerson string `json:"contact_person"`
}

func SnapshotSupplier(s Supplier) SupplierSnapshot {
	return SupplierSnapshot{
		SupplierID:    s.ID,
		Name:          s.Name,
		Phone:         s.Phone,
		Email:         s.Email,
		Address:       s.Address,
		TaxCode:       s.TaxCode,
		ContactPerson: s.ContactPerson,
	}
}

type OrderLine struct {
	ProductID     string           `json:"product_id"`
	SKU           string           `json:"sku"`
	Name          string           `json:"name"`
	Unit          string           `json:"unit"`
	Quantity      int              `json:"quantity"`
	SaleType      SaleType         `json:"sale_type"`
	OverridePrice *decimal.Decimal `json:"override_price,omitempty"`
	ListPrice     decimal.Decimal  `json:"list_price"`
	CostPrice     decimal.Decimal  `json:"cost_price"`
	TaxRate       decimal.Decimal  `json:"tax_rate"`
	UnitPrice     decimal.Decimal  `json:"unit_price"`
	LineSubtotal  decimal.Decimal  `json:"line_subtotal"`
	LineTax       decimal.Decimal  `json:"line_tax"`
	BatchNo       string           `json:"batch_no,omitempty"`
}

type Order struct {
	ID                string          `json:"id"`
	StoreID           string          `json:"store_id"`
	EmployeeID        *string         `json:"employee_id,omitempty"`
	CustomerID        string          `json:"customer_id,omitempty"`
	CustomerName      string          `json:"customer_name,omitempty"`
	CustomerPhone     string          `json:"customer_phone,omitempty"`
	PaymentMethod     PaymentMethod   `json:"payment_method"`
	Status            string          `json:"status"`
	Lines             []OrderLine     `json:"lines"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Discount          decimal.Decimal `json:"discount"`
	TaxTotal          decimal.Decimal `json:"tax_total"`
	GrandTotal        decimal.Decimal `json:"grand_total"`
	CashReceived      decimal.Decimal `json:"cash_received"`
	Change            decimal.Decimal `json:"change"`
	LoyaltyPointsUsed int             `json:"loyalty_points_used"`
	EarnedPoints      int             `json:"earned_points"`
	VAT               *VATInfo        `json:"vat,omitempty"`
	PrintCount        int             `json:"print_count"`
	PaymentRef        string          `json:"payment_ref,omitempty"`
	QRPayload         string          `json:"qr_payload,omitempty"`
	QRImage           string          `json:"qr_image,omitempty"`
	QRExpiresAt       *time.Time      `json:"qr_expires_at,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (o Order) Paid() bool {
	return o.Status == OrderStatusPaid
}

type QRCode struct {
	Reference string    `json:"reference"`
	Payload   string    `json:"payload"`
	Image     string    `json:"image"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the QR can still be paid at now.
func (q QRCode) Valid(now time.Time) bool {
	return now.Before(q.ExpiresAt)
}

type OrderSubmitLine struct {
	ProductID     string           `json:"product_id" validate:"required"`
	Quantity      int              `json:"quantity" validate:"gt=0"`
	SaleType      SaleType         `json:"sale_type"`
	OverridePrice *decimal.Decimal `json:"override_price,omitempty"`
	BatchNo       string           `json:"batch_no,omitempty"`
}

type OrderSubmitRequest struct {
	OrderID           string            `json:"order_id,omitempty"`
	StoreID           string            `json:"store_id" validate:"required"`
	EmployeeID        *string           `json:"employee_id,omitempty"`
	Customer          *CustomerRef      `json:"customer,omitempty"`
	Lines             []OrderSubmitLine `json:"lines" validate:"required,min=1,dive"`
	PaymentMethod     PaymentMethod     `json:"payment_method"`
	CashReceived      decimal.Decimal   `json:"cash_received"`
	UseLoyaltyPoints  bool              `json:"use_loyalty_points"`
	LoyaltyPoints     int               `json:"loyalty_points" validate:"gte=0"`
	VATInvoice        bool              `json:"vat_invoice"`
	VAT               *VATInfo          `json:"vat,omitempty"`
}

type OrderSubmitResponse struct {
	OrderID       string          `json:"order_id"`
	CreatedAt     time.Time       `json:"created_at"`
	PrintCount    int             `json:"print_count"`
	EarnedPoints  int             `json:"earned_points"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	Change        decimal.Decimal `json:"change"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        string          `json:"status"`
	QR            *QRCode         `json:"qr,omitempty"`
}

type PaymentStatusResponse struct {
	Reference string        `json:"reference"`
	OrderID   string        `json:"order_id"`
	StoreID   string        `json:"store_id"`
	Status    PaymentStatus `json:"status"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

type PrintLine struct {
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Total     decimal.Decimal `json:"total"`
	SaleType  SaleType        `json:"sale_type"`
}

type PrintResponse struct {
	OrderID       string          `json:"order_id"`
	PrintCount    int             `json:"print_count"`
	Lines         []PrintLine     `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	CashReceived  decimal.Decimal `json:"cash_received"`
	Change        decimal.Decimal `json:"change"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	EscposBase64  string          `json:"escpos_base64"`
	PreviewText   string          `json:"preview_text"`
	FileName      string          `json:"file_name"`
}

type VoucherType string

const (
	VoucherIn     VoucherType = "IN"
	VoucherOut    VoucherType = "OUT"
	VoucherReturn VoucherType = "RETURN"
)

// Outbound reports whether applying the voucher debits stock.
func (t VoucherType) Outbound() bool {
	return t == VoucherOut || t == VoucherReturn
}

const (
	VoucherStatusDraft  = "DRAFT"
	VoucherStatusPosted = "POSTED"
)

type VoucherLine struct {
	ProductID    string           `json:"product_id" validate:"required"`
	Quantity     int              `json:"quantity" validate:"gt=0"`
	UnitCost     decimal.Decimal  `json:"unit_cost"`
	SellingPrice *decimal.Decimal `json:"selling_price,omitempty"`
	BatchNo      string           `json:"batch_no,omitempty"`
	ExpiryDate   *time.Time       `json:"expiry_date,omitempty"`
	Note         string           `json:"note,omitempty"`
}

type InventoryVoucher struct {
	ID            string            `json:"id"`
	Code          string            `json:"code"`
	Type          VoucherType       `json:"type" validate:"oneof=IN OUT RETURN"`
	StoreID       string            `json:"store_id" validate:"required"`
	WarehouseID   string            `json:"warehouse_id" validate:"required"`
	Supplier      *SupplierSnapshot `json:"supplier,omitempty"`
	Reason        string            `json:"reason" validate:"required"`
	DelivererName string            `json:"deliverer_name" validate:"required"`
	ReceiverName  string            `json:"receiver_name" validate:"required"`
	RefDocNo      string            `json:"ref_doc_no" validate:"required"`
	RefDocDate    *time.Time        `json:"ref_doc_date,omitempty"`
	VoucherDate   time.Time         `json:"voucher_date"`
	Lines         []VoucherLine     `json:"lines" validate:"required,min=1,dive"`
	Status        string            `json:"status"`
	CreatedBy     string            `json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
	PostedAt      *time.Time        `json:"posted_at,omitempty"`
}

type VoucherCreateRequest struct {
	Type          VoucherType   `json:"type"`
	StoreID       string        `json:"store_id"`
	WarehouseID   string        `json:"warehouse_id"`
	SupplierID    string        `json:"supplier_id,omitempty"`
	Reason        string        `json:"reason"`
	DelivererName string        `json:"deliverer_name"`
	ReceiverName  string        `json:"receiver_name"`
	RefDocNo      string        `json:"ref_doc_no"`
	RefDocDate    *time.Time    `json:"ref_doc_date,omitempty"`
	VoucherDate   *time.Time    `json:"voucher_date,omitempty"`
	Lines         []VoucherLine `json:"lines"`
	Post          bool          `json:"post"`
}

// ExtractedInvoice holds the fields read off an external invoice document.
// Empty fields were not found on the document.
type ExtractedInvoice struct {
	OrderID       string `json:"order_id"`
	TotalAmount   string `json:"total_amount"`
	PaymentMethod string `json:"payment_method"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
}

type ReconcileRequest struct {
	OrderID   string            `json:"order_id" validate:"required"`
	Extracted *ExtractedInvoice `json:"extracted,omitempty"`
	RawText   string            `json:"raw_text,omitempty"`
}

type ReconcileStatus string

const (
	ReconcileAligned      ReconcileStatus = "aligned"
	ReconcileDiverged     ReconcileStatus = "diverged"
	ReconcileInconclusive ReconcileStatus = "inconclusive"
)

type FieldComparison struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Match    bool   `json:"match"`
	Skipped  bool   `json:"skipped,omitempty"`
}

type ReconcileReport struct {
	OrderID    string            `json:"order_id"`
	Fields     []FieldComparison `json:"fields"`
	Mismatched int               `json:"mismatched"`
	Status     ReconcileStatus   `json:"status"`
}

type Availability struct {
	ProductID   string `json:"product_id"`
	Sellable    int    `json:"sellable"`
	Expired     int    `json:"expired"`
	FlatStock   int    `json:"flat_stock"`
	ExpiredOnly bool   `json:"expired_only"`
}

type Actor struct {
	Username   string `json:"username"`
	Role       string `json:"role"`
	StoreID    string `json:"store_id"`
	EmployeeID string `json:"employee_id,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	StoreID     string `json:"store_id"`
	ExpiresAt   string `json:"expires_at"`
}

type UserAccount struct {
	Username   string    `json:"username"`
	Password   string    `json:"-"`
	Role       string    `json:"role"`
	StoreID    string    `json:"store_id"`
	EmployeeID string    `json:"employee_id,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
