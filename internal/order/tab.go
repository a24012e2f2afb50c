// Package order holds the per-tab order state machine used by a POS
// terminal. A Tab is an immutable snapshot; every mutation produces a new
// one and the derived figures (state, totals, change due) are computed from
// the snapshot on demand.
package order

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/pricing"
)

type State string

const (
	StateEmpty          State = "EMPTY"
	StateEditing        State = "EDITING"
	StatePendingPayment State = "PENDING_PAYMENT"
	StatePaid           State = "PAID"
)

type Tab struct {
	ID             string               `json:"id"`
	StoreID        string               `json:"store_id"`
	EmployeeID     *string              `json:"employee_id,omitempty"`
	Lines          []domain.CartLine    `json:"lines"`
	Customer       *domain.CustomerRef  `json:"customer,omitempty"`
	PaymentMethod  domain.PaymentMethod `json:"payment_method"`
	CashReceived   decimal.Decimal      `json:"cash_received"`
	LoyaltyPoints  int                  `json:"loyalty_points"`
	VAT            *domain.VATInfo      `json:"vat,omitempty"`
	PendingOrderID string               `json:"pending_order_id,omitempty"`
	Paid           bool                 `json:"paid"`
	ActiveQR       *domain.QRCode       `json:"active_qr,omitempty"`
	SavedQR        *domain.QRCode       `json:"saved_qr,omitempty"`
	// Dirty is set while the tab holds edits the pending order does not.
	Dirty bool `json:"dirty,omitempty"`
}

func newTab(id string, storeID string, employeeID *string) Tab {
	return Tab{ID: id, StoreID: storeID, EmployeeID: employeeID, PaymentMethod: domain.PaymentCash}
}

// State derives the tab state. A saved QR still inside its window keeps the
// tab in PENDING_PAYMENT after the dialog was closed.
func (t Tab) State(now time.Time) State {
	switch {
	case t.Paid:
		return StatePaid
	case t.PendingOrderID != "" && t.awaitingPayment(now):
		return StatePendingPayment
	case len(t.Lines) > 0:
		return StateEditing
	default:
		return StateEmpty
	}
}

func (t Tab) awaitingPayment(now time.Time) bool {
	if t.PaymentMethod == domain.PaymentCash {
		return true
	}
	return (t.ActiveQR != nil && t.ActiveQR.Valid(now)) || (t.SavedQR != nil && t.SavedQR.Valid(now))
}

func (t Tab) Totals(engine *pricing.Engine, pointValue decimal.Decimal) pricing.Totals {
	return engine.Totals(t.Lines, engine.LoyaltyDiscount(t.LoyaltyPoints, pointValue))
}

// ChangeDue is zero for QR tabs and while the cash received is short.
func (t Tab) ChangeDue(engine *pricing.Engine, pointValue decimal.Decimal) decimal.Decimal {
	if t.PaymentMethod != domain.PaymentCash {
		return decimal.Zero
	}
	change, err := engine.Change(t.CashReceived, t.Totals(engine, pointValue).GrandTotal)
	if err != nil {
		return decimal.Zero
	}
	return change
}

// Quantities sums line quantities per product.
func (t Tab) Quantities() map[string]int {
	out := make(map[string]int, len(t.Lines))
	for _, line := range t.Lines {
		out[line.ProductID] += line.Quantity
	}
	return out
}

func (t Tab) clone() Tab {
	next := t
	next.Lines = slices.Clone(t.Lines)
	return next
}

func (t Tab) lineIndex(productID string) int {
	return slices.IndexFunc(t.Lines, func(l domain.CartLine) bool { return l.ProductID == productID })
}

// withLine adds line, merging into an existing line for the same product.
func (t Tab) withLine(line domain.CartLine) (Tab, error) {
	next := t.clone()
	if i := next.lineIndex(line.ProductID); i >= 0 {
		merged := next.Lines[i]
		merged.Quantity += line.Quantity
		merged.StockCeiling = line.StockCeiling
		if err := checkCeiling(merged); err != nil {
			return t, err
		}
		next.Lines[i] = merged
		return next, nil
	}
	if err := checkCeiling(line); err != nil {
		return t, err
	}
	next.Lines = append(next.Lines, line)
	return next, nil
}

func (t Tab) withQuantity(productID string, qty int) (Tab, error) {
	i := t.lineIndex(productID)
	if i < 0 {
		return t, domain.NewValidationError("product_id", "product is not in the cart")
	}
	if qty < 1 {
		return t, domain.NewValidationError("quantity", "must be at least 1")
	}
	next := t.clone()
	next.Lines[i].Quantity = qty
	if err := checkCeiling(next.Lines[i]); err != nil {
		return t, err
	}
	return next, nil
}

func (t Tab) withoutLine(productID string) (Tab, error) {
	i := t.lineIndex(productID)
	if i < 0 {
		return t, domain.NewValidationError("product_id", "product is not in the cart")
	}
	next := t.clone()
	next.Lines = slices.Delete(next.Lines, i, i+1)
	return next, nil
}

// withPaymentMethod drops any QR when the method changes; a new one comes
// from the next submit.
func (t Tab) withPaymentMethod(method domain.PaymentMethod) Tab {
	next := t.clone()
	if next.PaymentMethod != method {
		next.ActiveQR = nil
		next.SavedQR = nil
	}
	next.PaymentMethod = method
	return next
}

func (t Tab) withSubmitted(resp domain.OrderSubmitResponse, method domain.PaymentMethod) Tab {
	next := t.clone()
	next.PendingOrderID = resp.OrderID
	if method == domain.PaymentQR && resp.QR != nil {
		qr := *resp.QR
		next.ActiveQR = &qr
		saved := qr
		next.SavedQR = &saved
	} else {
		next.ActiveQR = nil
		next.SavedQR = nil
	}
	return next
}

func (t Tab) withPaid() Tab {
	next := t.clone()
	next.Paid = true
	next.ActiveQR = nil
	return next
}

// withoutQR clears the QR matching reference. An empty reference clears
// whatever is there.
func (t Tab) withoutQR(reference string) Tab {
	next := t.clone()
	if next.ActiveQR != nil && (reference == "" || next.ActiveQR.Reference == reference) {
		next.ActiveQR = nil
	}
	if next.SavedQR != nil && (reference == "" || next.SavedQR.Reference == reference) {
		next.SavedQR = nil
	}
	return next
}

func (t Tab) submitRequest() domain.OrderSubmitRequest {
	lines := make([]domain.OrderSubmitLine, 0, len(t.Lines))
	for _, line := range t.Lines {
		submit := domain.OrderSubmitLine{
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			SaleType:      line.SaleType,
			OverridePrice: line.OverridePrice,
		}
		if line.Batch != nil {
			submit.BatchNo = line.Batch.BatchNo
		}
		lines = append(lines, submit)
	}
	return domain.OrderSubmitRequest{
		OrderID:          t.PendingOrderID,
		StoreID:          t.StoreID,
		EmployeeID:       t.EmployeeID,
		Customer:         t.Customer,
		Lines:            lines,
		PaymentMethod:    t.PaymentMethod,
		CashReceived:     t.CashReceived,
		UseLoyaltyPoints: t.LoyaltyPoints > 0,
		LoyaltyPoints:    t.LoyaltyPoints,
		VATInvoice:       t.VAT != nil,
		VAT:              t.VAT,
	}
}

// checkCeiling compares against the stock captured when the line was added.
// Submit checks again against the server.
func checkCeiling(line domain.CartLine) error {
	if line.Quantity < 1 {
		return domain.NewValidationError("quantity", "must be at least 1")
	}
	if line.Quantity > line.StockCeiling {
		return &domain.InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity, Available: line.StockCeiling}
	}
	return nil
}

// View is a tab snapshot with its derived figures, as shown to a terminal.
type View struct {
	Tab
	State     State           `json:"state"`
	Totals    pricing.Totals  `json:"totals"`
	ChangeDue decimal.Decimal `json:"change_due"`
}
