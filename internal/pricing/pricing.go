// Package pricing resolves unit prices under sale-type policies and derives
// order totals. All arithmetic is decimal; only the final totals are rounded.
package pricing

import (
	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ResolveUnitPrice returns the price charged per unit of the line.
func ResolveUnitPrice(line domain.CartLine) decimal.Decimal {
	if line.SaleType == domain.SaleTypeFree {
		return decimal.Zero
	}
	if line.OverridePrice != nil {
		return *line.OverridePrice
	}

	switch line.SaleType {
	case domain.SaleTypeNormal, domain.SaleTypeVIP:
		return line.ListPrice
	case domain.SaleTypeAtCost, domain.SaleTypeClearance:
		if line.CostPrice.IsPositive() {
			return line.CostPrice
		}
		return line.ListPrice
	default:
		return line.ListPrice
	}
}

func LineSubtotal(line domain.CartLine) decimal.Decimal {
	return ResolveUnitPrice(line).Mul(decimal.NewFromInt(int64(line.Quantity)))
}

// LineTax is zero for products marked not taxable.
func LineTax(line domain.CartLine) decimal.Decimal {
	if line.TaxRate.Equal(domain.NotTaxable) || !line.TaxRate.IsPositive() {
		return decimal.Zero
	}
	return LineSubtotal(line).Mul(line.TaxRate).Div(hundred)
}

type Totals struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	TaxTotal   decimal.Decimal `json:"tax_total"`
	GrandTotal decimal.Decimal `json:"grand_total"`
}

type Engine struct {
	places int32
}

// New returns an engine rounding totals to the given number of decimal
// places of the currency. Currencies without a minor unit use 0.
func New(places int32) *Engine {
	if places < 0 {
		places = 0
	}
	return &Engine{places: places}
}

func (e *Engine) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(e.places)
}

// Totals sums the lines. The discount is clamped to [0, subtotal] and is not
// taken out of the tax base.
func (e *Engine) Totals(lines []domain.CartLine, discount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	tax := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(LineSubtotal(line))
		tax = tax.Add(LineTax(line))
	}

	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	grand := subtotal.Sub(discount).Add(tax)
	if grand.IsNegative() {
		grand = decimal.Zero
	}

	return Totals{
		Subtotal:   e.Round(subtotal),
		Discount:   e.Round(discount),
		TaxTotal:   e.Round(tax),
		GrandTotal: e.Round(grand),
	}
}

// Change returns the cash owed back to the customer.
func (e *Engine) Change(cashReceived decimal.Decimal, grandTotal decimal.Decimal) (decimal.Decimal, error) {
	if cashReceived.LessThan(grandTotal) {
		return decimal.Zero, domain.NewValidationError("cash_received", "not enough cash")
	}
	return e.Round(cashReceived.Sub(grandTotal)), nil
}

// LoyaltyDiscount converts redeemed points into money.
func (e *Engine) LoyaltyDiscount(points int, pointValue decimal.Decimal) decimal.Decimal {
	if points < 1 || !pointValue.IsPositive() {
		return decimal.Zero
	}
	return e.Round(pointValue.Mul(decimal.NewFromInt(int64(points))))
}

// EarnedPoints awards one point per full earnUnit of the grand total.
func EarnedPoints(grandTotal decimal.Decimal, earnUnit decimal.Decimal) int {
	if !earnUnit.IsPositive() || !grandTotal.IsPositive() {
		return 0
	}
	return int(grandTotal.Div(earnUnit).Floor().IntPart())
}
