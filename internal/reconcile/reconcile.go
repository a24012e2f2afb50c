// Package reconcile compares a stored order against the fields read off an
// external document such as a bank transfer slip or a printed invoice.
package reconcile

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"retailpos/internal/domain"
)

const (
	FieldOrderID       = "order_id"
	FieldTotalAmount   = "total_amount"
	FieldPaymentMethod = "payment_method"
	FieldCustomerName  = "customer_name"
	FieldCustomerPhone = "customer_phone"
)

var methodSynonyms = map[string]domain.PaymentMethod{
	"cash":          domain.PaymentCash,
	"tunai":         domain.PaymentCash,
	"tien mat":      domain.PaymentCash,
	"qr":            domain.PaymentQR,
	"qris":          domain.PaymentQR,
	"vietqr":        domain.PaymentQR,
	"qr code":       domain.PaymentQR,
	"transfer":      domain.PaymentQR,
	"bank transfer": domain.PaymentQR,
	"chuyen khoan":  domain.PaymentQR,
}

type Validator struct {
	countryCode string
}

// New returns a validator that treats phone numbers starting with
// countryCode as local numbers, so "+62 812" and "0812" compare equal.
func New(countryCode string) *Validator {
	return &Validator{countryCode: strings.TrimLeft(strings.TrimSpace(countryCode), "+")}
}

// Compare checks every known field. A field the document does not carry is
// skipped rather than counted as a mismatch; without a usable order id the
// report is inconclusive.
func (v *Validator) Compare(order domain.Order, extracted domain.ExtractedInvoice) domain.ReconcileReport {
	report := domain.ReconcileReport{OrderID: order.ID}

	idField := compareText(FieldOrderID, order.ID, extracted.OrderID, normalizeID)
	report.Fields = append(report.Fields,
		idField,
		compareAmount(order.GrandTotal, extracted.TotalAmount),
		compareText(FieldPaymentMethod, string(order.PaymentMethod), extracted.PaymentMethod, normalizeMethod),
		compareText(FieldCustomerName, order.CustomerName, extracted.CustomerName, v.normalizeName),
		compareText(FieldCustomerPhone, order.CustomerPhone, extracted.CustomerPhone, v.normalizePhone),
	)

	for _, f := range report.Fields {
		if !f.Skipped && !f.Match {
			report.Mismatched++
		}
	}
	switch {
	case idField.Skipped:
		report.Status = domain.ReconcileInconclusive
	case report.Mismatched > 0:
		report.Status = domain.ReconcileDiverged
	default:
		report.Status = domain.ReconcileAligned
	}
	return report
}

func compareText(field string, expected string, actual string, normalize func(string) string) domain.FieldComparison {
	result := domain.FieldComparison{Field: field, Expected: expected, Actual: actual}
	got := normalize(actual)
	if got == "" {
		result.Skipped = true
		return result
	}
	result.Match = normalize(expected) == got
	return result
}

func compareAmount(expected decimal.Decimal, actual string) domain.FieldComparison {
	result := domain.FieldComparison{Field: FieldTotalAmount, Expected: expected.String(), Actual: actual}
	if strings.TrimSpace(actual) == "" {
		result.Skipped = true
		return result
	}
	amount, err := ParseAmount(actual)
	if err != nil {
		return result
	}
	result.Actual = amount.String()
	result.Match = amount.Equal(expected)
	return result
}

func normalizeID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "#")
	id = strings.Join(strings.Fields(id), "")
	return strings.ToLower(id)
}

func normalizeMethod(raw string) string {
	key := strings.Join(strings.Fields(strings.ToLower(stripMarks(raw))), " ")
	if key == "" {
		return ""
	}
	if method, ok := methodSynonyms[key]; ok {
		return string(method)
	}
	return key
}

// normalizeName builds a fresh Caser per call; a Caser carries state.
func (v *Validator) normalizeName(raw string) string {
	return strings.Join(strings.Fields(cases.Fold().String(stripMarks(raw))), " ")
}

func (v *Validator) normalizePhone(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)
	if v.countryCode != "" && strings.HasPrefix(digits, v.countryCode) && len(digits) > len(v.countryCode)+6 {
		digits = "0" + strings.TrimPrefix(digits, v.countryCode)
	}
	return digits
}

// stripMarks removes combining diacritics. The Vietnamese stroked d has no
// decomposition and is mapped by hand.
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.NewReplacer("đ", "d", "Đ", "D").Replace(out)
}
