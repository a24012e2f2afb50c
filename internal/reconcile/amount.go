package reconcile

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount reads a money string as printed on receipts and slips:
// "Rp 330.000", "330,000", "IDR 1.250.000,50", "$1,234.56". A single
// separator followed by exactly three digits is read as a thousands
// separator.
func ParseAmount(raw string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ".,")
	if strings.Trim(cleaned, "-") == "" {
		return decimal.Zero, fmt.Errorf("no amount in %q", raw)
	}

	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	decimalSep := byte(0)
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimalSep = cleaned[max(lastDot, lastComma)]
	case lastDot >= 0:
		decimalSep = singleSeparatorRole(cleaned, '.')
	case lastComma >= 0:
		decimalSep = singleSeparatorRole(cleaned, ',')
	}

	var normalized strings.Builder
	for i := 0; i < len(cleaned); i++ {
		c := cleaned[i]
		switch {
		case c == decimalSep:
			normalized.WriteByte('.')
		case c == '.' || c == ',':
		default:
			normalized.WriteByte(c)
		}
	}
	amount, err := decimal.NewFromString(normalized.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return amount, nil
}

// singleSeparatorRole returns sep when it marks decimals and 0 when it
// groups thousands.
func singleSeparatorRole(s string, sep byte) byte {
	if strings.Count(s, string(sep)) > 1 {
		return 0
	}
	if len(s)-strings.LastIndexByte(s, sep)-1 == 3 {
		return 0
	}
	return sep
}
