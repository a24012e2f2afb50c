package service

import (
	"encoding/base64"
	"fmt"
	"strings"

	"retailpos/internal/domain"
)

const receiptWidth = 32

// buildReceipt renders a paid order as printable lines and as raw ESC/POS
// bytes: initialize, the text, then a partial cut.
func buildReceipt(order domain.Order) domain.PrintResponse {
	printLines := make([]domain.PrintLine, 0, len(order.Lines))
	text := []string{
		"RetailPOS",
		strings.Repeat("=", receiptWidth),
		"Order : " + order.ID,
		"Store : " + order.StoreID,
		"Date  : " + order.CreatedAt.Format("2006-01-02 15:04:05"),
	}
	if order.CustomerName != "" {
		text = append(text, "Cust  : "+order.CustomerName)
	}
	if order.PrintCount > 1 {
		text = append(text, fmt.Sprintf("COPY #%d", order.PrintCount))
	}
	text = append(text, strings.Repeat("-", receiptWidth))

	for _, line := range order.Lines {
		printLines = append(printLines, domain.PrintLine{
			Name:      line.Name,
			Unit:      line.Unit,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Total:     line.LineSubtotal,
			SaleType:  line.SaleType,
		})
		text = append(text, line.Name)
		detail := fmt.Sprintf("  %d %s x %s", line.Quantity, line.Unit, line.UnitPrice.String())
		text = append(text, padRow(detail, line.LineSubtotal.String()))
		if line.SaleType != "" && line.SaleType != domain.SaleTypeNormal {
			text = append(text, "  ("+string(line.SaleType)+")")
		}
	}

	text = append(text,
		strings.Repeat("-", receiptWidth),
		padRow("Subtotal", order.Subtotal.String()),
		padRow("Discount", order.Discount.String()),
		padRow("Tax", order.TaxTotal.String()),
		padRow("TOTAL", order.GrandTotal.String()),
	)
	if order.PaymentMethod == domain.PaymentCash {
		text = append(text,
			padRow("Cash", order.CashReceived.String()),
			padRow("Change", order.Change.String()),
		)
	} else {
		text = append(text, padRow("Paid by QR", order.PaymentRef))
	}
	if order.VAT != nil {
		text = append(text, "VAT: "+order.VAT.CompanyName, "Tax code: "+order.VAT.TaxCode)
	}
	if order.EarnedPoints > 0 {
		text = append(text, fmt.Sprintf("Points earned: %d", order.EarnedPoints))
	}
	text = append(text, strings.Repeat("=", receiptWidth), "Thank you", "")

	escpos := []byte{0x1b, 0x40}
	for _, line := range text {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, []byte{0x1d, 0x56, 0x41, 0x10}...)

	return domain.PrintResponse{
		OrderID:       order.ID,
		PrintCount:    order.PrintCount,
		Lines:         printLines,
		Subtotal:      order.Subtotal,
		Discount:      order.Discount,
		TaxTotal:      order.TaxTotal,
		GrandTotal:    order.GrandTotal,
		CashReceived:  order.CashReceived,
		Change:        order.Change,
		PaymentMethod: order.PaymentMethod,
		EscposBase64:  base64.StdEncoding.EncodeToString(escpos),
		PreviewText:   strings.Join(text, "\n"),
		FileName:      fmt.Sprintf("receipt-%s-%d.bin", order.ID, order.PrintCount),
	}
}

func padRow(label string, value string) string {
	gap := receiptWidth - len(label) - len(value)
	if gap < 1 {
		gap = 1
	}
	return label + strings.Repeat(" ", gap) + value
}
