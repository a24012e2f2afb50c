// Package payment issues bank-transfer QR codes for pending orders.
package payment

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"retailpos/internal/domain"
	"retailpos/internal/xid"
)

type Provider interface {
	CreateQR(ctx context.Context, order domain.Order) (domain.QRCode, error)
}

type Account struct {
	BankBIN     string
	AccountNo   string
	AccountName string
}

// StaticQR encodes the receiving account, amount and a unique reference into
// a PNG QR code. The bank reports payment against the reference.
type StaticQR struct {
	account Account
	ttl     time.Duration
	now     func() time.Time
}

func NewStaticQR(account Account, ttl time.Duration) *StaticQR {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StaticQR{account: account, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func (p *StaticQR) WithClock(now func() time.Time) *StaticQR {
	p.now = now
	return p
}

func (p *StaticQR) CreateQR(_ context.Context, order domain.Order) (domain.QRCode, error) {
	if !order.GrandTotal.IsPositive() {
		return domain.QRCode{}, domain.NewValidationError("grand_total", "qr payment needs a positive amount")
	}
	reference := strings.ToUpper(strings.TrimPrefix(xid.New("pay"), "pay-")[:12])
	payload := strings.Join([]string{
		"BIN:" + p.account.BankBIN,
		"ACC:" + p.account.AccountNo,
		"NAME:" + p.account.AccountName,
		"AMT:" + order.GrandTotal.String(),
		"REF:" + reference,
		"ORD:" + order.ID,
	}, "|")

	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return domain.QRCode{}, fmt.Errorf("encode qr: %w", err)
	}
	return domain.QRCode{
		Reference: reference,
		Payload:   payload,
		Image:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		ExpiresAt: p.now().Add(p.ttl),
	}, nil
}
