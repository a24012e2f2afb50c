package cache

import (
	"context"
	"time"

	"retailpos/internal/domain"
)

// PaymentStatusCache keeps the latest known status of a QR payment keyed by
// its reference so terminal polling does not hit the database every tick.
type PaymentStatusCache interface {
	Get(ctx context.Context, reference string) (*domain.PaymentStatusResponse, bool, error)
	Set(ctx context.Context, reference string, value *domain.PaymentStatusResponse, ttl time.Duration) error
	Delete(ctx context.Context, reference string) error
}

type NoopPaymentStatusCache struct{}

func (NoopPaymentStatusCache) Get(_ context.Context, _ string) (*domain.PaymentStatusResponse, bool, error) {
	return nil, false, nil
}

func (NoopPaymentStatusCache) Set(_ context.Context, _ string, _ *domain.PaymentStatusResponse, _ time.Duration) error {
	return nil
}

func (NoopPaymentStatusCache) Delete(_ context.Context, _ string) error {
	return nil
}
