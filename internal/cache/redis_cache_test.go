package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"retailpos/internal/domain"
)

func TestRedisPaymentStatusCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisPaymentStatusCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, "REF1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "REF1", &domain.PaymentStatusResponse{Reference: "REF1", OrderID: "ord-1", Status: domain.PaymentStatusPaid}, time.Minute))
	got, ok, err := c.Get(ctx, "REF1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.PaymentStatusPaid, got.Status)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "REF1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisPaymentStatusCacheDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisPaymentStatusCache(mr.Addr(), "", 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "REF2", &domain.PaymentStatusResponse{Reference: "REF2", Status: domain.PaymentStatusPending}, time.Minute))
	require.NoError(t, c.Delete(ctx, "REF2"))
	require.False(t, mr.Exists(keyPrefix+"REF2"))
}
