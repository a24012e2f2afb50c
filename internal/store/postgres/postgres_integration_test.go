package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"retailpos/internal/domain"
	"retailpos/internal/stock"
	"retailpos/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedBatchedProduct(t *testing.T, s *Store, storeID string, productID string, quantities ...int) {
	t.Helper()
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM batches WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	total := 0
	for _, q := range quantities {
		total += q
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, store_id, sku, name, unit, list_price, cost_price, tax_rate, flat_stock, active)
		VALUES ($1, $2, $1, 'Integration product', 'pcs', 10000, 7000, 10, $3, true)
	`, productID, storeID, total)
	require.NoError(t, err)

	received := time.Now().UTC().Add(-time.Hour)
	for i, q := range quantities {
		expiry := received.AddDate(0, 0, 10*(i+1))
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO batches (id, product_id, batch_no, expiry_date, quantity, cost_price, received_at)
			VALUES ($1, $2, $3, $4, $5, 7000, $6)
		`, fmt.Sprintf("%s-b%d", productID, i), productID, fmt.Sprintf("B%d", i), expiry, q, received)
		require.NoError(t, err)
	}
}

func TestStockTxDebitsFirstExpiringBatch(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := fmt.Sprintf("prd-it-%d", time.Now().UnixNano())
	seedBatchedProduct(t, s, "it-store", productID, 2, 5)

	err := s.WithStockTx(ctx, func(tx store.StockTx) error {
		p, err := tx.LockProduct(ctx, "it-store", productID)
		if err != nil {
			return err
		}
		out, err := stock.PlanOutbound(p, 4, time.Now().UTC())
		if err != nil {
			return err
		}
		return store.ApplyOutbound(ctx, tx, out)
	})
	require.NoError(t, err)

	p, err := s.GetProduct(ctx, "it-store", productID)
	require.NoError(t, err)
	require.Len(t, p.Batches, 2)
	require.Equal(t, 0, p.Batches[0].Quantity)
	require.Equal(t, 3, p.Batches[1].Quantity)
	require.Equal(t, 3, p.FlatStock)
}

func TestStockTxRollsBackOnShortBatch(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := fmt.Sprintf("prd-it-%d", time.Now().UnixNano())
	seedBatchedProduct(t, s, "it-store", productID, 2, 1)

	err := s.WithStockTx(ctx, func(tx store.StockTx) error {
		if err := tx.DebitBatch(ctx, productID, productID+"-b0", 2); err != nil {
			return err
		}
		return tx.DebitBatch(ctx, productID, productID+"-b1", 5)
	})
	var short *domain.InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, 1, short.Available)

	p, err := s.GetProduct(ctx, "it-store", productID)
	require.NoError(t, err)
	require.Equal(t, 2, p.Batches[0].Quantity)
}

func TestConcurrentDebitsNeverOversell(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := fmt.Sprintf("prd-it-%d", time.Now().UnixNano())
	seedBatchedProduct(t, s, "it-store", productID, 3)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sold int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithStockTx(ctx, func(tx store.StockTx) error {
				p, err := tx.LockProduct(ctx, "it-store", productID)
				if err != nil {
					return err
				}
				out, err := stock.PlanOutbound(p, 1, time.Now().UTC())
				if err != nil {
					return err
				}
				return store.ApplyOutbound(ctx, tx, out)
			})
			if err == nil {
				mu.Lock()
				sold++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, sold, 3)
	p, err := s.GetProduct(ctx, "it-store", productID)
	require.NoError(t, err)
	require.Equal(t, 3-sold, p.Batches[0].Quantity)
	require.GreaterOrEqual(t, p.Batches[0].Quantity, 0)
}

func TestOrderRoundTripAndPaidOnce(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	orderID := fmt.Sprintf("ord-it-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID) })

	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(5 * time.Minute)
	order := domain.Order{
		ID: orderID, StoreID: "it-store", PaymentMethod: domain.PaymentQR, Status: domain.OrderStatusPending,
		Lines:    []domain.OrderLine{{ProductID: "p", Name: "Item", Quantity: 2, UnitPrice: decimal.NewFromInt(5000)}},
		Subtotal: decimal.NewFromInt(10000), GrandTotal: decimal.NewFromInt(11000), TaxTotal: decimal.NewFromInt(1000),
		VAT:        &domain.VATInfo{CompanyName: "PT Maju", TaxCode: "01.234"},
		PaymentRef: orderID + "-REF", QRPayload: "payload", QRImage: "img", QRExpiresAt: &expires,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.CreateOrder(ctx, order)
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, order)
	require.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.FindOrderByPaymentRef(ctx, order.PaymentRef)
	require.NoError(t, err)
	require.Equal(t, "PT Maju", got.VAT.CompanyName)
	require.True(t, got.GrandTotal.Equal(decimal.NewFromInt(11000)))
	require.Equal(t, 2, got.Lines[0].Quantity)

	_, err = s.ClearOrderQR(ctx, orderID, "stale-ref")
	require.ErrorIs(t, err, store.ErrQRSuperseded)

	require.NoError(t, s.WithStockTx(ctx, func(tx store.StockTx) error {
		return tx.MarkOrderPaid(ctx, orderID, 1, now)
	}))
	_, err = s.ClearOrderQR(ctx, orderID, order.PaymentRef)
	require.ErrorIs(t, err, store.ErrQRSuperseded)
	_, err = s.ClearOrderQR(ctx, orderID+"-missing", order.PaymentRef)
	require.ErrorIs(t, err, store.ErrNotFound)
	got, err = s.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, "payload", got.QRPayload)

	err = s.WithStockTx(ctx, func(tx store.StockTx) error {
		return tx.MarkOrderPaid(ctx, orderID, 1, now)
	})
	require.ErrorIs(t, err, domain.ErrStaleOrderState)

	_, err = s.UpdatePendingOrder(ctx, order)
	require.ErrorIs(t, err, domain.ErrStaleOrderState)
}
