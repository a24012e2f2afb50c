package stock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"retailpos/internal/domain"
)

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func day(offset int) *time.Time {
	d := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
	return &d
}

func TestAvailableStockSkipsExpiredBatches(t *testing.T) {
	p := domain.Product{ID: "p1", FlatStock: 99, Batches: []domain.Batch{
		{ID: "b1", Quantity: 4, ExpiryDate: day(-1)},
		{ID: "b2", Quantity: 3, ExpiryDate: day(5)},
		{ID: "b3", Quantity: 2},
	}}
	require.Equal(t, 5, AvailableStock(p, now))
}

func TestAvailableStockFallsBackToFlatCounter(t *testing.T) {
	require.Equal(t, 12, AvailableStock(domain.Product{ID: "p1", FlatStock: 12}, now))
}

func TestExpiredOnlyProductSurfacesDiscrepancy(t *testing.T) {
	p := domain.Product{ID: "p1", FlatStock: 6, Batches: []domain.Batch{
		{ID: "b1", Quantity: 6, ExpiryDate: day(-3)},
	}}
	require.Equal(t, 0, AvailableStock(p, now))

	a := Assess(p, now)
	require.True(t, a.ExpiredOnly)
	require.Equal(t, 6, a.Expired)
	require.Equal(t, 6, a.FlatStock)

	var expired *domain.ExpiredBatchOnlyError
	require.True(t, errors.As(CheckSellable(p, 1, now), &expired))
}

func TestCheckSellableReportsAvailable(t *testing.T) {
	p := domain.Product{ID: "p1", Batches: []domain.Batch{{ID: "b1", Quantity: 2, ExpiryDate: day(2)}}}
	require.NoError(t, CheckSellable(p, 2, now))

	var short *domain.InsufficientStockError
	require.True(t, errors.As(CheckSellable(p, 3, now), &short))
	require.Equal(t, 2, short.Available)
}

func TestSelectDebitPlanTakesEarliestExpiryFirst(t *testing.T) {
	p := domain.Product{ID: "p1", Batches: []domain.Batch{
		{ID: "b2", Quantity: 3},
		{ID: "b1", Quantity: 2, ExpiryDate: day(30)},
	}}

	plan, err := SelectDebitPlan(p, 4, now)
	require.NoError(t, err)
	require.Equal(t, []Debit{{BatchID: "b1", Quantity: 2}, {BatchID: "b2", Quantity: 2}}, plan)
}

func TestSelectDebitPlanIgnoresExpiredAndEmptyBatches(t *testing.T) {
	p := domain.Product{ID: "p1", Batches: []domain.Batch{
		{ID: "old", Quantity: 10, ExpiryDate: day(-1)},
		{ID: "empty", Quantity: 0, ExpiryDate: day(1)},
		{ID: "late", Quantity: 5, ExpiryDate: day(20)},
		{ID: "soon", Quantity: 1, ExpiryDate: day(2)},
	}}

	plan, err := SelectDebitPlan(p, 3, now)
	require.NoError(t, err)
	require.Equal(t, []Debit{{BatchID: "soon", Quantity: 1}, {BatchID: "late", Quantity: 2}}, plan)
}

func TestSelectDebitPlanIsAllOrNothing(t *testing.T) {
	p := domain.Product{ID: "p1", Batches: []domain.Batch{
		{ID: "b1", Quantity: 2, ExpiryDate: day(1)},
		{ID: "b2", Quantity: 1, ExpiryDate: day(-1)},
	}}

	plan, err := SelectDebitPlan(p, 3, now)
	require.Nil(t, plan)
	var short *domain.InsufficientStockError
	require.True(t, errors.As(err, &short))
	require.Equal(t, 2, short.Available)
	require.Equal(t, 3, short.Requested)
}

func TestSelectDebitPlanSumsToRequest(t *testing.T) {
	p := domain.Product{ID: "p1", Batches: []domain.Batch{
		{ID: "a", Quantity: 3, ExpiryDate: day(4)},
		{ID: "b", Quantity: 3, ExpiryDate: day(4), ReceivedAt: now.Add(time.Hour)},
		{ID: "c", Quantity: 3, ExpiryDate: day(1)},
	}}

	for qty := 1; qty <= 9; qty++ {
		plan, err := SelectDebitPlan(p, qty, now)
		require.NoError(t, err)
		sum := 0
		for _, d := range plan {
			require.Positive(t, d.Quantity)
			sum += d.Quantity
		}
		require.Equal(t, qty, sum)
		require.Equal(t, "c", plan[0].BatchID)
	}

	plan, err := SelectDebitPlan(p, 6, now)
	require.NoError(t, err)
	require.Equal(t, "a", plan[1].BatchID)
}

func TestPlanOutboundUsesFlatCounterWithoutBatches(t *testing.T) {
	out, err := PlanOutbound(domain.Product{ID: "p1", FlatStock: 5}, 4, now)
	require.NoError(t, err)
	require.Equal(t, 4, out.Flat)
	require.Empty(t, out.Debits)

	_, err = PlanOutbound(domain.Product{ID: "p1", FlatStock: 3}, 4, now)
	var short *domain.InsufficientStockError
	require.True(t, errors.As(err, &short))
}

func TestBatchExpiringLaterTodayIsStillSellable(t *testing.T) {
	later := now.Add(2 * time.Hour)
	p := domain.Product{ID: "p1", Batches: []domain.Batch{{ID: "b1", Quantity: 1, ExpiryDate: &later}}}
	require.Equal(t, 1, AvailableStock(p, now))
	require.Equal(t, 0, AvailableStock(p, later.Add(time.Second)))
}
