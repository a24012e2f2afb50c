package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"retailpos/internal/domain"
	"retailpos/internal/pricing"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGateway struct {
	mu          sync.Mutex
	clock       *fakeClock
	products    map[string]domain.Product
	orders      map[string]domain.OrderSubmitRequest
	paid        map[string]bool
	statuses    map[string]domain.PaymentStatus
	printed     []string
	creates     int
	submits     int
	statusCalls int

	block   chan struct{}
	entered chan struct{}
}

func newFakeGateway(clock *fakeClock) *fakeGateway {
	return &fakeGateway{
		clock: clock,
		products: map[string]domain.Product{
			"coffee": {ID: "coffee", Name: "Coffee Beans", Unit: "bag", Active: true, FlatStock: 5,
				ListPrice: decimal.NewFromInt(100000), TaxRate: decimal.NewFromInt(10)},
			"bread": {ID: "bread", Name: "Bread", Unit: "pcs", Active: true, FlatStock: 3,
				ListPrice: decimal.NewFromInt(15000), TaxRate: domain.NotTaxable},
			"yogurt": {ID: "yogurt", Name: "Yogurt", Unit: "cup", Active: true, FlatStock: 4,
				ListPrice: decimal.NewFromInt(9000), TaxRate: decimal.NewFromInt(10),
				Batches: []domain.Batch{{ID: "y1", ProductID: "yogurt", BatchNo: "Y-OLD", Quantity: 4, ExpiryDate: ptrTime(clock.Now().Add(-time.Hour))}}},
		},
		orders:   map[string]domain.OrderSubmitRequest{},
		paid:     map[string]bool{},
		statuses: map[string]domain.PaymentStatus{},
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func (g *fakeGateway) SubmitOrder(_ context.Context, req domain.OrderSubmitRequest) (domain.OrderSubmitResponse, error) {
	if g.block != nil {
		g.entered <- struct{}{}
		<-g.block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := req.OrderID
	if id == "" {
		g.creates++
		id = fmt.Sprintf("ord-%d", g.creates)
	}
	if g.paid[id] {
		return domain.OrderSubmitResponse{}, domain.ErrStaleOrderState
	}
	g.submits++
	g.orders[id] = req
	resp := domain.OrderSubmitResponse{OrderID: id, Status: domain.OrderStatusPending}
	if req.PaymentMethod == domain.PaymentQR {
		ref := fmt.Sprintf("ref-%d", g.submits)
		g.statuses[ref] = domain.PaymentStatusPending
		resp.QR = &domain.QRCode{Reference: ref, Payload: "payload", ExpiresAt: g.clock.Now().Add(5 * time.Minute)}
	}
	return resp, nil
}

func (g *fakeGateway) ConfirmCashPayment(_ context.Context, orderID string) (domain.OrderSubmitResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paid[orderID] = true
	return domain.OrderSubmitResponse{OrderID: orderID, Status: domain.OrderStatusPaid}, nil
}

func (g *fakeGateway) PaymentStatus(_ context.Context, _ string, reference string) (domain.PaymentStatusResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	status, ok := g.statuses[reference]
	if !ok {
		return domain.PaymentStatusResponse{}, errors.New("unknown reference")
	}
	return domain.PaymentStatusResponse{Reference: reference, Status: status}, nil
}

func (g *fakeGateway) PrintOrder(_ context.Context, orderID string) (domain.PrintResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paid[orderID] = true
	g.printed = append(g.printed, orderID)
	return domain.PrintResponse{OrderID: orderID, PrintCount: len(g.printed)}, nil
}

func (g *fakeGateway) CurrentStock(_ context.Context, _ string, ids []string) (map[string]domain.Product, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := g.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (g *fakeGateway) setStatus(reference string, status domain.PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[reference] = status
}

func (g *fakeGateway) setFlatStock(id string, qty int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.products[id]
	p.FlatStock = qty
	g.products[id] = p
}

func (g *fakeGateway) counts() (creates, submits, statusCalls int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.submits, g.statusCalls
}

func newTestMachine(t *testing.T) (*Machine, *fakeGateway, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	gw := newFakeGateway(clock)
	m := NewMachine("tab-1", "store-1", nil, gw, Config{
		Pricing:      pricing.New(0),
		PointValue:   decimal.NewFromInt(100),
		PollInterval: 5 * time.Millisecond,
		Clock:        clock.Now,
	})
	t.Cleanup(m.Close)
	return m, gw, clock
}

func TestTabTotalsAndChangeDue(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.AddLine(ctx, "coffee", 3, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetCashReceived(ctx, decimal.NewFromInt(330000))
	require.NoError(t, err)

	view := m.View()
	require.Equal(t, StateEditing, view.State)
	require.True(t, decimal.NewFromInt(300000).Equal(view.Totals.Subtotal))
	require.True(t, decimal.NewFromInt(30000).Equal(view.Totals.TaxTotal))
	require.True(t, decimal.NewFromInt(330000).Equal(view.Totals.GrandTotal))
	require.True(t, view.ChangeDue.IsZero())
}

func TestSubmitRejectsEmptyCartAndShortCash(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Submit(ctx)
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))
	require.True(t, validation.Has("lines"))

	_, err = m.AddLine(ctx, "coffee", 3, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetCashReceived(ctx, decimal.NewFromInt(300000))
	require.NoError(t, err)

	_, err = m.Submit(ctx)
	require.True(t, errors.As(err, &validation))
	require.True(t, validation.Has("cash_received"))
	_, submits, _ := gw.counts()
	require.Zero(t, submits)
}

func TestSubmitTwiceKeepsOneOrder(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.AddLine(ctx, "bread", 1, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetCashReceived(ctx, decimal.NewFromInt(20000))
	require.NoError(t, err)

	first, err := m.Submit(ctx)
	require.NoError(t, err)
	second, err := m.Submit(ctx)
	require.NoError(t, err)

	require.Equal(t, first.PendingOrderID, second.PendingOrderID)
	creates, submits, _ := gw.counts()
	require.Equal(t, 1, creates)
	require.Equal(t, 2, submits)
	require.Equal(t, StatePendingPayment, m.View().State)
}

func TestEditWhilePendingResubmits(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.AddLine(ctx, "bread", 1, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetCashReceived(ctx, decimal.NewFromInt(50000))
	require.NoError(t, err)
	tab, err := m.Submit(ctx)
	require.NoError(t, err)

	_, err = m.UpdateQuantity(ctx, "bread", 2)
	require.NoError(t, err)

	_, submits, _ := gw.counts()
	require.Equal(t, 2, submits)
	gw.mu.Lock()
	require.Equal(t, 2, gw.orders[tab.PendingOrderID].Lines[0].Quantity)
	gw.mu.Unlock()
}

func TestFailedResubmitKeepsEdit(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.AddLine(ctx, "bread", 1, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetCashReceived(ctx, decimal.NewFromInt(15000))
	require.NoError(t, err)
	_, err = m.Submit(ctx)
	require.NoError(t, err)

	_, err = m.UpdateQuantity(ctx, "bread", 2)
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))
	require.Equal(t, 2, m.Snapshot().Lines[0].Quantity)
}

func TestConfirmCashSubmitsPendingEditFirst(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.AddLine(ctx, "coffee", 1, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetCashReceived(ctx, decimal.NewFromInt(500000))
	require.NoError(t, err)
	tab, err := m.Submit(ctx)
	require.NoError(t, err)
	require.False(t, tab.Dirty)

	gw.setFlatStock("coffee", 1)
	_, err = m.UpdateQuantity(ctx, "coffee", 3)
	var short *domain.InsufficientStockError
	require.True(t, errors.As(err, &short))
	require.True(t, m.Snapshot().Dirty)
	require.Equal(t, 3, m.Snapshot().Lines[0].Quantity)

	_, err = m.ConfirmCash(ctx)
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))
	require.True(t, validation.Has("lines"))
	_, err = m.Print(ctx)
	require.True(t, errors.As(err, &validation))
	gw.mu.Lock()
	require.False(t, gw.paid[tab.PendingOrderID])
	require.Empty(t, gw.printed)
	require.Equal(t, 1, gw.orders[tab.PendingOrderID].Lines[0].Quantity)
	gw.mu.Unlock()

	gw.setFlatStock("coffee", 5)
	paid, err := m.ConfirmCash(ctx)
	require.NoError(t, err)
	require.True(t, paid.Paid)
	require.False(t, paid.Dirty)
	gw.mu.Lock()
	require.True(t, gw.paid[tab.PendingOrderID])
	require.Equal(t, 3, gw.orders[tab.PendingOrderID].Lines[0].Quantity)
	gw.mu.Unlock()
}

func TestPrintRefusesQRWithUnsubmittedEdit(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	ctx := context.Background()
	tab := submitQR(t, m)

	gw.setFlatStock("coffee", 1)
	_, err := m.UpdateQuantity(ctx, "coffee", 2)
	require.Error(t, err)

	_, err = m.Print(ctx)
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))
	require.True(t, validation.Has("lines"))
	require.Equal(t, 2, m.Snapshot().Lines[0].Quantity)
	require.Equal(t, tab.PendingOrderID, m.Snapshot().PendingOrderID)
	gw.mu.Lock()
	require.Empty(t, gw.printed)
	require.False(t, gw.paid[tab.PendingOrderID])
	gw.mu.Unlock()
}

func TestSubmitRechecksServerStock(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.AddLine(ctx, "coffee", 3, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetPaymentMethod(ctx, domain.PaymentQR)
	require.NoError(t, err)
	gw.setFlatStock("coffee", 1)

	_, err = m.Submit(ctx)
	var short *domain.InsufficientStockError
	require.True(t, errors.As(err, &short))
	require.Equal(t, 1, short.Available)
	require.Equal(t, 3, short.Requested)
}

func TestAddLineChecksStock(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.AddLine(ctx, "yogurt", 1, domain.SaleTypeNormal, nil)
	var expired *domain.ExpiredBatchOnlyError
	require.True(t, errors.As(err, &expired))

	_, err = m.AddLine(ctx, "bread", 2, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.UpdateQuantity(ctx, "bread", 4)
	var short *domain.InsufficientStockError
	require.True(t, errors.As(err, &short))
	require.Equal(t, 3, short.Available)
	require.Equal(t, 2, m.Snapshot().Lines[0].Quantity)

	_, err = m.AddLine(ctx, "ghost", 1, domain.SaleTypeNormal, nil)
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))
}

func TestCashFlowConfirmThenPrint(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.AddLine(ctx, "bread", 2, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetCashReceived(ctx, decimal.NewFromInt(30000))
	require.NoError(t, err)
	tab, err := m.Submit(ctx)
	require.NoError(t, err)

	_, err = m.Print(ctx)
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))
	require.True(t, validation.Has("payment"))

	_, err = m.ConfirmCash(ctx)
	require.NoError(t, err)
	require.Equal(t, StatePaid, m.View().State)

	_, err = m.UpdateQuantity(ctx, "bread", 1)
	require.ErrorIs(t, err, domain.ErrStaleOrderState)

	receipt, err := m.Print(ctx)
	require.NoError(t, err)
	require.Equal(t, tab.PendingOrderID, receipt.OrderID)
	require.Equal(t, StateEmpty, m.View().State)
	require.Empty(t, m.Snapshot().PendingOrderID)
	require.Equal(t, []string{tab.PendingOrderID}, gw.printed)
}

func submitQR(t *testing.T, m *Machine) Tab {
	t.Helper()
	ctx := context.Background()
	_, err := m.AddLine(ctx, "coffee", 1, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetPaymentMethod(ctx, domain.PaymentQR)
	require.NoError(t, err)
	tab, err := m.Submit(ctx)
	require.NoError(t, err)
	require.NotNil(t, tab.ActiveQR)
	require.NotNil(t, tab.SavedQR)
	return tab
}

func TestPollerFlipsTabToPaid(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	tab := submitQR(t, m)
	require.Equal(t, StatePendingPayment, m.View().State)
	require.True(t, m.Polling())

	gw.setStatus(tab.ActiveQR.Reference, domain.PaymentStatusPaid)
	require.Eventually(t, func() bool { return m.View().State == StatePaid }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !m.Polling() }, time.Second, 5*time.Millisecond)
	require.Empty(t, gw.printed)

	_, err := m.Print(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateEmpty, m.View().State)
}

func TestPollerRetriesTransientErrors(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	tab := submitQR(t, m)

	gw.mu.Lock()
	delete(gw.statuses, tab.ActiveQR.Reference)
	gw.mu.Unlock()
	require.Eventually(t, func() bool {
		_, _, calls := gw.counts()
		return calls >= 3
	}, time.Second, 5*time.Millisecond)
	require.True(t, m.Polling())

	gw.setStatus(tab.ActiveQR.Reference, domain.PaymentStatusPaid)
	require.Eventually(t, func() bool { return m.View().State == StatePaid }, time.Second, 5*time.Millisecond)
}

func TestPollerClearsExpiredQR(t *testing.T) {
	m, _, clock := newTestMachine(t)
	submitQR(t, m)

	clock.Advance(6 * time.Minute)
	require.Eventually(t, func() bool { return !m.Polling() }, time.Second, 5*time.Millisecond)
	tab := m.Snapshot()
	require.Nil(t, tab.ActiveQR)
	require.Nil(t, tab.SavedQR)
	require.Equal(t, StateEditing, m.View().State)
}

func TestCloseAndReopenQRDialog(t *testing.T) {
	m, _, clock := newTestMachine(t)
	submitQR(t, m)

	tab := m.CloseQRDialog()
	require.Nil(t, tab.ActiveQR)
	require.NotNil(t, tab.SavedQR)
	require.False(t, m.Polling())
	require.Equal(t, StatePendingPayment, m.View().State)

	tab, err := m.ReopenQR()
	require.NoError(t, err)
	require.Equal(t, tab.SavedQR.Reference, tab.ActiveQR.Reference)
	require.True(t, m.Polling())

	m.CloseQRDialog()
	clock.Advance(10 * time.Minute)
	_, err = m.ReopenQR()
	require.ErrorIs(t, err, domain.ErrPaymentWindowExpired)
	require.Nil(t, m.Snapshot().SavedQR)
	require.Equal(t, StateEditing, m.View().State)
}

func TestCancelQRStopsPolling(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	submitQR(t, m)

	tab := m.CancelQR()
	require.Nil(t, tab.ActiveQR)
	require.Nil(t, tab.SavedQR)
	require.False(t, m.Polling())
	require.Equal(t, StateEditing, m.View().State)

	_, _, before := gw.counts()
	time.Sleep(30 * time.Millisecond)
	_, _, after := gw.counts()
	require.Equal(t, before, after)
}

func TestPrintFinalizesUnpaidQR(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	tab := submitQR(t, m)

	receipt, err := m.Print(context.Background())
	require.NoError(t, err)
	require.Equal(t, tab.PendingOrderID, receipt.OrderID)
	require.True(t, gw.paid[tab.PendingOrderID])
	require.Equal(t, StateEmpty, m.View().State)
	require.False(t, m.Polling())
}

func TestPrintAfterCancelQRRefused(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	ctx := context.Background()
	tab := submitQR(t, m)

	m.CancelQR()
	require.Equal(t, StateEditing, m.View().State)

	_, err := m.Print(ctx)
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))
	require.True(t, validation.Has("payment"))
	require.Equal(t, StateEditing, m.View().State)
	require.Equal(t, tab.PendingOrderID, m.Snapshot().PendingOrderID)
	gw.mu.Lock()
	require.Empty(t, gw.printed)
	require.False(t, gw.paid[tab.PendingOrderID])
	gw.mu.Unlock()

	// A fresh submit issues a new qr and printing works again.
	_, err = m.Submit(ctx)
	require.NoError(t, err)
	receipt, err := m.Print(ctx)
	require.NoError(t, err)
	require.Equal(t, tab.PendingOrderID, receipt.OrderID)
	require.Equal(t, StateEmpty, m.View().State)
}

func TestResetStopsPoller(t *testing.T) {
	m, _, _ := newTestMachine(t)
	submitQR(t, m)

	tab := m.Reset()
	require.False(t, m.Polling())
	require.Empty(t, tab.Lines)
	require.Equal(t, domain.PaymentCash, tab.PaymentMethod)
	require.Equal(t, StateEmpty, m.View().State)
}

func TestSwitchingToCashDropsQR(t *testing.T) {
	m, _, _ := newTestMachine(t)
	submitQR(t, m)

	// The resubmit fails for lack of cash, the poller must stop anyway.
	_, err := m.SetPaymentMethod(context.Background(), domain.PaymentCash)
	require.Error(t, err)
	require.False(t, m.Polling())
	require.Nil(t, m.Snapshot().ActiveQR)
}

func TestStaleSubmitIsDropped(t *testing.T) {
	m, gw, _ := newTestMachine(t)
	ctx := context.Background()
	_, err := m.AddLine(ctx, "bread", 1, domain.SaleTypeNormal, nil)
	require.NoError(t, err)
	_, err = m.SetCashReceived(ctx, decimal.NewFromInt(50000))
	require.NoError(t, err)

	gw.block = make(chan struct{})
	gw.entered = make(chan struct{}, 3)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Submit(ctx)
	}()
	<-gw.entered

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Submit(ctx)
		}()
	}
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.submitSeq == 3
	}, time.Second, time.Millisecond)

	close(gw.block)
	wg.Wait()

	creates, submits, _ := gw.counts()
	require.Equal(t, 1, creates)
	require.Equal(t, 2, submits)
}

func TestClosedTabRejectsEdits(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Close()

	_, err := m.AddLine(context.Background(), "bread", 1, domain.SaleTypeNormal, nil)
	require.ErrorIs(t, err, ErrTabClosed)
	_, err = m.Submit(context.Background())
	require.ErrorIs(t, err, ErrTabClosed)
}

func TestRegistryLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	registry := NewRegistry(newFakeGateway(clock), Config{Clock: clock.Now})

	first := registry.Open("store-1", nil)
	employee := "emp-7"
	second := registry.Open("store-1", &employee)
	require.Equal(t, 2, registry.Len())
	require.NotEqual(t, first.Snapshot().ID, second.Snapshot().ID)

	got, err := registry.Get(second.Snapshot().ID)
	require.NoError(t, err)
	require.Same(t, second, got)
	require.Equal(t, "emp-7", *got.Snapshot().EmployeeID)

	require.NoError(t, registry.Close(first.Snapshot().ID))
	_, err = registry.Get(first.Snapshot().ID)
	require.ErrorIs(t, err, ErrTabNotFound)
	require.ErrorIs(t, registry.Close(first.Snapshot().ID), ErrTabNotFound)

	registry.CloseAll()
	require.Zero(t, registry.Len())
	_, err = second.Submit(context.Background())
	require.ErrorIs(t, err, ErrTabClosed)
}
