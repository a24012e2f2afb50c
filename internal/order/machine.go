package order

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/pricing"
	"retailpos/internal/stock"
)

var (
	ErrTabNotFound = errors.New("tab not found")
	ErrTabClosed   = errors.New("tab is closed")
)

// Gateway is the server side of a tab.
type Gateway interface {
	SubmitOrder(ctx context.Context, req domain.OrderSubmitRequest) (domain.OrderSubmitResponse, error)
	ConfirmCashPayment(ctx context.Context, orderID string) (domain.OrderSubmitResponse, error)
	PaymentStatus(ctx context.Context, storeID string, reference string) (domain.PaymentStatusResponse, error)
	PrintOrder(ctx context.Context, orderID string) (domain.PrintResponse, error)
	CurrentStock(ctx context.Context, storeID string, productIDs []string) (map[string]domain.Product, error)
}

type Config struct {
	Pricing      *pricing.Engine
	PointValue   decimal.Decimal
	PollInterval time.Duration
	Logger       *zap.Logger
	Clock        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Pricing == nil {
		c.Pricing = pricing.New(0)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type poller struct {
	reference string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Machine drives one tab. Edits and reads are safe from any goroutine;
// gateway submits for the tab run one at a time.
type Machine struct {
	gateway Gateway
	cfg     Config
	logger  *zap.Logger
	storeID string

	submitMu sync.Mutex

	mu        sync.Mutex
	tab       Tab
	submitSeq uint64
	poller    *poller
	closed    bool
}

func NewMachine(id string, storeID string, employeeID *string, gateway Gateway, cfg Config) *Machine {
	cfg = cfg.withDefaults()
	return &Machine{
		gateway: gateway,
		cfg:     cfg,
		logger:  cfg.Logger.Named("tab").With(zap.String("tab_id", id)),
		storeID: storeID,
		tab:     newTab(id, storeID, employeeID),
	}
}

func (m *Machine) Snapshot() Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tab.clone()
}

func (m *Machine) View() View {
	tab := m.Snapshot()
	return View{
		Tab:       tab,
		State:     tab.State(m.cfg.Clock()),
		Totals:    tab.Totals(m.cfg.Pricing, m.cfg.PointValue),
		ChangeDue: tab.ChangeDue(m.cfg.Pricing, m.cfg.PointValue),
	}
}

// Polling reports whether a payment status poller is running.
func (m *Machine) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poller != nil
}

// AddLine puts qty units of a product in the cart, priced from the current
// product record. The sellable stock at this moment becomes the line
// ceiling.
func (m *Machine) AddLine(ctx context.Context, productID string, qty int, saleType domain.SaleType, override *decimal.Decimal) (Tab, error) {
	if override != nil && override.IsNegative() {
		return m.Snapshot(), domain.NewValidationError("override_price", "must not be negative")
	}
	products, err := m.gateway.CurrentStock(ctx, m.storeID, []string{productID})
	if err != nil {
		return m.Snapshot(), err
	}
	p, ok := products[productID]
	if !ok || !p.Active {
		return m.Snapshot(), domain.NewValidationError("product_id", "unknown product")
	}
	now := m.cfg.Clock()
	if err := stock.CheckSellable(p, qty, now); err != nil {
		return m.Snapshot(), err
	}
	if saleType == "" {
		saleType = domain.SaleTypeNormal
	}

	line := domain.CartLine{
		ProductID:     p.ID,
		SKU:           p.SKU,
		Name:          p.Name,
		Unit:          p.Unit,
		Quantity:      qty,
		ListPrice:     p.ListPrice,
		CostPrice:     p.CostPrice,
		TaxRate:       p.TaxRate,
		SaleType:      saleType,
		OverridePrice: override,
		StockCeiling:  stock.AvailableStock(p, now),
	}
	if plan, err := stock.SelectDebitPlan(p, qty, now); err == nil && len(plan) > 0 {
		for _, b := range p.Batches {
			if b.ID == plan[0].BatchID {
				line.Batch = &domain.BatchRef{BatchNo: b.BatchNo, ExpiryDate: b.ExpiryDate}
			}
		}
	}
	return m.edit(ctx, func(t Tab) (Tab, error) { return t.withLine(line) })
}

func (m *Machine) UpdateQuantity(ctx context.Context, productID string, qty int) (Tab, error) {
	return m.edit(ctx, func(t Tab) (Tab, error) { return t.withQuantity(productID, qty) })
}

func (m *Machine) RemoveLine(ctx context.Context, productID string) (Tab, error) {
	return m.edit(ctx, func(t Tab) (Tab, error) { return t.withoutLine(productID) })
}

func (m *Machine) SetCustomer(ctx context.Context, customer *domain.CustomerRef) (Tab, error) {
	return m.edit(ctx, func(t Tab) (Tab, error) {
		next := t.clone()
		next.Customer = customer
		if customer == nil {
			next.LoyaltyPoints = 0
		}
		return next, nil
	})
}

func (m *Machine) SetPaymentMethod(ctx context.Context, method domain.PaymentMethod) (Tab, error) {
	return m.edit(ctx, func(t Tab) (Tab, error) { return t.withPaymentMethod(method), nil })
}

func (m *Machine) SetCashReceived(ctx context.Context, amount decimal.Decimal) (Tab, error) {
	if amount.IsNegative() {
		return m.Snapshot(), domain.NewValidationError("cash_received", "must not be negative")
	}
	return m.edit(ctx, func(t Tab) (Tab, error) {
		next := t.clone()
		next.CashReceived = amount
		return next, nil
	})
}

func (m *Machine) SetLoyalty(ctx context.Context, points int) (Tab, error) {
	return m.edit(ctx, func(t Tab) (Tab, error) {
		if points < 0 {
			return t, domain.NewValidationError("loyalty_points", "must not be negative")
		}
		if points > 0 && t.Customer == nil {
			return t, domain.NewValidationError("loyalty_points", "attach a customer before redeeming points")
		}
		next := t.clone()
		next.LoyaltyPoints = points
		return next, nil
	})
}

func (m *Machine) SetVAT(ctx context.Context, vat *domain.VATInfo) (Tab, error) {
	return m.edit(ctx, func(t Tab) (Tab, error) {
		next := t.clone()
		next.VAT = vat
		return next, nil
	})
}

// edit applies fn to the tab. Once the tab has a pending order the edit is
// pushed to the server straight away; when that fails the edit stays in the
// tab and the error is returned.
func (m *Machine) edit(ctx context.Context, fn func(Tab) (Tab, error)) (Tab, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Tab{}, ErrTabClosed
	}
	if m.tab.Paid {
		snapshot := m.tab.clone()
		m.mu.Unlock()
		return snapshot, domain.ErrStaleOrderState
	}
	next, err := fn(m.tab)
	if err != nil {
		snapshot := m.tab.clone()
		m.mu.Unlock()
		return snapshot, err
	}
	resubmit := next.PendingOrderID != ""
	next.Dirty = next.Dirty || resubmit
	m.tab = next
	var stale *poller
	if m.poller != nil && next.ActiveQR == nil {
		stale, m.poller = m.poller, nil
	}
	var seq uint64
	if resubmit {
		m.submitSeq++
		seq = m.submitSeq
	}
	snapshot := next.clone()
	m.mu.Unlock()

	stale.stop()
	if !resubmit {
		return snapshot, nil
	}
	return m.submit(ctx, seq)
}

// Submit sends the cart to the server, creating the order on first call and
// updating the same order afterwards.
func (m *Machine) Submit(ctx context.Context) (Tab, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Tab{}, ErrTabClosed
	}
	m.submitSeq++
	seq := m.submitSeq
	m.mu.Unlock()
	return m.submit(ctx, seq)
}

// submit runs under submitMu. A submit whose seq was overtaken while it
// waited is dropped and the current snapshot returned; the newer submit
// carries the same edits.
func (m *Machine) submit(ctx context.Context, seq uint64) (Tab, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	return m.submitLocked(ctx, seq)
}

func (m *Machine) submitLocked(ctx context.Context, seq uint64) (Tab, error) {
	m.mu.Lock()
	tab := m.tab.clone()
	superseded := seq != m.submitSeq
	m.mu.Unlock()
	if superseded {
		return tab, nil
	}

	if tab.Paid {
		return tab, domain.ErrStaleOrderState
	}
	if len(tab.Lines) == 0 {
		return tab, domain.NewValidationError("lines", "cart is empty")
	}
	if tab.PaymentMethod == domain.PaymentCash {
		if _, err := m.cfg.Pricing.Change(tab.CashReceived, tab.Totals(m.cfg.Pricing, m.cfg.PointValue).GrandTotal); err != nil {
			return tab, err
		}
	}
	if err := m.recheckStock(ctx, tab); err != nil {
		return tab, err
	}

	resp, err := m.gateway.SubmitOrder(ctx, tab.submitRequest())
	if err != nil {
		m.logger.Warn("submit failed", zap.Error(err))
		return tab, err
	}

	m.mu.Lock()
	m.tab = m.tab.withSubmitted(resp, tab.PaymentMethod)
	if seq == m.submitSeq {
		m.tab.Dirty = false
	}
	next := m.tab.clone()
	m.mu.Unlock()

	m.logger.Info("order submitted", zap.String("order_id", resp.OrderID), zap.String("payment_method", string(tab.PaymentMethod)))
	if next.ActiveQR != nil {
		m.startPolling(*next.ActiveQR)
	} else {
		m.StopPolling()
	}
	return next, nil
}

// recheckStock validates the cart against the server stock, not the ceiling
// captured when lines were added.
func (m *Machine) recheckStock(ctx context.Context, tab Tab) error {
	wanted := tab.Quantities()
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	products, err := m.gateway.CurrentStock(ctx, tab.StoreID, ids)
	if err != nil {
		return err
	}
	now := m.cfg.Clock()
	for _, id := range ids {
		p, ok := products[id]
		if !ok {
			return domain.NewValidationError("product_id", "unknown product "+id)
		}
		if err := stock.CheckSellable(p, wanted[id], now); err != nil {
			return err
		}
	}
	return nil
}

// syncLocked pushes edits the pending order is missing before payment is
// taken. The caller holds submitMu.
func (m *Machine) syncLocked(ctx context.Context) (Tab, error) {
	m.mu.Lock()
	if !m.tab.Dirty {
		tab := m.tab.clone()
		m.mu.Unlock()
		return tab, nil
	}
	m.submitSeq++
	seq := m.submitSeq
	m.mu.Unlock()

	tab, err := m.submitLocked(ctx, seq)
	if err == nil && tab.Dirty {
		err = errors.New("cart changed during submit")
	}
	if err != nil {
		return tab, domain.NewValidationError("lines", "cart differs from the submitted order: "+err.Error())
	}
	return tab, nil
}

// ConfirmCash records that the cash was taken. It never prints. Edits the
// server has not accepted are submitted first.
func (m *Machine) ConfirmCash(ctx context.Context) (Tab, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	tab := m.Snapshot()
	switch {
	case tab.Paid:
		return tab, domain.ErrStaleOrderState
	case tab.PendingOrderID == "":
		return tab, domain.NewValidationError("order", "submit the order first")
	}
	tab, err := m.syncLocked(ctx)
	if err != nil {
		return tab, err
	}
	if tab.PaymentMethod != domain.PaymentCash {
		return tab, domain.NewValidationError("payment_method", "order is not a cash payment")
	}

	if _, err := m.gateway.ConfirmCashPayment(ctx, tab.PendingOrderID); err != nil {
		return tab, err
	}
	m.mu.Lock()
	m.tab = m.tab.withPaid()
	next := m.tab.clone()
	m.mu.Unlock()
	m.logger.Info("cash payment confirmed", zap.String("order_id", tab.PendingOrderID))
	return next, nil
}

// StartPolling restarts the payment poller for the active QR.
func (m *Machine) StartPolling() error {
	tab := m.Snapshot()
	if tab.Paid || tab.ActiveQR == nil {
		return domain.NewValidationError("qr", "no active qr code")
	}
	m.startPolling(*tab.ActiveQR)
	return nil
}

func (m *Machine) startPolling(qr domain.QRCode) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{reference: qr.Reference, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	previous := m.poller
	m.poller = p
	m.mu.Unlock()

	previous.stop()
	go m.poll(ctx, p, qr)
}

// StopPolling stops the poller and waits for it to exit.
func (m *Machine) StopPolling() {
	m.mu.Lock()
	p := m.poller
	m.poller = nil
	m.mu.Unlock()
	p.stop()
}

func (p *poller) stop() {
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (m *Machine) poll(ctx context.Context, p *poller, qr domain.QRCode) {
	defer close(p.done)
	defer m.detach(p)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	log := m.logger.With(zap.String("reference", qr.Reference))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !qr.Valid(m.cfg.Clock()) {
			m.expire(qr.Reference)
			log.Info("qr expired")
			return
		}
		status, err := m.gateway.PaymentStatus(ctx, m.storeID, qr.Reference)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("payment status poll failed", zap.Error(err))
			continue
		}
		switch status.Status {
		case domain.PaymentStatusPaid:
			m.markPaid(qr.Reference)
			log.Info("qr payment received")
			return
		case domain.PaymentStatusExpired:
			m.expire(qr.Reference)
			log.Info("qr expired")
			return
		}
	}
}

func (m *Machine) detach(p *poller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.poller == p {
		m.poller = nil
	}
}

func (m *Machine) markPaid(reference string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tab.ActiveQR != nil && m.tab.ActiveQR.Reference == reference {
		m.tab = m.tab.withPaid()
	}
}

func (m *Machine) expire(reference string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tab = m.tab.withoutQR(reference)
}

// CloseQRDialog hides the QR and stops polling. The saved copy lets the
// cashier reopen it while it is still valid.
func (m *Machine) CloseQRDialog() Tab {
	m.mu.Lock()
	next := m.tab.clone()
	next.ActiveQR = nil
	m.tab = next
	p := m.poller
	m.poller = nil
	m.mu.Unlock()
	p.stop()
	return next.clone()
}

func (m *Machine) ReopenQR() (Tab, error) {
	m.mu.Lock()
	tab := m.tab.clone()
	switch {
	case tab.Paid:
		m.mu.Unlock()
		return tab, domain.ErrStaleOrderState
	case tab.SavedQR == nil:
		m.mu.Unlock()
		return tab, domain.NewValidationError("qr", "no qr code to reopen")
	case !tab.SavedQR.Valid(m.cfg.Clock()):
		m.tab = m.tab.withoutQR("")
		tab = m.tab.clone()
		m.mu.Unlock()
		return tab, domain.ErrPaymentWindowExpired
	}
	qr := *tab.SavedQR
	tab.ActiveQR = &qr
	m.tab = tab
	m.mu.Unlock()

	m.startPolling(qr)
	return tab.clone(), nil
}

// CancelQR drops the QR and returns the tab to editing. The pending order
// is kept so the next submit updates it.
func (m *Machine) CancelQR() Tab {
	m.mu.Lock()
	m.tab = m.tab.withoutQR("")
	next := m.tab.clone()
	p := m.poller
	m.poller = nil
	m.mu.Unlock()
	p.stop()
	return next
}

// Print prints the receipt and resets the tab. It needs a PAID tab, or a
// QR tab still in PENDING_PAYMENT: the server confirms and prints that one
// in one call.
func (m *Machine) Print(ctx context.Context) (domain.PrintResponse, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	tab := m.Snapshot()
	if tab.PendingOrderID == "" {
		return domain.PrintResponse{}, domain.NewValidationError("order", "submit the order first")
	}
	if !tab.Paid {
		var err error
		if tab, err = m.syncLocked(ctx); err != nil {
			return domain.PrintResponse{}, err
		}
	}
	switch state := tab.State(m.cfg.Clock()); {
	case state == StatePaid:
	case tab.PaymentMethod == domain.PaymentCash:
		return domain.PrintResponse{}, domain.NewValidationError("payment", "confirm the cash payment before printing")
	case state != StatePendingPayment:
		return domain.PrintResponse{}, domain.NewValidationError("payment", "no qr payment is pending, submit the order again")
	}

	m.StopPolling()
	resp, err := m.gateway.PrintOrder(ctx, tab.PendingOrderID)
	if err != nil {
		if current := m.Snapshot(); current.ActiveQR != nil && !current.Paid {
			m.startPolling(*current.ActiveQR)
		}
		return domain.PrintResponse{}, err
	}
	m.logger.Info("receipt printed", zap.String("order_id", tab.PendingOrderID), zap.Int("print_count", resp.PrintCount))
	m.Reset()
	return resp, nil
}

// Reset clears the tab back to EMPTY. Queued submits for the old cart are
// dropped.
func (m *Machine) Reset() Tab {
	m.mu.Lock()
	m.tab = newTab(m.tab.ID, m.tab.StoreID, m.tab.EmployeeID)
	m.submitSeq++
	p := m.poller
	m.poller = nil
	next := m.tab.clone()
	m.mu.Unlock()
	p.stop()
	return next
}

// Close stops the poller for good. Later edits return ErrTabClosed.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.submitSeq++
	p := m.poller
	m.poller = nil
	m.mu.Unlock()
	p.stop()
}
