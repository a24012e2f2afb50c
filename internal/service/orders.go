package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/jobs"
	"retailpos/internal/pricing"
	"retailpos/internal/stock"
	"retailpos/internal/store"
	"retailpos/internal/validation"
	"retailpos/internal/xid"
)

// Settled QR statuses never change again; keep them long enough for every
// terminal still polling to see them.
const settledStatusTTL = 10 * time.Minute

// SubmitOrder prices the cart from the server's product records, checks
// stock and stores the order as pending. Submitting again with the same
// order id updates that order instead of creating another.
func (s *Service) SubmitOrder(ctx context.Context, req domain.OrderSubmitRequest) (domain.OrderSubmitResponse, error) {
	req.StoreID = strings.TrimSpace(req.StoreID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Lines = slices.Clone(req.Lines)
	for i := range req.Lines {
		req.Lines[i].ProductID = strings.TrimSpace(req.Lines[i].ProductID)
	}
	if !req.VATInvoice {
		req.VAT = nil
	}

	problems := &domain.ValidationError{}
	if err := validation.Collect(s.validate.StructCtx(ctx, req), problems); err != nil {
		return domain.OrderSubmitResponse{}, err
	}
	method, err := domain.ParsePaymentMethod(string(req.PaymentMethod))
	if err != nil {
		problems.Add("payment_method", "must be cash or qr")
	}
	if req.VATInvoice && req.VAT == nil {
		problems.Add("vat", "is required for a VAT invoice")
	}
	if req.CashReceived.IsNegative() {
		problems.Add("cash_received", "must not be negative")
	}

	products, err := s.repo.GetProducts(ctx, req.StoreID, lineProductIDs(req.Lines))
	if err != nil {
		return domain.OrderSubmitResponse{}, err
	}
	saleTypes := make([]domain.SaleType, len(req.Lines))
	for i, line := range req.Lines {
		prefix := fmt.Sprintf("lines[%d].", i)
		if st, err := domain.ParseSaleType(string(line.SaleType)); err != nil {
			problems.Add(prefix+"sale_type", "unsupported sale type")
		} else {
			saleTypes[i] = st
		}
		if line.OverridePrice != nil && line.OverridePrice.IsNegative() {
			problems.Add(prefix+"override_price", "must not be negative")
		}
		if p, ok := products[line.ProductID]; line.ProductID != "" && (!ok || !p.Active) {
			problems.Add(prefix+"product_id", "unknown product")
		}
	}
	if err := problems.OrNil(); err != nil {
		return domain.OrderSubmitResponse{}, err
	}

	existing, err := s.pendingOrder(ctx, req.StoreID, req.OrderID)
	if err != nil {
		return domain.OrderSubmitResponse{}, err
	}

	now := s.now()
	wanted := make(map[string]int, len(req.Lines))
	for _, line := range req.Lines {
		wanted[line.ProductID] += line.Quantity
	}
	for _, id := range sortedKeys(wanted) {
		if err := stock.CheckSellable(products[id], wanted[id], now); err != nil {
			s.countStockRejection(err)
			return domain.OrderSubmitResponse{}, err
		}
	}

	cart := make([]domain.CartLine, 0, len(req.Lines))
	lines := make([]domain.OrderLine, 0, len(req.Lines))
	for i, line := range req.Lines {
		p := products[line.ProductID]
		cl := domain.CartLine{
			ProductID:     p.ID,
			SKU:           p.SKU,
			Name:          p.Name,
			Unit:          p.Unit,
			Quantity:      line.Quantity,
			ListPrice:     p.ListPrice,
			CostPrice:     p.CostPrice,
			TaxRate:       p.TaxRate,
			SaleType:      saleTypes[i],
			OverridePrice: line.OverridePrice,
		}
		cart = append(cart, cl)
		lines = append(lines, domain.OrderLine{
			ProductID:     cl.ProductID,
			SKU:           cl.SKU,
			Name:          cl.Name,
			Unit:          cl.Unit,
			Quantity:      cl.Quantity,
			SaleType:      cl.SaleType,
			OverridePrice: cl.OverridePrice,
			ListPrice:     cl.ListPrice,
			CostPrice:     cl.CostPrice,
			TaxRate:       cl.TaxRate,
			UnitPrice:     pricing.ResolveUnitPrice(cl),
			LineSubtotal:  pricing.LineSubtotal(cl),
			LineTax:       pricing.LineTax(cl),
			BatchNo:       strings.TrimSpace(line.BatchNo),
		})
	}

	customer, err := s.resolveCustomer(ctx, req.StoreID, req.Customer)
	if err != nil {
		return domain.OrderSubmitResponse{}, err
	}
	pointsUsed := 0
	if req.UseLoyaltyPoints && req.LoyaltyPoints > 0 {
		switch {
		case customer == nil:
			return domain.OrderSubmitResponse{}, domain.NewValidationError("loyalty_points", "attach a customer to redeem points")
		case req.LoyaltyPoints > customer.LoyaltyPoints:
			return domain.OrderSubmitResponse{}, domain.NewValidationError("loyalty_points", fmt.Sprintf("exceeds the customer balance of %d", customer.LoyaltyPoints))
		}
		pointsUsed = req.LoyaltyPoints
	}

	totals := s.pricing.Totals(cart, s.pricing.LoyaltyDiscount(pointsUsed, s.pointValue))
	cash, change := decimal.Zero, decimal.Zero
	if method == domain.PaymentCash {
		change, err = s.pricing.Change(req.CashReceived, totals.GrandTotal)
		if err != nil {
			return domain.OrderSubmitResponse{}, err
		}
		cash = req.CashReceived
	}

	order := domain.Order{
		ID:                req.OrderID,
		StoreID:           req.StoreID,
		EmployeeID:        req.EmployeeID,
		PaymentMethod:     method,
		Status:            domain.OrderStatusPending,
		Lines:             lines,
		Subtotal:          totals.Subtotal,
		Discount:          totals.Discount,
		TaxTotal:          totals.TaxTotal,
		GrandTotal:        totals.GrandTotal,
		CashReceived:      cash,
		Change:            change,
		LoyaltyPointsUsed: pointsUsed,
		VAT:               req.VAT,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if customer != nil {
		order.CustomerID = customer.ID
		order.CustomerName = customer.Name
		order.CustomerPhone = customer.Phone
		order.EarnedPoints = pricing.EarnedPoints(totals.GrandTotal, s.earnUnit)
	}

	if method == domain.PaymentQR {
		code, err := s.qr.CreateQR(ctx, order)
		if err != nil {
			return domain.OrderSubmitResponse{}, err
		}
		order.PaymentRef = code.Reference
		order.QRPayload = code.Payload
		order.QRImage = code.Image
		order.QRExpiresAt = &code.ExpiresAt
	}

	var saved *domain.Order
	if existing != nil {
		saved, err = s.repo.UpdatePendingOrder(ctx, order)
	} else {
		saved, err = s.repo.CreateOrder(ctx, order)
	}
	if err != nil {
		return domain.OrderSubmitResponse{}, err
	}

	if existing != nil && existing.PaymentRef != "" && existing.PaymentRef != saved.PaymentRef {
		s.cacheStatus(ctx, existing.PaymentRef, domain.PaymentStatusResponse{
			Reference: existing.PaymentRef, OrderID: existing.ID, StoreID: existing.StoreID, Status: domain.PaymentStatusExpired,
		}, settledStatusTTL)
	}
	if saved.PaymentRef != "" && saved.QRExpiresAt != nil {
		s.cacheStatus(ctx, saved.PaymentRef, paymentStatusOf(*saved, now), saved.QRExpiresAt.Sub(now))
		s.scheduleExpiry(ctx, *saved)
	}

	s.metrics.OrderSubmitted(string(method))
	action := "order_create"
	if existing != nil {
		action = "order_update"
	}
	s.logAudit(ctx, saved.StoreID, action, "order", saved.ID, describeTotals(*saved))
	s.logger.Info("order submitted",
		zap.String("order_id", saved.ID),
		zap.String("payment_method", string(method)),
		zap.String("grand_total", saved.GrandTotal.String()),
		zap.Bool("update", existing != nil),
	)
	return toSubmitResponse(*saved), nil
}

// pendingOrder loads the order a submit targets. An id the store has never
// seen is treated as a new order that takes that id.
func (s *Service) pendingOrder(ctx context.Context, storeID string, orderID string) (*domain.Order, error) {
	if orderID == "" {
		return nil, nil
	}
	existing, err := s.repo.GetOrder(ctx, orderID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case existing.StoreID != storeID:
		return nil, store.ErrNotFound
	case existing.Paid():
		return nil, domain.ErrStaleOrderState
	}
	return existing, nil
}

func (s *Service) resolveCustomer(ctx context.Context, storeID string, ref *domain.CustomerRef) (*domain.Customer, error) {
	if ref == nil || strings.TrimSpace(ref.Phone) == "" {
		return nil, nil
	}
	phone := strings.TrimSpace(ref.Phone)
	existing, err := s.repo.FindCustomerByPhone(ctx, storeID, phone)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	now := s.now()
	return s.repo.UpsertCustomer(ctx, domain.Customer{
		ID:        xid.New("cus"),
		StoreID:   storeID,
		Name:      strings.TrimSpace(ref.Name),
		Phone:     phone,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) scheduleExpiry(ctx context.Context, order domain.Order) {
	if s.scheduler == nil {
		return
	}
	err := s.scheduler.ScheduleQRExpiry(ctx, jobs.QRExpirePayload{
		OrderID:   order.ID,
		Reference: order.PaymentRef,
		ExpiresAt: *order.QRExpiresAt,
	})
	if err != nil {
		s.logger.Warn("failed to schedule qr expiry", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
}

// ConfirmCashPayment marks a pending cash order paid. It does not print.
func (s *Service) ConfirmCashPayment(ctx context.Context, orderID string) (domain.OrderSubmitResponse, error) {
	paid, err := s.finalize(ctx, strings.TrimSpace(orderID), func(o domain.Order) error {
		if o.PaymentMethod != domain.PaymentCash {
			return domain.NewValidationError("payment_method", "order is not a cash payment")
		}
		return nil
	})
	if err != nil {
		return domain.OrderSubmitResponse{}, err
	}
	s.logAudit(ctx, paid.StoreID, "order_cash_confirm", "order", paid.ID, describeTotals(*paid))
	return toSubmitResponse(*paid), nil
}

// MarkQRPaid records the bank's confirmation for a QR reference issued by
// storeID. A repeated confirmation of a paid order is answered with the
// paid order.
func (s *Service) MarkQRPaid(ctx context.Context, storeID string, reference string) (domain.OrderSubmitResponse, error) {
	reference = strings.TrimSpace(reference)
	order, err := s.repo.FindOrderByPaymentRef(ctx, reference)
	if err != nil {
		return domain.OrderSubmitResponse{}, err
	}
	if order.StoreID != storeID {
		return domain.OrderSubmitResponse{}, store.ErrNotFound
	}
	if order.Paid() {
		return toSubmitResponse(*order), nil
	}

	now := s.now()
	paid, err := s.finalize(ctx, order.ID, func(o domain.Order) error {
		switch {
		case o.PaymentMethod != domain.PaymentQR:
			return domain.NewValidationError("payment_method", "order is not a qr payment")
		case o.PaymentRef != reference, o.QRExpiresAt == nil, !now.Before(*o.QRExpiresAt):
			return domain.ErrPaymentWindowExpired
		}
		return nil
	})
	if err != nil {
		return domain.OrderSubmitResponse{}, err
	}
	s.logAudit(ctx, paid.StoreID, "order_qr_paid", "order", paid.ID, "reference="+reference)
	return toSubmitResponse(*paid), nil
}

// finalize takes payment for an order in one store transaction: stock is
// debited first-expiring-first, the customer's points are settled and the
// order is marked paid. check runs against the locked order.
func (s *Service) finalize(ctx context.Context, orderID string, check func(domain.Order) error) (*domain.Order, error) {
	now := s.now()
	err := s.repo.WithStockTx(ctx, func(tx store.StockTx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Paid() {
			return domain.ErrStaleOrderState
		}
		if check != nil {
			if err := check(*order); err != nil {
				return err
			}
		}

		wanted := make(map[string]int, len(order.Lines))
		for _, line := range order.Lines {
			wanted[line.ProductID] += line.Quantity
		}
		for _, productID := range sortedKeys(wanted) {
			p, err := tx.LockProduct(ctx, order.StoreID, productID)
			if err != nil {
				return err
			}
			out, err := stock.PlanOutbound(p, wanted[productID], now)
			if err != nil {
				return err
			}
			if err := store.ApplyOutbound(ctx, tx, out); err != nil {
				return err
			}
		}

		if order.CustomerID != "" {
			if delta := order.EarnedPoints - order.LoyaltyPointsUsed; delta != 0 {
				if err := tx.AdjustLoyalty(ctx, order.CustomerID, delta); err != nil {
					return err
				}
			}
		}
		return tx.MarkOrderPaid(ctx, order.ID, order.EarnedPoints, now)
	})
	if err != nil {
		s.logger.Warn("payment finalization rejected", zap.String("order_id", orderID), zap.Error(err))
		s.countStockRejection(err)
		return nil, err
	}

	paid, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if paid.PaymentRef != "" {
		s.cacheStatus(ctx, paid.PaymentRef, paymentStatusOf(*paid, now), settledStatusTTL)
	}
	s.metrics.OrderPaid(string(paid.PaymentMethod))
	s.logger.Info("order paid", zap.String("order_id", paid.ID), zap.String("payment_method", string(paid.PaymentMethod)))
	return paid, nil
}

// PaymentStatus answers terminal polls for references of storeID.
// Concurrent polls for one reference share a single lookup.
func (s *Service) PaymentStatus(ctx context.Context, storeID string, reference string) (domain.PaymentStatusResponse, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.PaymentStatusResponse{}, domain.NewValidationError("reference", "is required")
	}
	v, err, _ := s.statusGroup.Do(reference, func() (any, error) {
		return s.lookupPaymentStatus(ctx, reference)
	})
	if err != nil {
		return domain.PaymentStatusResponse{}, err
	}
	status := v.(domain.PaymentStatusResponse)
	if status.StoreID != storeID {
		return domain.PaymentStatusResponse{}, store.ErrNotFound
	}
	return status, nil
}

func (s *Service) lookupPaymentStatus(ctx context.Context, reference string) (domain.PaymentStatusResponse, error) {
	now := s.now()
	cached, ok, err := s.statusCache.Get(ctx, reference)
	if err != nil {
		s.logger.Warn("payment status cache read failed", zap.String("reference", reference), zap.Error(err))
	}
	if ok && cached != nil {
		status := *cached
		if status.Status == domain.PaymentStatusPending && status.ExpiresAt != nil && !now.Before(*status.ExpiresAt) {
			status.Status = domain.PaymentStatusExpired
		}
		return status, nil
	}

	order, err := s.repo.FindOrderByPaymentRef(ctx, reference)
	if err != nil {
		return domain.PaymentStatusResponse{}, err
	}
	status := paymentStatusOf(*order, now)
	ttl := settledStatusTTL
	if status.Status == domain.PaymentStatusPending {
		ttl = status.ExpiresAt.Sub(now)
	}
	s.cacheStatus(ctx, reference, status, ttl)
	return status, nil
}

func (s *Service) cacheStatus(ctx context.Context, reference string, status domain.PaymentStatusResponse, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := s.statusCache.Set(ctx, reference, &status, ttl); err != nil {
		s.logger.Warn("payment status cache write failed", zap.String("reference", reference), zap.Error(err))
	}
}

func paymentStatusOf(order domain.Order, now time.Time) domain.PaymentStatusResponse {
	status := domain.PaymentStatusResponse{
		Reference: order.PaymentRef,
		OrderID:   order.ID,
		StoreID:   order.StoreID,
		ExpiresAt: order.QRExpiresAt,
	}
	switch {
	case order.Paid():
		status.Status = domain.PaymentStatusPaid
	case order.QRExpiresAt == nil || !now.Before(*order.QRExpiresAt):
		status.Status = domain.PaymentStatusExpired
	default:
		status.Status = domain.PaymentStatusPending
	}
	return status
}

// ExpireQR clears the QR of an order once its window has passed. A paid
// order, or one that has since been issued a different QR, is left alone.
func (s *Service) ExpireQR(ctx context.Context, orderID string, reference string) error {
	order, err := s.repo.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if order.Paid() || order.PaymentRef != reference || order.QRExpiresAt == nil {
		return nil
	}
	if now := s.now(); now.Before(*order.QRExpiresAt) {
		return fmt.Errorf("qr %s for order %s is valid until %s", reference, orderID, order.QRExpiresAt.Format(time.RFC3339))
	}

	if _, err := s.repo.ClearOrderQR(ctx, order.ID, reference); err != nil {
		if errors.Is(err, store.ErrQRSuperseded) {
			s.logger.Info("qr settled before expiry", zap.String("order_id", order.ID), zap.String("reference", reference))
			return nil
		}
		return err
	}
	s.cacheStatus(ctx, reference, domain.PaymentStatusResponse{
		Reference: reference, OrderID: order.ID, StoreID: order.StoreID, Status: domain.PaymentStatusExpired,
	}, settledStatusTTL)
	s.logAudit(ctx, order.StoreID, "order_qr_expire", "order", order.ID, "reference="+reference)
	s.logger.Info("qr expired", zap.String("order_id", order.ID), zap.String("reference", reference))
	return nil
}

// PrintOrder bumps the print count and renders the receipt. A cash order
// must be confirmed first; an unpaid QR order is confirmed as part of the
// print.
func (s *Service) PrintOrder(ctx context.Context, orderID string) (domain.PrintResponse, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.PrintResponse{}, err
	}
	if !order.Paid() {
		if order.PaymentMethod == domain.PaymentCash {
			return domain.PrintResponse{}, domain.NewValidationError("payment", "confirm the cash payment before printing")
		}
		if order, err = s.finalize(ctx, order.ID, nil); err != nil {
			return domain.PrintResponse{}, err
		}
		s.logAudit(ctx, order.StoreID, "order_qr_manual_confirm", "order", order.ID, "reference="+order.PaymentRef)
	}

	printed, err := s.repo.IncrementPrintCount(ctx, order.ID)
	if err != nil {
		return domain.PrintResponse{}, err
	}
	s.logAudit(ctx, printed.StoreID, "order_print", "order", printed.ID, fmt.Sprintf("print_count=%d", printed.PrintCount))
	return buildReceipt(*printed), nil
}

func toSubmitResponse(o domain.Order) domain.OrderSubmitResponse {
	resp := domain.OrderSubmitResponse{
		OrderID:       o.ID,
		CreatedAt:     o.CreatedAt,
		PrintCount:    o.PrintCount,
		EarnedPoints:  o.EarnedPoints,
		Subtotal:      o.Subtotal,
		Discount:      o.Discount,
		TaxTotal:      o.TaxTotal,
		GrandTotal:    o.GrandTotal,
		Change:        o.Change,
		PaymentMethod: o.PaymentMethod,
		Status:        o.Status,
	}
	if o.PaymentRef != "" && o.QRExpiresAt != nil && !o.Paid() {
		resp.QR = &domain.QRCode{
			Reference: o.PaymentRef,
			Payload:   o.QRPayload,
			Image:     o.QRImage,
			ExpiresAt: *o.QRExpiresAt,
		}
	}
	return resp
}

func lineProductIDs(lines []domain.OrderSubmitLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.ProductID != "" {
			ids = append(ids, line.ProductID)
		}
	}
	return ids
}
