package stock

import (
	"slices"
	"strings"
	"time"

	"retailpos/internal/domain"
)

// Debit takes Quantity units out of one batch.
type Debit struct {
	BatchID  string `json:"batch_id"`
	BatchNo  string `json:"batch_no"`
	Quantity int    `json:"quantity"`
}

// Outbound is the full removal of stock for one product: batch debits for a
// batch-tracked product, or a flat counter debit for one that has none.
type Outbound struct {
	ProductID string
	Debits    []Debit
	Flat      int
}

// AvailableStock returns the sellable quantity of p at now. A product with
// no batches falls back to its flat counter.
func AvailableStock(p domain.Product, now time.Time) int {
	if len(p.Batches) == 0 {
		return p.FlatStock
	}
	total := 0
	for _, b := range p.Batches {
		if b.Expired(now) {
			continue
		}
		total += b.Quantity
	}
	return total
}

func Assess(p domain.Product, now time.Time) domain.Availability {
	result := domain.Availability{
		ProductID: p.ID,
		Sellable:  AvailableStock(p, now),
		FlatStock: p.FlatStock,
	}
	for _, b := range p.Batches {
		if b.Expired(now) {
			result.Expired += b.Quantity
		}
	}
	result.ExpiredOnly = result.Sellable == 0 && result.Expired > 0
	return result
}

// CheckSellable reports whether qty units of p can be sold at now.
func CheckSellable(p domain.Product, qty int, now time.Time) error {
	if qty < 1 {
		return domain.NewValidationError("quantity", "must be at least 1")
	}
	a := Assess(p, now)
	if qty <= a.Sellable {
		return nil
	}
	if a.ExpiredOnly {
		return &domain.ExpiredBatchOnlyError{ProductID: p.ID, Expired: a.Expired}
	}
	return &domain.InsufficientStockError{ProductID: p.ID, Requested: qty, Available: a.Sellable}
}

// SelectDebitPlan picks batches first-expiring-first until qty is covered.
// Batches without expiry go last. Either the whole quantity is planned or
// InsufficientStockError is returned.
func SelectDebitPlan(p domain.Product, qty int, now time.Time) ([]Debit, error) {
	if qty < 1 {
		return nil, domain.NewValidationError("quantity", "must be at least 1")
	}

	eligible := make([]domain.Batch, 0, len(p.Batches))
	available := 0
	for _, b := range p.Batches {
		if b.Quantity < 1 || b.Expired(now) {
			continue
		}
		eligible = append(eligible, b)
		available += b.Quantity
	}
	if available < qty {
		return nil, &domain.InsufficientStockError{ProductID: p.ID, Requested: qty, Available: available}
	}
	slices.SortFunc(eligible, CompareFEFO)

	plan := make([]Debit, 0, len(eligible))
	remaining := qty
	for _, b := range eligible {
		if remaining == 0 {
			break
		}
		take := min(remaining, b.Quantity)
		plan = append(plan, Debit{BatchID: b.ID, BatchNo: b.BatchNo, Quantity: take})
		remaining -= take
	}
	return plan, nil
}

// PlanOutbound plans the removal of qty units of p, debiting batches when
// the product tracks them and the flat counter otherwise.
func PlanOutbound(p domain.Product, qty int, now time.Time) (Outbound, error) {
	if len(p.Batches) == 0 {
		if qty < 1 {
			return Outbound{}, domain.NewValidationError("quantity", "must be at least 1")
		}
		if p.FlatStock < qty {
			return Outbound{}, &domain.InsufficientStockError{ProductID: p.ID, Requested: qty, Available: p.FlatStock}
		}
		return Outbound{ProductID: p.ID, Flat: qty}, nil
	}
	debits, err := SelectDebitPlan(p, qty, now)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{ProductID: p.ID, Debits: debits}, nil
}

// CompareFEFO orders batches by expiry ascending with undated batches last,
// then by receipt time and id so the plan is deterministic.
func CompareFEFO(a domain.Batch, b domain.Batch) int {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return 1
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return -1
	case a.ExpiryDate != nil && b.ExpiryDate != nil:
		if c := a.ExpiryDate.Compare(*b.ExpiryDate); c != 0 {
			return c
		}
	}
	if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
