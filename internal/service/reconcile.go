package service

import (
	"context"
	"fmt"
	"strings"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

// Reconcile compares an order of storeID with an external document.
// Structured fields are used as given; raw text goes through the extractor
// first.
func (s *Service) Reconcile(ctx context.Context, storeID string, req domain.ReconcileRequest) (domain.ReconcileReport, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		return domain.ReconcileReport{}, domain.NewValidationError("order_id", "is required")
	}
	order, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	if order.StoreID != storeID {
		return domain.ReconcileReport{}, store.ErrNotFound
	}

	var extracted domain.ExtractedInvoice
	switch {
	case req.Extracted != nil:
		extracted = *req.Extracted
	case strings.TrimSpace(req.RawText) == "":
		return domain.ReconcileReport{}, domain.NewValidationError("extracted", "provide extracted fields or raw_text")
	case s.extractor == nil:
		return domain.ReconcileReport{}, domain.NewValidationError("raw_text", "document extraction is not configured")
	default:
		if extracted, err = s.extractor.Extract(ctx, req.RawText); err != nil {
			return domain.ReconcileReport{}, fmt.Errorf("extract document: %w", err)
		}
	}

	report := s.reconciler.Compare(*order, extracted)
	s.logAudit(ctx, order.StoreID, "order_reconcile", "order", order.ID,
		fmt.Sprintf("status=%s,mismatched=%d", report.Status, report.Mismatched))
	return report, nil
}
