package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"retailpos/internal/domain"
)

// CreateVoucher records a draft voucher and posts it straight away when the
// request asks for it.
func (s *Service) CreateVoucher(ctx context.Context, req domain.VoucherCreateRequest) (*domain.InventoryVoucher, error) {
	created, err := s.vouchers.Create(ctx, req, actorName(ctx))
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, created.StoreID, "voucher_create", "voucher", created.ID,
		fmt.Sprintf("code=%s,type=%s,lines=%d", created.Code, created.Type, len(created.Lines)))
	if !req.Post {
		return created, nil
	}
	return s.PostVoucher(ctx, created.ID)
}

// PostVoucher applies the voucher to stock, all lines or none.
func (s *Service) PostVoucher(ctx context.Context, voucherID string) (*domain.InventoryVoucher, error) {
	voucherID = strings.TrimSpace(voucherID)
	posted, err := s.vouchers.Apply(ctx, voucherID)
	if err != nil {
		var partial *domain.PartialVoucherApplyRejectedError
		if errors.As(err, &partial) {
			s.metrics.VoucherPosted(s.voucherKind(ctx, voucherID), "rejected")
			s.countStockRejection(err)
		}
		return nil, err
	}
	s.metrics.VoucherPosted(string(posted.Type), "posted")
	s.logAudit(ctx, posted.StoreID, "voucher_post", "voucher", posted.ID,
		fmt.Sprintf("code=%s,type=%s", posted.Code, posted.Type))
	return posted, nil
}

func (s *Service) voucherKind(ctx context.Context, voucherID string) string {
	v, err := s.repo.GetVoucher(ctx, voucherID)
	if err != nil {
		s.logger.Debug("voucher lookup for metrics failed", zap.String("voucher_id", voucherID), zap.Error(err))
		return "unknown"
	}
	return string(v.Type)
}

func (s *Service) GetVoucher(ctx context.Context, voucherID string) (*domain.InventoryVoucher, error) {
	return s.repo.GetVoucher(ctx, strings.TrimSpace(voucherID))
}

func (s *Service) ListVouchers(ctx context.Context, storeID string, limit int) ([]domain.InventoryVoucher, error) {
	if err := ValidateStoreID(storeID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.repo.ListVouchers(ctx, storeID, limit)
}
