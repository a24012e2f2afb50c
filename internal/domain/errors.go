package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes returned to clients alongside the message.
const (
	CodeValidation          = "validation_error"
	CodeInsufficientStock   = "insufficient_stock"
	CodeExpiredBatchOnly    = "expired_batch_only"
	CodeStaleOrderState     = "stale_order_state"
	CodePaymentWindowExpire = "payment_window_expired"
	CodePartialVoucherApply = "partial_voucher_apply_rejected"
	CodeVoucherPosted       = "voucher_already_posted"
)

var (
	ErrStaleOrderState      = errors.New("order is already paid and can no longer change")
	ErrPaymentWindowExpired = errors.New("qr payment window expired")
	ErrVoucherAlreadyPosted = errors.New("voucher already posted")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every field problem found in one pass.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func NewValidationError(field string, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Add(field string, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field failed, so callers can `return v.OrNil()`.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// ExpiredBatchOnlyError means the product has stock on record but every unit
// sits in an expired batch.
type ExpiredBatchOnlyError struct {
	ProductID string
	Expired   int
}

func (e *ExpiredBatchOnlyError) Error() string {
	return fmt.Sprintf("product %s only has expired stock (%d units)", e.ProductID, e.Expired)
}

type PartialVoucherApplyRejectedError struct {
	VoucherID string
	Cause     error
}

func (e *PartialVoucherApplyRejectedError) Error() string {
	return fmt.Sprintf("voucher %s rejected, no stock was changed: %v", e.VoucherID, e.Cause)
}

func (e *PartialVoucherApplyRejectedError) Unwrap() error {
	return e.Cause
}

// ErrorCode maps an error to its client-facing code, or "" for errors
// outside the taxonomy.
func ErrorCode(err error) string {
	var (
		validation *ValidationError
		stock      *InsufficientStockError
		expired    *ExpiredBatchOnlyError
		partial    *PartialVoucherApplyRejectedError
	)
	switch {
	case errors.As(err, &partial):
		return CodePartialVoucherApply
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &stock):
		return CodeInsufficientStock
	case errors.As(err, &expired):
		return CodeExpiredBatchOnly
	case errors.Is(err, ErrStaleOrderState):
		return CodeStaleOrderState
	case errors.Is(err, ErrPaymentWindowExpired):
		return CodePaymentWindowExpire
	case errors.Is(err, ErrVoucherAlreadyPosted):
		return CodeVoucherPosted
	default:
		return ""
	}
}
