package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCodeUnwrapsWrappedErrors(t *testing.T) {
	stock := &InsufficientStockError{ProductID: "p1", Requested: 5, Available: 2}
	partial := &PartialVoucherApplyRejectedError{VoucherID: "v1", Cause: stock}

	require.Equal(t, CodeInsufficientStock, ErrorCode(fmt.Errorf("apply: %w", stock)))
	require.Equal(t, CodePartialVoucherApply, ErrorCode(partial))
	require.Equal(t, CodeStaleOrderState, ErrorCode(fmt.Errorf("edit: %w", ErrStaleOrderState)))
	require.Equal(t, CodePaymentWindowExpire, ErrorCode(ErrPaymentWindowExpired))
	require.Equal(t, "", ErrorCode(fmt.Errorf("boom")))
}

func TestValidationErrorOrNil(t *testing.T) {
	var v ValidationError
	require.NoError(t, v.OrNil())

	v.Add("reason", "required")
	v.Add("lines", "at least one line")
	err := v.OrNil()
	require.Error(t, err)
	require.True(t, v.Has("reason"))
	require.Contains(t, err.Error(), "lines: at least one line")
}

func TestParseSaleType(t *testing.T) {
	st, err := ParseSaleType("at_cost")
	require.NoError(t, err)
	require.Equal(t, SaleTypeAtCost, st)

	st, err = ParseSaleType("")
	require.NoError(t, err)
	require.Equal(t, SaleTypeNormal, st)

	_, err = ParseSaleType("WHOLESALE")
	require.Equal(t, CodeValidation, ErrorCode(err))
}
