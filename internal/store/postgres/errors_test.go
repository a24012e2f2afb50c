package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"retailpos/internal/domain"
)

func TestStockErrorMapsCheckViolation(t *testing.T) {
	err := stockError(fmt.Errorf("update: %w", &pgconn.PgError{Code: codeCheckViolation}), "p1", 4, 3)
	var short *domain.InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, 3, short.Available)
	require.Equal(t, 4, short.Requested)

	other := errors.New("connection reset")
	require.Same(t, other, stockError(other, "p1", 1, 0))
	require.NoError(t, stockError(nil, "p1", 1, 0))
}

func TestPgCodeClassification(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: codeUniqueViolation}))
	require.True(t, isSerializationFailure(fmt.Errorf("commit: %w", &pgconn.PgError{Code: codeSerializationFailure})))
	require.False(t, isCheckViolation(errors.New("plain")))
	require.Empty(t, pgCode(nil))
}
