package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Empty(t, cfg.AuthSecret)
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "QR_TTL", "CURRENCY_PLACES", "LOYALTY_POINT_VALUE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Address())
	require.Equal(t, 5*time.Minute, cfg.QRTTL)
	require.Equal(t, int32(0), cfg.CurrencyPlaces)
	require.Equal(t, "100", cfg.PointValue().String())
}

func TestLoadRejectsBadLoyaltyRate(t *testing.T) {
	t.Setenv("LOYALTY_POINT_VALUE", "ten")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadReadsDurations(t *testing.T) {
	t.Setenv("QR_TTL", "90s")
	t.Setenv("QR_POLL_INTERVAL", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.QRTTL)
	require.Equal(t, 500*time.Millisecond, cfg.QRPollInterval)
}
