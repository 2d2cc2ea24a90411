package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestUsdToUnits(t *testing.T) {
	cases := []struct {
		name   string
		usd    string
		price  string
		crypto CryptoType
		want   int64
	}{
		{name: "btc_simple", usd: "100", price: "50000", crypto: BTC, want: 200000},
		{name: "btc_rounds", usd: "10", price: "30000", crypto: BTC, want: 33333},
		{name: "ltc_exact", usd: "50", price: "100", crypto: LTC, want: 50000000},
		{name: "eth_scale", usd: "100", price: "2000", crypto: ETH, want: 50000000000000000},
		{name: "usd_clamped_to_cents", usd: "10.999", price: "100", crypto: BTC, want: 11000000},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			usd, err := decimal.NewFromString(tc.usd)
			require.NoError(t, err)
			price, err := decimal.NewFromString(tc.price)
			require.NoError(t, err)

			got, err := UsdToUnits(usd, price, tc.crypto)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestUsdToUnitsRejectsBadPrice(t *testing.T) {
	_, err := UsdToUnits(decimal.NewFromInt(100), decimal.Zero, BTC)
	require.Error(t, err)

	_, err = UsdToUnits(decimal.NewFromInt(100), decimal.NewFromInt(-5), BTC)
	require.Error(t, err)
}

func TestUnitsToCrypto(t *testing.T) {
	require.Equal(t, "0.002", UnitsToCrypto(200000, BTC))
	require.Equal(t, "1", UnitsToCrypto(100000000, LTC))
	require.Equal(t, "0.05", UnitsToCrypto(50000000000000000, ETH))
}

func TestParseUsd(t *testing.T) {
	d, err := ParseUsd("$1,250.50")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.RequireFromString("1250.50")))

	_, err = ParseUsd("not-a-number")
	require.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusPending.CanTransition(StatusPartial))
	require.True(t, StatusPending.CanTransition(StatusOngoing))
	require.True(t, StatusPending.CanTransition(StatusCancelled))
	require.True(t, StatusPartial.CanTransition(StatusOngoing))
	require.True(t, StatusOngoing.CanTransition(StatusCompleted))
	require.True(t, StatusOngoing.CanTransition(StatusRefunded))

	// Partial wallets hold money and must not be silently cancelled.
	require.False(t, StatusPartial.CanTransition(StatusCancelled))

	// Terminal statuses never move again.
	for _, s := range []Status{StatusCompleted, StatusRefunded, StatusCancelled} {
		for _, next := range []Status{StatusPending, StatusPartial, StatusOngoing, StatusCompleted, StatusRefunded, StatusCancelled} {
			require.False(t, s.CanTransition(next), "%s -> %s", s, next)
		}
	}

	// Backwards in the partial order is forbidden.
	require.False(t, StatusOngoing.CanTransition(StatusPending))
}

func TestIsValidAddress(t *testing.T) {
	require.True(t, IsValidAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"))
	require.False(t, IsValidAddress("short"))
	require.False(t, IsValidAddress("has a space in the middle of it all"))
}
