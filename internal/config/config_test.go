package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ghaph/auto-middleman/internal/domain"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestFeeDefaults(t *testing.T) {
	cfg := &Config{}

	require.Equal(t, int64(7_500), cfg.Fee(domain.BTC))
	require.Equal(t, int64(10_000), cfg.Fee(domain.LTC))
	require.Zero(t, cfg.Fee(domain.ETH), "eth fees are priced from the node")

	cfg.Cryptos = map[domain.CryptoType]CryptoConfig{
		domain.BTC: {Fee: 9_000},
	}
	require.Equal(t, int64(9_000), cfg.Fee(domain.BTC))
	require.Equal(t, int64(10_000), cfg.Fee(domain.LTC))
}

func TestExplorerURLDefaults(t *testing.T) {
	cfg := &Config{}

	require.Equal(t, "https://insight.bitpay.com/api", cfg.ExplorerURL(domain.BTC))
	require.Equal(t, "https://insight.litecore.io/api", cfg.ExplorerURL(domain.LTC))
	require.Empty(t, cfg.ExplorerURL(domain.ETH))

	cfg.Cryptos = map[domain.CryptoType]CryptoConfig{
		domain.LTC: {ExplorerURL: "https://explorer.example/api"},
	}
	require.Equal(t, "https://explorer.example/api", cfg.ExplorerURL(domain.LTC))
}

func TestLoadReadsEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
accounts:
  - mnemonic: "`+testMnemonic+`"
cryptos:
  btc:
    fee: 9000
    min_usd: "10"
  ltc:
    disabled: true
`), 0o600))

	t.Setenv("MIDDLEMAN_CONFIG", file)
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("STORE", "memory")
	t.Setenv("PENDING_TIMEOUT", "12h")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "memory", cfg.StoreKind)
	require.Equal(t, 12*time.Hour, cfg.PendingTimeout)
	require.True(t, cfg.MinUsd.Equal(decimal.NewFromInt(3)))
	require.Equal(t, 7500*time.Millisecond, cfg.BalanceInterval)

	require.Len(t, cfg.Accounts, 1)
	require.Equal(t, testMnemonic, cfg.Accounts[0].Mnemonic)
	require.False(t, cfg.Accounts[0].DontUse)

	require.Equal(t, int64(9_000), cfg.Fee(domain.BTC))
	require.Equal(t, int64(10_000), cfg.Fee(domain.LTC))
	require.Equal(t, "10", cfg.Crypto(domain.BTC).MinUsd)
	require.True(t, cfg.Crypto(domain.LTC).Disabled)
}

func TestLoadRejectsMissingSecretAndAccounts(t *testing.T) {
	t.Setenv("MIDDLEMAN_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE", "memory")

	_, err := Load()
	require.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	_, err = Load()
	require.ErrorContains(t, err, "funding account")
}
