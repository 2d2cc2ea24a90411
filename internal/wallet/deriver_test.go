package wallet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ghaph/auto-middleman/internal/domain"
)

// The canonical BIP39 test vector; fine for tests, never fund it.
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testAccount() Account {
	return Account{Mnemonic: testMnemonic}
}

func TestAccountIDStableAndHidesMnemonic(t *testing.T) {
	r := NewRegistry([]Account{testAccount()})

	id1 := r.AccountID(testAccount())
	id2 := r.AccountID(testAccount())
	require.Equal(t, id1, id2)
	require.Len(t, id1, 32, "hex md5")
	require.NotContains(t, id1, "abandon")

	acc, ok := r.ByID(id1)
	require.True(t, ok)
	require.Equal(t, testMnemonic, acc.Mnemonic)

	_, ok = r.ByID("ffffffffffffffffffffffffffffffff")
	require.False(t, ok)
}

func TestPickSkipsUnusable(t *testing.T) {
	flagged := Account{Mnemonic: testMnemonic, DontUse: true}
	r := NewRegistry([]Account{flagged})
	_, err := r.Pick()
	require.ErrorIs(t, err, ErrNoUsableAccounts)

	r = NewRegistry([]Account{flagged, testAccount()})
	for i := 0; i < 10; i++ {
		acc, err := r.Pick()
		require.NoError(t, err)
		require.False(t, acc.DontUse)
	}
}

func TestDeriveDeterministic(t *testing.T) {
	r := NewRegistry([]Account{testAccount()})
	d := NewDeriver(r)

	kp1, err := d.Derive(testAccount(), domain.BTC, 0)
	require.NoError(t, err)
	kp2, err := d.Derive(testAccount(), domain.BTC, 0)
	require.NoError(t, err)
	require.Equal(t, kp1.Address, kp2.Address)

	// Distinct indices and assets give distinct wallets.
	kp3, err := d.Derive(testAccount(), domain.BTC, 1)
	require.NoError(t, err)
	require.NotEqual(t, kp1.Address, kp3.Address)

	ltc, err := d.Derive(testAccount(), domain.LTC, 0)
	require.NoError(t, err)
	require.NotEqual(t, kp1.Address, ltc.Address)
}

func TestDeriveAddressFormats(t *testing.T) {
	r := NewRegistry([]Account{testAccount()})
	d := NewDeriver(r)

	btc, err := d.Derive(testAccount(), domain.BTC, 3)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(btc.Address, "1"), "mainnet p2pkh: %s", btc.Address)

	ltc, err := d.Derive(testAccount(), domain.LTC, 3)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ltc.Address, "L"), "litecoin p2pkh: %s", ltc.Address)

	eth, err := d.Derive(testAccount(), domain.ETH, 3)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(eth.Address, "0x"))
	require.Len(t, eth.Address, 42)
}
