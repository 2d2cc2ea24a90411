package wallet

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"

	bip39 "github.com/tyler-smith/go-bip39"
)

// ErrNoUsableAccounts is returned when every funding account is flagged off.
var ErrNoUsableAccounts = errors.New("no usable funding accounts")

// Account is one entry of the funding seed pool.
type Account struct {
	Mnemonic string `mapstructure:"mnemonic"`
	DontUse  bool   `mapstructure:"dont_use"`
}

// Registry resolves funding accounts to stable identity hashes. Mnemonics
// never leave process memory; persisted documents reference accounts only by
// the hash of their derived seed.
type Registry struct {
	accounts []Account

	mu    sync.Mutex
	ids   map[string]string
	seeds map[string][]byte
}

// NewRegistry wraps the configured seed pool.
func NewRegistry(accounts []Account) *Registry {
	return &Registry{
		accounts: accounts,
		ids:      make(map[string]string),
		seeds:    make(map[string][]byte),
	}
}

// Seed returns the BIP39 seed for the account, computed once.
func (r *Registry) Seed(acc Account) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seed, ok := r.seeds[acc.Mnemonic]; ok {
		return seed
	}
	seed := bip39.NewSeed(acc.Mnemonic, "")
	r.seeds[acc.Mnemonic] = seed
	return seed
}

// AccountID returns the identity hash for the account: the hex md5 of its
// seed, so the mnemonic itself is never stored.
func (r *Registry) AccountID(acc Account) string {
	seed := r.Seed(acc)

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[acc.Mnemonic]; ok {
		return id
	}
	sum := md5.Sum(seed)
	id := hex.EncodeToString(sum[:])
	r.ids[acc.Mnemonic] = id
	return id
}

// Usable returns the accounts not flagged dont_use.
func (r *Registry) Usable() []Account {
	usable := make([]Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		if !acc.DontUse {
			usable = append(usable, acc)
		}
	}
	return usable
}

// Pick selects a funding account uniformly at random among the usable ones.
func (r *Registry) Pick() (Account, error) {
	usable := r.Usable()
	if len(usable) == 0 {
		return Account{}, ErrNoUsableAccounts
	}
	return usable[rand.Intn(len(usable))], nil
}

// ByID resolves an identity hash back to its account. Used when rebuilding a
// transaction's wallet from storage.
func (r *Registry) ByID(id string) (Account, bool) {
	for _, acc := range r.accounts {
		if r.AccountID(acc) == id {
			return acc, true
		}
	}
	return Account{}, false
}
