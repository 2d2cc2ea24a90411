package ledger

import (
	"time"

	"github.com/ghaph/auto-middleman/internal/domain"
)

// Wallet is the derivation coordinate of a transaction's escrow address.
// Account and Index identify the keypair; Address is cached once derived;
// Txid is set exactly once, when a payout broadcast succeeds.
type Wallet struct {
	Account string `json:"account"`
	Index   uint32 `json:"index"`
	Address string `json:"address,omitempty"`
	Txid    string `json:"txid,omitempty"`
}

// Transaction is one escrow funding request. Mutated only by the Ledger;
// persisted as a document after every mutation, with bursts coalesced into a
// single write.
type Transaction struct {
	ID            int64             `json:"id"`
	Status        domain.Status     `json:"status"`
	StatusUpdated int64             `json:"statusUpdated"`
	Created       int64             `json:"date"`
	Amount        int64             `json:"amount"`
	AmountUsd     string            `json:"amountUsd"`
	Crypto        domain.CryptoType `json:"crypto"`
	Origin        domain.Origin     `json:"origin"`
	Parties       domain.Parties    `json:"users"`
	Wallet        Wallet            `json:"wallet"`
	PaidOut       bool              `json:"paidOut"`
}

// Age returns the time elapsed since the transaction was created.
func (t *Transaction) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(t.Created))
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
