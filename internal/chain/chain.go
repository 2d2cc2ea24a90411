// Package chain holds the outbound blockchain capabilities the ledger
// consumes: confirmed-balance lookups and payout dispatch, one Network per
// asset. Implementations wrap public REST explorers for the UTXO assets and
// JSON-RPC nodes for Ethereum.
package chain

import (
	"context"
	"errors"

	"github.com/ghaph/auto-middleman/internal/wallet"
)

// ErrInsufficientFunds is returned when the wallet cannot cover a payout.
var ErrInsufficientFunds = errors.New("insufficient balance to broadcast transaction")

// ErrFeeExceedsValue is returned when subtracting the network fee from the
// payout would leave nothing to send.
var ErrFeeExceedsValue = errors.New("fee exceeds payout value")

// UTXO is one unspent output of a watched address, amounts in sats.
type UTXO struct {
	TxID          string `json:"txid"`
	VOut          uint32 `json:"vout"`
	Amount        int64  `json:"satoshis"`
	Confirmations int64  `json:"confirmations"`
}

// Network is the per-asset blockchain capability consumed by the ledger.
// Amounts are in the asset's smallest unit.
type Network interface {
	// ConfirmedBalance returns the spendable balance of address counting
	// only outputs with at least minConf confirmations.
	ConfirmedBalance(ctx context.Context, address string, minConf int) (int64, error)
	// Send pays amount from the derived wallet to the given address,
	// subtracting the network fee from the payout, and returns the
	// broadcast transaction id.
	Send(ctx context.Context, kp *wallet.Keypair, to string, amount int64) (string, error)
}

// UTXOAPI is the explorer surface backing a UTXO Network.
type UTXOAPI interface {
	ListUnspent(ctx context.Context, address string, minConf int) ([]UTXO, error)
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}
