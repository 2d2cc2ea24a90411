package chain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/ghaph/auto-middleman/internal/wallet"
)

// buildSignedTx assembles and signs a P2PKH payout. The fee comes out of the
// payout itself, so the wallet balance must cover amount (payout + fee), not
// amount + fee. Inputs are consumed largest-first until amount is covered;
// change goes to changeAddr.
func buildSignedTx(params *chaincfg.Params, kp *wallet.Keypair, toAddr, changeAddr string, amount, fee int64, utxos []UTXO) (string, error) {
	if fee < 0 {
		return "", fmt.Errorf("invalid fee %d", fee)
	}
	payout := amount - fee
	if payout <= 0 {
		return "", ErrFeeExceedsValue
	}

	sorted := make([]UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var (
		selected []UTXO
		total    int64
	)
	for _, u := range sorted {
		if total >= amount {
			break
		}
		selected = append(selected, u)
		total += u.Amount
	}
	if total < amount {
		return "", ErrInsufficientFunds
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", fmt.Errorf("parse utxo txid %s: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.VOut), nil, nil))
	}

	toScript, err := payToAddrScript(toAddr, params)
	if err != nil {
		return "", err
	}
	tx.AddTxOut(wire.NewTxOut(payout, toScript))

	if change := total - amount; change > 0 {
		changeScript, err := payToAddrScript(changeAddr, params)
		if err != nil {
			return "", err
		}
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	// Every input spends from the derived wallet, so the same prev script
	// signs each one.
	fromScript, err := payToAddrScript(kp.Address, params)
	if err != nil {
		return "", err
	}
	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(tx, i, fromScript, txscript.SigHashAll, kp.PrivKey, true)
		if err != nil {
			return "", fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func payToAddrScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", address, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("build output script: %w", err)
	}
	return script, nil
}
