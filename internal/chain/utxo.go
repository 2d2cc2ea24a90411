package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/wallet"
)

// InsightAPI talks to an insight-style REST explorer:
//
//	GET  {base}/addr/{address}/utxo
//	POST {base}/tx/send  {"rawtx": "<hex>"}
type InsightAPI struct {
	base   string
	client *http.Client
}

// NewInsightAPI creates a client for the given explorer base URL.
func NewInsightAPI(base string) *InsightAPI {
	return &InsightAPI{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *InsightAPI) ListUnspent(ctx context.Context, address string, minConf int) ([]UTXO, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/addr/"+address+"/utxo", nil)
	if err != nil {
		return nil, fmt.Errorf("build utxo request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch utxos: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch utxos: unexpected status %d", resp.StatusCode)
	}

	var all []UTXO
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("decode utxos: %w", err)
	}

	filtered := make([]UTXO, 0, len(all))
	for _, u := range all {
		if minConf == 0 || u.Confirmations >= int64(minConf) {
			filtered = append(filtered, u)
		}
	}
	return filtered, nil
}

func (a *InsightAPI) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	body, err := json.Marshal(map[string]string{"rawtx": rawTxHex})
	if err != nil {
		return "", fmt.Errorf("encode broadcast body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/tx/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broadcast: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		TxID string `json:"txid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode broadcast response: %w", err)
	}
	if result.TxID == "" {
		return "", fmt.Errorf("broadcast: explorer returned no txid")
	}
	return result.TxID, nil
}

// UTXONetwork implements Network for btc/ltc on top of a UTXOAPI. The fee is
// a fixed per-asset constant subtracted from the payout; change returns to
// the escrow wallet unless an operator change address is configured.
type UTXONetwork struct {
	crypto        domain.CryptoType
	api           UTXOAPI
	fee           int64
	changeAddress string
	logger        *zap.Logger
}

// NewUTXONetwork wires a UTXO asset network.
func NewUTXONetwork(crypto domain.CryptoType, api UTXOAPI, fee int64, changeAddress string, logger *zap.Logger) *UTXONetwork {
	return &UTXONetwork{
		crypto:        crypto,
		api:           api,
		fee:           fee,
		changeAddress: changeAddress,
		logger:        logger,
	}
}

func (n *UTXONetwork) ConfirmedBalance(ctx context.Context, address string, minConf int) (int64, error) {
	utxos, err := n.api.ListUnspent(ctx, address, minConf)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range utxos {
		total += u.Amount
	}
	return total, nil
}

func (n *UTXONetwork) Send(ctx context.Context, kp *wallet.Keypair, to string, amount int64) (string, error) {
	utxos, err := n.api.ListUnspent(ctx, kp.Address, 0)
	if err != nil {
		return "", fmt.Errorf("list unspent: %w", err)
	}

	change := n.changeAddress
	if change == "" {
		change = kp.Address
	}

	rawTx, err := buildSignedTx(wallet.ChainParams(n.crypto), kp, to, change, amount, n.fee, utxos)
	if err != nil {
		return "", err
	}

	txid, err := n.api.Broadcast(ctx, rawTx)
	if err != nil {
		return "", err
	}
	n.logger.Info("broadcast payout",
		zap.String("crypto", string(n.crypto)),
		zap.String("txid", txid),
		zap.Int64("amount", amount))
	return txid, nil
}

var _ Network = (*UTXONetwork)(nil)
