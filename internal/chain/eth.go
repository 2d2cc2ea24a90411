package chain

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/wallet"
)

const ethTransferGasLimit = 21000

// Ethereum implements Network for the account-based asset. Endpoints are
// tried in order; the last entry is expected to be the shared fallback.
type Ethereum struct {
	endpoints []string
	chainID   *big.Int
	logger    *zap.Logger
}

// NewEthereum wires the eth network against the given RPC endpoint list.
func NewEthereum(endpoints []string, chainID int64, logger *zap.Logger) *Ethereum {
	if chainID <= 0 {
		chainID = 1
	}
	return &Ethereum{
		endpoints: endpoints,
		chainID:   big.NewInt(chainID),
		logger:    logger,
	}
}

// withClient runs fn against the first endpoint that answers.
func (e *Ethereum) withClient(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for _, endpoint := range e.endpoints {
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			lastErr = err
			e.logger.Warn("eth endpoint unreachable", zap.String("endpoint", endpoint), zap.Error(err))
			continue
		}
		err = fn(client)
		client.Close()
		if err == nil {
			return nil
		}
		lastErr = err
		e.logger.Warn("eth endpoint call failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no eth endpoints configured")
	}
	return lastErr
}

func (e *Ethereum) ConfirmedBalance(ctx context.Context, address string, minConf int) (int64, error) {
	var balance *big.Int
	err := e.withClient(ctx, func(client *ethclient.Client) error {
		var atBlock *big.Int
		if minConf > 0 {
			head, err := client.BlockNumber(ctx)
			if err != nil {
				return fmt.Errorf("fetch head block: %w", err)
			}
			at := int64(head) - int64(minConf) + 1
			if at < 0 {
				at = 0
			}
			atBlock = big.NewInt(at)
		}
		b, err := client.BalanceAt(ctx, common.HexToAddress(address), atBlock)
		if err != nil {
			return fmt.Errorf("fetch balance: %w", err)
		}
		balance = b
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Escrow deals sit far below the int64 wei ceiling (~9.2 ETH); clamp
	// rather than overflow if a wallet somehow holds more.
	if !balance.IsInt64() {
		return math.MaxInt64, nil
	}
	return balance.Int64(), nil
}

func (e *Ethereum) Send(ctx context.Context, kp *wallet.Keypair, to string, amount int64) (string, error) {
	value := big.NewInt(amount)
	from := common.HexToAddress(kp.Address)
	toAddr := common.HexToAddress(to)

	var txHash string
	err := e.withClient(ctx, func(client *ethclient.Client) error {
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("fetch gas price: %w", err)
		}

		fee := new(big.Int).Mul(gasPrice, big.NewInt(ethTransferGasLimit))
		if fee.Sign() <= 0 {
			return fmt.Errorf("invalid fee %s", fee)
		}
		if fee.Cmp(value) > 0 {
			return ErrFeeExceedsValue
		}
		sending := new(big.Int).Sub(value, fee)

		nonce, err := client.PendingNonceAt(ctx, from)
		if err != nil {
			return fmt.Errorf("fetch nonce: %w", err)
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &toAddr,
			Value:    sending,
			Gas:      ethTransferGasLimit,
			GasPrice: gasPrice,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), kp.PrivKey.ToECDSA())
		if err != nil {
			return fmt.Errorf("sign transaction: %w", err)
		}
		if err := client.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("broadcast transaction: %w", err)
		}
		txHash = signed.Hash().Hex()
		return nil
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("broadcast payout", zap.String("crypto", "eth"), zap.String("txid", txHash), zap.Int64("amount", amount))
	return txHash, nil
}

var _ Network = (*Ethereum)(nil)
