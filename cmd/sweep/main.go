// Command sweep drains leftover balances from settled escrow wallets into an
// operator address and marks the transactions reconciled. Run it out of band,
// per asset, once payouts have confirmed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/chain"
	"github.com/ghaph/auto-middleman/internal/coalesce"
	"github.com/ghaph/auto-middleman/internal/config"
	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/ledger"
	"github.com/ghaph/auto-middleman/internal/pricefeed"
	"github.com/ghaph/auto-middleman/internal/store"
	"github.com/ghaph/auto-middleman/internal/wallet"
)

func main() {
	cryptoFlag := flag.String("crypto", "", "asset to sweep (btc, ltc, eth)")
	toFlag := flag.String("to", "", "destination address (defaults to the configured operator address)")
	dryRun := flag.Bool("dry-run", false, "list sweepable wallets without broadcasting")
	flag.Parse()

	if err := run(*cryptoFlag, *toFlag, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		os.Exit(1)
	}
}

func run(cryptoArg, to string, dryRun bool) error {
	crypto := domain.CryptoType(cryptoArg)
	if !crypto.Valid() {
		return fmt.Errorf("unknown crypto %q", cryptoArg)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if to == "" {
		to = cfg.Crypto(crypto).OperatorAddress
	}
	if !domain.IsValidAddress(to) {
		return fmt.Errorf("no valid destination address; pass -to or configure operator_address")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := store.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	registry := wallet.NewRegistry(cfg.Accounts)
	deriver := wallet.NewDeriver(registry)

	var network chain.Network
	if crypto == domain.ETH {
		network = chain.NewEthereum(cfg.EthEndpoints, cfg.EthChainID, logger)
	} else {
		network = chain.NewUTXONetwork(crypto,
			chain.NewInsightAPI(cfg.ExplorerURL(crypto)),
			cfg.Fee(crypto), to, logger)
	}

	writes := coalesce.NewScheduler(100*time.Millisecond, logger)
	defer writes.Close()

	lg := ledger.New(st, pricefeed.NewStatic(nil), registry, deriver,
		map[domain.CryptoType]chain.Network{crypto: network},
		writes, nil,
		ledger.Config{MinUsd: decimal.NewFromInt(1), Confirmations: cfg.Confirmations},
		logger)
	defer lg.Close()

	settled, err := lg.Settled(ctx, crypto)
	if err != nil {
		return fmt.Errorf("list settled transactions: %w", err)
	}
	logger.Info("sweep candidates", zap.String("crypto", string(crypto)), zap.Int("count", len(settled)))

	fee := cfg.Fee(crypto)
	swept := 0
	for i := range settled {
		txn := &settled[i]

		balance, err := network.ConfirmedBalance(ctx, txn.Wallet.Address, 1)
		if err != nil {
			logger.Warn("balance fetch failed", zap.Int64("txn", txn.ID), zap.Error(err))
			continue
		}
		if balance <= fee {
			// Nothing worth moving; still mark it so the next run skips it.
			if !dryRun {
				if err := lg.MarkPaidOut(ctx, txn); err != nil {
					logger.Warn("mark paid out failed", zap.Int64("txn", txn.ID), zap.Error(err))
				}
			}
			continue
		}

		logger.Info("sweeping wallet",
			zap.Int64("txn", txn.ID),
			zap.String("address", txn.Wallet.Address),
			zap.Int64("balance", balance))
		if dryRun {
			continue
		}

		account, ok := registry.ByID(txn.Wallet.Account)
		if !ok {
			logger.Warn("funding account no longer configured", zap.Int64("txn", txn.ID))
			continue
		}
		kp, err := deriver.Derive(account, crypto, txn.Wallet.Index)
		if err != nil {
			logger.Warn("derive wallet failed", zap.Int64("txn", txn.ID), zap.Error(err))
			continue
		}
		txid, err := network.Send(ctx, kp, to, balance)
		if err != nil {
			logger.Warn("sweep send failed", zap.Int64("txn", txn.ID), zap.Error(err))
			continue
		}
		if err := lg.MarkPaidOut(ctx, txn); err != nil {
			logger.Warn("mark paid out failed", zap.Int64("txn", txn.ID), zap.Error(err))
		}
		logger.Info("wallet swept", zap.Int64("txn", txn.ID), zap.String("txid", txid))
		swept++
	}

	logger.Info("sweep complete", zap.Int("swept", swept))
	return nil
}
