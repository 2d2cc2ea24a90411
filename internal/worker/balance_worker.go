// Package worker runs the periodic background loops: the balance monitor
// driving transaction funding and the auto closer reaping inactive tickets.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/ledger"
	"github.com/ghaph/auto-middleman/internal/observability"
)

// BalanceWorker polls the escrow wallets of transactions waiting for funds.
type BalanceWorker struct {
	ledger   *ledger.Ledger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBalanceWorker constructs a worker with the default poll interval.
func NewBalanceWorker(lg *ledger.Ledger) *BalanceWorker {
	return &BalanceWorker{
		ledger:   lg,
		interval: 7500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the poll interval.
func (w *BalanceWorker) WithInterval(interval time.Duration) *BalanceWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and polls at the configured interval.
func (w *BalanceWorker) Start(ctx context.Context) {
	zap.L().Info("balance worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("balance worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("balance worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *BalanceWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *BalanceWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *BalanceWorker) runOnce(ctx context.Context) {
	waiting, err := w.ledger.Waiting(ctx)
	if err != nil {
		observability.IncrementWorkerRun("balance", "failed")
		zap.L().Error("balance poll failed", zap.Error(err))
		return
	}
	observability.SetWaitingTransactions(len(waiting))
	for _, txn := range waiting {
		w.ledger.CheckUpdates(ctx, txn)
	}
	observability.IncrementWorkerRun("balance", "success")
}
