package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/observability"
	"github.com/ghaph/auto-middleman/internal/ticket"
)

// CloserWorker periodically reaps tickets that sat inactive past their
// stage timeout.
type CloserWorker struct {
	engine   *ticket.Engine
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCloserWorker constructs a worker with a default one-minute sweep.
func NewCloserWorker(engine *ticket.Engine) *CloserWorker {
	return &CloserWorker{
		engine:   engine,
		interval: time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the sweep interval.
func (w *CloserWorker) WithInterval(interval time.Duration) *CloserWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and sweeps at the configured interval.
func (w *CloserWorker) Start(ctx context.Context) {
	zap.L().Info("ticket closer starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("ticket closer context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("ticket closer stop signal received")
			return
		case <-ticker.C:
			w.engine.CloseInactive(ctx, time.Now())
			observability.IncrementWorkerRun("closer", "success")
		}
	}
}

// Stop stops the running worker loop.
func (w *CloserWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *CloserWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}
