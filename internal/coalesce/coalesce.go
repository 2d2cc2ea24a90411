// Package coalesce provides a write-coalescing scheduler. Entities that
// mutate in bursts (a transaction going pending→partial→ongoing within one
// poll, a ticket absorbing a flurry of votes) schedule a persist through it;
// repeated schedules for the same key within the flush interval collapse
// into a single write of the latest state.
package coalesce

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WriteFunc persists the current state of one entity. It is invoked outside
// the scheduler lock and must capture the entity by reference so the latest
// state wins.
type WriteFunc func(ctx context.Context)

// Scheduler debounces writes per key with a minimum flush interval.
type Scheduler struct {
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]WriteFunc
	timers  map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler with the given minimum flush interval.
func NewScheduler(interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		interval: interval,
		logger:   logger,
		pending:  make(map[string]WriteFunc),
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule queues a write for key. If a write is already queued for the key
// the new fn replaces it and the original deadline stands, so a burst of
// mutations produces one write no earlier than interval after the first.
func (s *Scheduler) Schedule(key string, fn WriteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		// Late schedules during shutdown write through immediately.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			fn(context.Background())
		}()
		return
	}

	if _, queued := s.pending[key]; queued {
		s.pending[key] = fn
		return
	}

	s.pending[key] = fn
	s.wg.Add(1)
	s.timers[key] = time.AfterFunc(s.interval, func() {
		defer s.wg.Done()
		s.flush(key)
	})
}

func (s *Scheduler) flush(key string) {
	s.mu.Lock()
	fn, ok := s.pending[key]
	delete(s.pending, key)
	delete(s.timers, key)
	s.mu.Unlock()

	if ok {
		fn(context.Background())
	}
}

// Close flushes everything still queued and waits for in-flight writes.
// Further schedules write through synchronously.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	keys := make([]string, 0, len(s.pending))
	for key, timer := range s.timers {
		if timer.Stop() {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.wg.Done()
		s.flush(key)
	}
	s.wg.Wait()

	if s.logger != nil {
		s.logger.Debug("write coalescer drained")
	}
}
