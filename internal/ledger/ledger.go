// Package ledger owns the transaction funding lifecycle: creating escrow
// transactions, polling their wallets for incoming balance, and dispatching
// payouts. All status transitions go through the Ledger so the monotonic
// status order holds no matter which caller drives them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/chain"
	"github.com/ghaph/auto-middleman/internal/coalesce"
	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/observability"
	"github.com/ghaph/auto-middleman/internal/pricefeed"
	"github.com/ghaph/auto-middleman/internal/store"
	"github.com/ghaph/auto-middleman/internal/wallet"
)

var (
	// ErrUnknownCrypto is returned for assets the ledger does not support.
	ErrUnknownCrypto = errors.New("unknown crypto")
	// ErrCryptoDisabled is returned when deals in the asset are switched off.
	ErrCryptoDisabled = errors.New("deals in this crypto are currently disabled")
	// ErrBelowMinimum is returned when the USD amount is under the floor.
	ErrBelowMinimum = errors.New("amount is below the minimum deal size")
	// ErrPriceUnavailable is returned while the price feed has no quote.
	ErrPriceUnavailable = errors.New("current price is unavailable, try again shortly")
	// ErrNotFound is returned when no transaction has the given id.
	ErrNotFound = errors.New("transaction not found")
	// ErrAlreadyFinal is returned when finalizing a terminal transaction.
	ErrAlreadyFinal = errors.New("transaction is already finalized")
	// ErrNotFunded is returned when finalizing a transaction that is not fully funded.
	ErrNotFunded = errors.New("transaction is not fully funded")
	// ErrInsufficientBalance is returned when the escrow wallet holds less
	// than the requested amount at payout time.
	ErrInsufficientBalance = errors.New("insufficient balance for payout")
)

// CryptoSettings carries per-asset overrides. Zero values fall back to the
// global defaults in Config.
type CryptoSettings struct {
	Disabled      bool
	Confirmations int
	MinUsd        decimal.Decimal
}

// Config is the ledger's tunable surface.
type Config struct {
	MinUsd         decimal.Decimal
	Confirmations  int
	PendingTimeout time.Duration
	Overrides      map[domain.CryptoType]CryptoSettings
}

func (c Config) minUsd(crypto domain.CryptoType) decimal.Decimal {
	if o, ok := c.Overrides[crypto]; ok && o.MinUsd.IsPositive() {
		return o.MinUsd
	}
	return c.MinUsd
}

func (c Config) confirmations(crypto domain.CryptoType) int {
	if o, ok := c.Overrides[crypto]; ok && o.Confirmations > 0 {
		return o.Confirmations
	}
	return c.Confirmations
}

func (c Config) disabled(crypto domain.CryptoType) bool {
	o, ok := c.Overrides[crypto]
	return ok && o.Disabled
}

// Event is published on every applied status transition.
type Event struct {
	Transaction *Transaction
	Old         domain.Status
	New         domain.Status
}

// StatsRecorder records a completed deal against both parties' profiles.
// Implemented by the profile registry; failures are the recorder's to log.
type StatsRecorder interface {
	RecordDeal(ctx context.Context, txnID int64, origin domain.Origin, parties domain.Parties, usd decimal.Decimal)
}

// Ledger is the transaction state machine. A single instance owns all live
// transactions for the process.
type Ledger struct {
	store    store.Store
	feed     pricefeed.Feed
	registry *wallet.Registry
	deriver  *wallet.Deriver
	networks map[domain.CryptoType]chain.Network
	writes   *coalesce.Scheduler
	stats    StatsRecorder
	cfg      Config
	logger   *zap.Logger

	// createMu serializes Create: index assignment and id allocation are
	// read-then-write over store state.
	createMu sync.Mutex

	mu     sync.Mutex
	active map[int64]*Transaction
	// finalized records the terminal status of every transaction settled in
	// this process, so a stale store read can never resurrect one as live.
	finalized map[int64]domain.Status
	subs      []func(Event)

	events    chan Event
	dispatch  sync.WaitGroup
	closeOnce sync.Once
}

// New creates a ledger and starts its event dispatch loop. stats may be nil.
func New(
	st store.Store,
	feed pricefeed.Feed,
	registry *wallet.Registry,
	deriver *wallet.Deriver,
	networks map[domain.CryptoType]chain.Network,
	writes *coalesce.Scheduler,
	stats StatsRecorder,
	cfg Config,
	logger *zap.Logger,
) *Ledger {
	l := &Ledger{
		store:     st,
		feed:      feed,
		registry:  registry,
		deriver:   deriver,
		networks:  networks,
		writes:    writes,
		stats:     stats,
		cfg:       cfg,
		logger:    logger,
		active:    make(map[int64]*Transaction),
		finalized: make(map[int64]domain.Status),
		events:    make(chan Event, 64),
	}
	l.dispatch.Add(1)
	go l.dispatchLoop()
	return l
}

// Subscribe registers fn to receive every status event, in order. Register
// subscribers during wiring, before transactions start moving.
func (l *Ledger) Subscribe(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

func (l *Ledger) dispatchLoop() {
	defer l.dispatch.Done()
	for ev := range l.events {
		l.mu.Lock()
		subs := make([]func(Event), len(l.subs))
		copy(subs, l.subs)
		l.mu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Close drains the event queue. Call after the workers driving the ledger
// have stopped.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() { close(l.events) })
	l.dispatch.Wait()
}

// MinUsd returns the minimum deal size for the asset, with the per-crypto
// override applied.
func (l *Ledger) MinUsd(crypto domain.CryptoType) decimal.Decimal {
	return l.cfg.minUsd(crypto)
}

// Create opens a new escrow transaction for usd worth of crypto. It picks a
// funding account, assigns the lowest free derivation index for that
// (account, crypto) pair, allocates the next transaction id and persists the
// document before returning.
func (l *Ledger) Create(ctx context.Context, usd decimal.Decimal, crypto domain.CryptoType, parties domain.Parties, origin domain.Origin) (*Transaction, error) {
	if !crypto.Valid() {
		return nil, ErrUnknownCrypto
	}
	if l.cfg.disabled(crypto) {
		return nil, ErrCryptoDisabled
	}
	usd = usd.Round(2)
	if min := l.cfg.minUsd(crypto); usd.LessThan(min) {
		return nil, fmt.Errorf("%w (%s)", ErrBelowMinimum, domain.FormatUsd(min))
	}
	price, ok := l.feed.Price(crypto)
	if !ok {
		return nil, ErrPriceUnavailable
	}
	amount, err := domain.UsdToUnits(usd, price, crypto)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w (%s)", ErrBelowMinimum, domain.FormatUsd(l.cfg.minUsd(crypto)))
	}

	l.createMu.Lock()
	defer l.createMu.Unlock()

	account, err := l.registry.Pick()
	if err != nil {
		return nil, err
	}
	accountID := l.registry.AccountID(account)

	index, err := l.nextIndex(ctx, accountID, crypto)
	if err != nil {
		return nil, fmt.Errorf("assign derivation index: %w", err)
	}
	kp, err := l.deriver.Derive(account, crypto, index)
	if err != nil {
		return nil, fmt.Errorf("derive escrow wallet: %w", err)
	}

	maxID, err := l.store.MaxID(ctx, store.Transactions)
	if err != nil {
		return nil, fmt.Errorf("allocate transaction id: %w", err)
	}

	now := nowMillis()
	txn := &Transaction{
		ID:            maxID + 1,
		Status:        domain.StatusPending,
		StatusUpdated: now,
		Created:       now,
		Amount:        amount,
		AmountUsd:     domain.FormatUsd(usd),
		Crypto:        crypto,
		Origin:        origin,
		Parties:       parties,
		Wallet:        Wallet{Account: accountID, Index: index, Address: kp.Address},
	}
	if err := l.store.Insert(ctx, store.Transactions, txn); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	l.mu.Lock()
	l.active[txn.ID] = txn
	l.mu.Unlock()

	l.logger.Info("transaction created",
		zap.Int64("txn", txn.ID),
		zap.String("crypto", string(crypto)),
		zap.String("usd", txn.AmountUsd),
		zap.Int64("amount", amount),
		zap.Uint32("index", index),
		zap.String("address", kp.Address))
	return txn, nil
}

// nextIndex returns the smallest derivation index not held by a non-cancelled
// transaction of the same crypto on the same account. Cancelled transactions
// free their index for reuse.
func (l *Ledger) nextIndex(ctx context.Context, accountID string, crypto domain.CryptoType) (uint32, error) {
	var existing []Transaction
	filter := store.Filter{
		"crypto":         string(crypto),
		"wallet.account": accountID,
		"status":         store.Not{Value: string(domain.StatusCancelled)},
	}
	if err := l.store.FindAll(ctx, store.Transactions, filter, &existing); err != nil {
		return 0, err
	}
	used := make(map[uint32]bool, len(existing))
	for _, t := range existing {
		used[t.Wallet.Index] = true
	}
	for i := uint32(0); ; i++ {
		if !used[i] {
			return i, nil
		}
	}
}

// Get returns the transaction with the given id, loading it from the store on
// first access after a restart.
func (l *Ledger) Get(ctx context.Context, id int64) (*Transaction, error) {
	l.mu.Lock()
	if txn, ok := l.active[id]; ok {
		l.mu.Unlock()
		return txn, nil
	}
	l.mu.Unlock()

	var txn Transaction
	err := l.store.FindOne(ctx, store.Transactions, store.Filter{"id": id}, &txn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if loaded, ok := l.active[id]; ok {
		return loaded, nil
	}
	if final, ok := l.finalized[id]; ok {
		// Settled in this process; a pre-terminal document is a read that
		// raced the terminal write. Serve the outcome, never re-register.
		if !txn.Status.Terminal() {
			txn.Status = final
		}
		return &txn, nil
	}
	l.active[id] = &txn
	return &txn, nil
}

// Waiting returns every transaction still waiting for funds, merging stored
// documents with the live registry so each id has exactly one instance.
func (l *Ledger) Waiting(ctx context.Context) ([]*Transaction, error) {
	var stored []Transaction
	for _, status := range []domain.Status{domain.StatusPending, domain.StatusPartial} {
		var batch []Transaction
		if err := l.store.FindAll(ctx, store.Transactions, store.Filter{"status": string(status)}, &batch); err != nil {
			return nil, err
		}
		stored = append(stored, batch...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Transaction, 0, len(stored))
	seen := make(map[int64]bool, len(stored))
	for i := range stored {
		id := stored[i].ID
		if seen[id] {
			continue
		}
		seen[id] = true
		if live, ok := l.active[id]; ok {
			if live.Status.WaitingForFunds() {
				out = append(out, live)
			}
			continue
		}
		if _, ok := l.finalized[id]; ok {
			continue
		}
		txn := stored[i]
		l.active[id] = &txn
		out = append(out, &txn)
	}
	return out, nil
}

// CheckUpdates runs one balance poll for txn. Fetch failures are logged and
// the poll skipped; transitions happen only on a successful fetch, except the
// pending timeout which fires on a zero balance.
func (l *Ledger) CheckUpdates(ctx context.Context, txn *Transaction) {
	l.mu.Lock()
	status := txn.Status
	address := txn.Wallet.Address
	amount := txn.Amount
	l.mu.Unlock()
	if !status.WaitingForFunds() {
		return
	}

	network, ok := l.networks[txn.Crypto]
	if !ok {
		l.logger.Warn("no network client for crypto", zap.String("crypto", string(txn.Crypto)))
		return
	}
	balance, err := network.ConfirmedBalance(ctx, address, l.cfg.confirmations(txn.Crypto))
	if err != nil {
		l.logger.Warn("balance fetch failed",
			zap.Int64("txn", txn.ID),
			zap.String("crypto", string(txn.Crypto)),
			zap.Error(err))
		return
	}

	switch {
	case balance >= amount:
		l.SetStatus(ctx, txn, domain.StatusOngoing)
	case balance > 0:
		l.SetStatus(ctx, txn, domain.StatusPartial)
	case status == domain.StatusPending && txn.Age(time.Now()) > l.cfg.PendingTimeout:
		l.logger.Info("pending transaction timed out", zap.Int64("txn", txn.ID))
		l.SetStatus(ctx, txn, domain.StatusCancelled)
	}
}

// SetStatus applies a status transition if the monotonic order allows it,
// persists the change (coalesced, or synchronously for terminal statuses) and
// publishes an event. Returns false when the transition is rejected or a
// no-op.
func (l *Ledger) SetStatus(ctx context.Context, txn *Transaction, next domain.Status) bool {
	l.mu.Lock()
	old := txn.Status
	if !old.CanTransition(next) {
		l.mu.Unlock()
		return false
	}
	txn.Status = next
	txn.StatusUpdated = nowMillis()
	if next.Terminal() {
		l.finalized[txn.ID] = next
		delete(l.active, txn.ID)
	}
	l.mu.Unlock()

	observability.IncrementStatusTransition(string(old), string(next))
	if next.Terminal() {
		// Terminal writes bypass the coalescer: once the live instance is
		// dropped, the store must not serve the pre-terminal status.
		l.persistNow(ctx, txn)
	} else {
		l.persist(txn)
	}
	l.logger.Info("transaction status changed",
		zap.Int64("txn", txn.ID),
		zap.String("from", string(old)),
		zap.String("to", string(next)))
	l.events <- Event{Transaction: txn, Old: old, New: next}
	return true
}

// Cancel cancels a transaction that is still waiting at pending. Partially
// funded transactions hold someone's money and are never cancelled this way.
func (l *Ledger) Cancel(ctx context.Context, txn *Transaction) bool {
	return l.SetStatus(ctx, txn, domain.StatusCancelled)
}

// persist schedules a coalesced write of txn's current state. The snapshot is
// taken at flush time so the last mutation in a burst wins.
func (l *Ledger) persist(txn *Transaction) {
	key := fmt.Sprintf("txn:%d", txn.ID)
	l.writes.Schedule(key, func(ctx context.Context) {
		l.persistNow(ctx, txn)
	})
}

// persistNow writes txn's current state synchronously.
func (l *Ledger) persistNow(ctx context.Context, txn *Transaction) {
	l.mu.Lock()
	snapshot := *txn
	l.mu.Unlock()
	if err := l.store.Replace(ctx, store.Transactions, store.Filter{"id": snapshot.ID}, &snapshot); err != nil {
		l.logger.Error("persist transaction failed", zap.Int64("txn", snapshot.ID), zap.Error(err))
	}
}

// Finalize settles the transaction: completed pays the given address from the
// escrow wallet, refunded returns the funds the same way. force bypasses the
// status guards for operator intervention, never the payout-once guard.
func (l *Ledger) Finalize(ctx context.Context, txn *Transaction, address string, outcome domain.Status, force bool) error {
	if outcome != domain.StatusCompleted && outcome != domain.StatusRefunded {
		return fmt.Errorf("invalid finalize outcome %q", outcome)
	}
	if !domain.IsValidAddress(address) {
		return fmt.Errorf("invalid payout address")
	}

	l.mu.Lock()
	status := txn.Status
	l.mu.Unlock()
	if !force {
		if status.Terminal() {
			return fmt.Errorf("%w (%s)", ErrAlreadyFinal, status)
		}
		if status != domain.StatusOngoing {
			return fmt.Errorf("%w (status %s)", ErrNotFunded, status)
		}
	}

	if outcome == domain.StatusCompleted && l.stats != nil {
		usd, err := decimal.NewFromString(txn.AmountUsd)
		if err == nil {
			l.stats.RecordDeal(ctx, txn.ID, txn.Origin, txn.Parties, usd)
		}
	}

	network, ok := l.networks[txn.Crypto]
	if !ok {
		return fmt.Errorf("no network client for %s", txn.Crypto)
	}
	balance, err := network.ConfirmedBalance(ctx, txn.Wallet.Address, 0)
	if err != nil {
		return fmt.Errorf("fetch escrow balance: %w", err)
	}
	if balance < txn.Amount {
		return fmt.Errorf("%w (%d < %d)", ErrInsufficientBalance, balance, txn.Amount)
	}

	if _, err := l.ForceSend(ctx, txn, address, txn.Amount); err != nil {
		return err
	}
	observability.IncrementPayout(string(txn.Crypto), string(outcome))
	l.SetStatus(ctx, txn, outcome)
	return nil
}

// ForceSend pays amount from txn's escrow wallet to address. The payout txid
// is recorded on the transaction before returning, so a retried finalize
// never broadcasts twice.
func (l *Ledger) ForceSend(ctx context.Context, txn *Transaction, address string, amount int64) (string, error) {
	l.mu.Lock()
	if txid := txn.Wallet.Txid; txid != "" {
		l.mu.Unlock()
		return txid, nil
	}
	l.mu.Unlock()

	network, ok := l.networks[txn.Crypto]
	if !ok {
		return "", fmt.Errorf("no network client for %s", txn.Crypto)
	}
	account, ok := l.registry.ByID(txn.Wallet.Account)
	if !ok {
		return "", fmt.Errorf("funding account %s is no longer configured", txn.Wallet.Account)
	}
	kp, err := l.deriver.Derive(account, txn.Crypto, txn.Wallet.Index)
	if err != nil {
		return "", fmt.Errorf("derive escrow wallet: %w", err)
	}

	txid, err := network.Send(ctx, kp, address, amount)
	if err != nil {
		return "", fmt.Errorf("send payout: %w", err)
	}

	l.mu.Lock()
	txn.Wallet.Txid = txid
	l.mu.Unlock()
	l.persist(txn)

	l.logger.Info("payout sent",
		zap.Int64("txn", txn.ID),
		zap.String("crypto", string(txn.Crypto)),
		zap.Int64("amount", amount),
		zap.String("txid", txid))
	return txid, nil
}

// MarkPaidOut flags a settled transaction as reconciled by the sweep.
func (l *Ledger) MarkPaidOut(ctx context.Context, txn *Transaction) error {
	l.mu.Lock()
	txn.PaidOut = true
	l.mu.Unlock()
	return l.store.UpdateFields(ctx, store.Transactions, store.Filter{"id": txn.ID}, map[string]any{"paidOut": true})
}

// Settled returns completed or refunded transactions of the given crypto that
// the sweep has not reconciled yet.
func (l *Ledger) Settled(ctx context.Context, crypto domain.CryptoType) ([]Transaction, error) {
	var out []Transaction
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusRefunded} {
		var batch []Transaction
		filter := store.Filter{
			"crypto":  string(crypto),
			"status":  string(status),
			"paidOut": false,
		}
		if err := l.store.FindAll(ctx, store.Transactions, filter, &batch); err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}
