// Package ticket runs the negotiation between two parties, from an empty
// chat room to a funded escrow transaction and its payout. Stages only move
// forward, except the explicit value-rejection path; every stage entry
// re-emits a prompt built from live ticket and transaction state.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/chat"
	"github.com/ghaph/auto-middleman/internal/coalesce"
	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/ledger"
	"github.com/ghaph/auto-middleman/internal/observability"
	"github.com/ghaph/auto-middleman/internal/store"
)

var (
	// ErrNotParticipant is returned for input from users outside the ticket.
	ErrNotParticipant = errors.New("you are not part of this ticket")
	// ErrWrongStage is returned when input does not apply to the current stage.
	ErrWrongStage = errors.New("that is not available at this stage")
	// ErrCreationCooldown is returned when a user creates tickets too fast.
	ErrCreationCooldown = errors.New("you are creating tickets too quickly, wait a moment")
	// ErrTooManyOpen is returned when a user exceeds the open unpaid ticket cap.
	ErrTooManyOpen = errors.New("you have too many open tickets")
	// ErrTicketClosed is returned for input on a closed or closing ticket.
	ErrTicketClosed = errors.New("ticket is already closing")
	// ErrCannotClose is returned for close votes while funds are in escrow.
	ErrCannotClose = errors.New("you cannot close the ticket while it is ongoing")
	// ErrNotFound is returned when no ticket has the given id.
	ErrNotFound = errors.New("ticket not found")
)

// Config is the engine's tunable surface.
type Config struct {
	CreationCooldown time.Duration
	MaxUnpaid        int
	CloseDelay       time.Duration
	StageTimeouts    map[domain.Stage]time.Duration
}

func (c Config) withDefaults() Config {
	if c.CreationCooldown <= 0 {
		c.CreationCooldown = 2 * time.Minute
	}
	if c.MaxUnpaid <= 0 {
		c.MaxUnpaid = 3
	}
	if c.CloseDelay <= 0 {
		c.CloseDelay = 5 * time.Second
	}
	return c
}

// stageTimeout returns how long a stage may sit without activity before the
// auto closer reaps the ticket.
func (c Config) stageTimeout(stage domain.Stage) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok {
		return d
	}
	switch stage {
	case domain.StageWaiting:
		return 5 * time.Minute
	case domain.StagePending:
		return 48 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Engine is the negotiation state machine. A single instance owns all live
// tickets for the process.
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	transport chat.Transport
	writes    *coalesce.Scheduler
	cfg       Config
	logger    *zap.Logger

	mu          sync.Mutex
	active      map[int64]*Ticket
	lastCreated map[string]time.Time
	closeTimers map[int64]*time.Timer
}

// New creates a negotiation engine. Wire it to the ledger's events with
// ledger.Subscribe(engine.OnLedgerEvent).
func New(st store.Store, lg *ledger.Ledger, transport chat.Transport, writes *coalesce.Scheduler, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		store:       st,
		ledger:      lg,
		transport:   transport,
		writes:      writes,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		active:      make(map[int64]*Ticket),
		lastCreated: make(map[string]time.Time),
		closeTimers: make(map[int64]*time.Timer),
	}
}

// LoadOpen registers every open ticket from the store, for process restarts.
func (e *Engine) LoadOpen(ctx context.Context) error {
	var tickets []Ticket
	if err := e.store.FindAll(ctx, store.Tickets, store.Filter{"closed": store.Not{Value: true}}, &tickets); err != nil {
		return fmt.Errorf("load open tickets: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range tickets {
		t := tickets[i]
		if _, ok := e.active[t.ID]; !ok {
			e.active[t.ID] = &t
		}
	}
	e.logger.Info("open tickets loaded", zap.Int("count", len(tickets)))
	return nil
}

// CreateTicket opens a negotiation session hosted by userID in channel. The
// per-user creation cooldown and the open unpaid ticket cap both apply.
func (e *Engine) CreateTicket(ctx context.Context, origin domain.Origin, channel, userID string) (*Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := string(origin) + ":" + userID
	if last, ok := e.lastCreated[key]; ok && time.Since(last) < e.cfg.CreationCooldown {
		return nil, ErrCreationCooldown
	}
	open := 0
	for _, t := range e.active {
		if t.involves(userID) && t.unpaid() {
			open++
		}
	}
	if open >= e.cfg.MaxUnpaid {
		return nil, ErrTooManyOpen
	}

	maxID, err := e.store.MaxID(ctx, store.Tickets)
	if err != nil {
		return nil, fmt.Errorf("allocate ticket id: %w", err)
	}
	now := time.Now().UnixMilli()
	t := &Ticket{
		ID:           maxID + 1,
		Origin:       origin,
		Channel:      channel,
		Invite:       uuid.NewString(),
		Stage:        domain.StageWaiting,
		Created:      now,
		LastActivity: now,
		User1:        &Party{ID: userID},
	}
	if err := e.store.Insert(ctx, store.Tickets, t); err != nil {
		return nil, fmt.Errorf("persist ticket: %w", err)
	}
	e.active[t.ID] = t
	e.lastCreated[key] = time.Now()

	e.logger.Info("ticket created",
		zap.Int64("ticket", t.ID),
		zap.String("origin", string(origin)),
		zap.String("host", userID))
	return t, nil
}

// Get returns the live ticket with the given id.
func (e *Engine) Get(id int64) (*Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.active[id]; ok {
		return t, nil
	}
	return nil, ErrNotFound
}

// ByChannel returns the live ticket bound to a chat channel.
func (e *Engine) ByChannel(channel string) (*Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.active {
		if t.Channel == channel && !t.Closed && !t.Closing {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

// Tickets returns a snapshot of the live tickets.
func (e *Engine) Tickets() []*Ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Ticket, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, t)
	}
	return out
}

// Ready moves a fresh ticket from waiting to user_wait once the chat room is
// set up and the host can be invited.
func (e *Engine) Ready(ctx context.Context, t *Ticket) bool {
	return e.SetStage(ctx, t, domain.StageUserWait)
}

// SetStage applies a stage transition and emits the new stage's prompt.
// Re-entering the current stage is a no-op returning false, so duplicate
// external events never produce duplicate prompts.
func (e *Engine) SetStage(ctx context.Context, t *Ticket, stage domain.Stage) bool {
	e.mu.Lock()
	ok := e.setStageLocked(t, stage)
	e.mu.Unlock()
	if ok {
		e.InitStage(ctx, t)
	}
	return ok
}

func (e *Engine) setStageLocked(t *Ticket, stage domain.Stage) bool {
	if t.Closed || t.Stage == stage {
		return false
	}
	e.logger.Info("ticket stage changed",
		zap.Int64("ticket", t.ID),
		zap.String("from", string(t.Stage)),
		zap.String("to", string(stage)))
	t.Stage = stage
	t.LastActivity = time.Now().UnixMilli()
	observability.IncrementStageTransition(string(stage))
	e.persistLocked(t)
	return true
}

// persistLocked schedules a coalesced write of t. Callers hold e.mu; the
// snapshot is taken at flush time so the last mutation in a burst wins.
func (e *Engine) persistLocked(t *Ticket) {
	key := fmt.Sprintf("ticket:%d", t.ID)
	e.writes.Schedule(key, func(ctx context.Context) {
		e.mu.Lock()
		snapshot := *t
		e.mu.Unlock()
		if err := e.store.Replace(ctx, store.Tickets, store.Filter{"id": snapshot.ID}, &snapshot); err != nil {
			e.logger.Error("persist ticket failed", zap.Int64("ticket", snapshot.ID), zap.Error(err))
		}
	})
}

// InitStage emits the current stage's prompt, rebuilt from live state. Also
// invoked directly by the staff re-init command.
func (e *Engine) InitStage(ctx context.Context, t *Ticket) {
	e.mu.Lock()
	if t.Closed {
		e.mu.Unlock()
		return
	}
	var txn *ledger.Transaction
	tid := t.Tid
	e.mu.Unlock()

	if tid != nil {
		loaded, err := e.ledger.Get(ctx, *tid)
		if err != nil {
			e.logger.Warn("stage prompt without transaction", zap.Int64("ticket", t.ID), zap.Error(err))
		} else {
			txn = loaded
		}
	}

	e.mu.Lock()
	text, buttons := buildPrompt(t, txn)
	channel := t.Channel
	e.mu.Unlock()
	if text == "" {
		return
	}

	msgID, err := e.transport.SendMessage(ctx, channel, text, buttons)
	if err != nil {
		e.logger.Warn("send stage prompt failed", zap.Int64("ticket", t.ID), zap.Error(err))
		return
	}
	e.mu.Lock()
	t.promptID = msgID
	e.mu.Unlock()
}

// refreshPrompt rewrites the last stage prompt in place after a vote change,
// so the displayed tallies stay current.
func (e *Engine) refreshPrompt(ctx context.Context, t *Ticket) {
	e.mu.Lock()
	msgID := t.promptID
	text, buttons := buildPrompt(t, nil)
	channel := t.Channel
	e.mu.Unlock()
	if msgID == "" || text == "" {
		return
	}
	if err := e.transport.EditMessage(ctx, channel, msgID, text, buttons); err != nil {
		e.logger.Debug("edit stage prompt failed", zap.Int64("ticket", t.ID), zap.Error(err))
	}
}

// HandleMessage processes one observed chat message. Messages are recorded
// at most once per id; already-seen ids are complete no-ops.
func (e *Engine) HandleMessage(ctx context.Context, t *Ticket, msg Message) error {
	e.mu.Lock()
	if t.Closed || t.Closing || t.hasMessage(msg.ID) {
		e.mu.Unlock()
		return nil
	}
	t.Messages = append(t.Messages, msg)
	t.LastActivity = time.Now().UnixMilli()
	e.persistLocked(t)

	stage := t.Stage
	participant := t.involves(msg.Author)
	e.mu.Unlock()

	switch stage {
	case domain.StageUserWait:
		return e.secondPartyJoined(ctx, t, msg)
	case domain.StageDefine:
		if participant && !msg.Bot && !strings.HasPrefix(msg.Body, "/") {
			e.SetStage(ctx, t, domain.StageVoteCrypto)
		}
	case domain.StageSelectValue:
		return e.proposeValue(ctx, t, msg)
	case domain.StageSelectAddress:
		return e.submitAddress(ctx, t, msg)
	}
	return nil
}

func (e *Engine) secondPartyJoined(ctx context.Context, t *Ticket, msg Message) error {
	e.mu.Lock()
	if msg.Bot || t.User2 != nil || t.User1.ID == msg.Author {
		e.mu.Unlock()
		return nil
	}
	t.User2 = &Party{ID: msg.Author}
	advanced := e.setStageLocked(t, domain.StageDefine)
	e.mu.Unlock()
	if advanced {
		e.InitStage(ctx, t)
	}
	return nil
}

func (e *Engine) proposeValue(ctx context.Context, t *Ticket, msg Message) error {
	e.mu.Lock()
	p := t.party(msg.Author)
	if p == nil || msg.Bot {
		e.mu.Unlock()
		return nil
	}
	crypto := t.agreedCrypto()
	e.mu.Unlock()

	value, err := domain.ParseUsd(strings.TrimSpace(msg.Body))
	if err != nil || value.LessThanOrEqual(decimal.Zero) {
		// Chatter during value selection is not an error.
		return nil
	}
	if min := e.ledger.MinUsd(crypto); value.LessThan(min) {
		return fmt.Errorf("%w (%s)", ledger.ErrBelowMinimum, domain.FormatUsd(min))
	}

	e.mu.Lock()
	if t.Stage != domain.StageSelectValue {
		e.mu.Unlock()
		return nil
	}
	p.Value = domain.FormatUsd(value)
	advanced := e.setStageLocked(t, domain.StageAcceptValue)
	e.mu.Unlock()
	if advanced {
		e.InitStage(ctx, t)
	}
	return nil
}

func (e *Engine) submitAddress(ctx context.Context, t *Ticket, msg Message) error {
	e.mu.Lock()
	if msg.Author != t.Result || t.Tid == nil || t.Outcome == "" {
		e.mu.Unlock()
		return nil
	}
	tid := *t.Tid
	outcome := domain.StatusCompleted
	if t.Outcome == domain.VerdictRefund {
		outcome = domain.StatusRefunded
	}
	e.mu.Unlock()

	address := strings.TrimSpace(msg.Body)
	if !domain.IsValidAddress(address) {
		return errors.New("invalid address")
	}

	txn, err := e.ledger.Get(ctx, tid)
	if err != nil {
		return fmt.Errorf("retrieve transaction: %w", err)
	}
	if err := e.ledger.Finalize(ctx, txn, address, outcome, false); err != nil {
		return err
	}
	e.SetStage(ctx, t, domain.StageCompleted)
	return nil
}

// VoteCrypto records a party's asset proposal, or clears it. When both
// proposals are set and equal the ticket advances to role selection.
func (e *Engine) VoteCrypto(ctx context.Context, t *Ticket, userID string, crypto domain.CryptoType, clear bool) error {
	e.mu.Lock()
	if t.Stage != domain.StageVoteCrypto {
		e.mu.Unlock()
		return ErrWrongStage
	}
	p := t.party(userID)
	if p == nil {
		e.mu.Unlock()
		return ErrNotParticipant
	}
	if clear {
		p.Crypto = ""
	} else {
		if !crypto.Valid() {
			e.mu.Unlock()
			return ledger.ErrUnknownCrypto
		}
		p.Crypto = crypto
	}
	t.LastActivity = time.Now().UnixMilli()
	matched := t.User1.Crypto != "" && t.User2 != nil && t.User1.Crypto == t.User2.Crypto
	advanced := matched && e.setStageLocked(t, domain.StageSelectRole)
	if !advanced {
		e.persistLocked(t)
	}
	e.mu.Unlock()

	if advanced {
		e.InitStage(ctx, t)
	} else {
		e.refreshPrompt(ctx, t)
	}
	return nil
}

// SelectRole records a party's sender/receiver claim. Roles are exclusive:
// claiming the role the counter-party holds clears theirs. Both set and
// different advances to value selection.
func (e *Engine) SelectRole(ctx context.Context, t *Ticket, userID string, role domain.Role, clear bool) error {
	e.mu.Lock()
	if t.Stage != domain.StageSelectRole {
		e.mu.Unlock()
		return ErrWrongStage
	}
	p := t.party(userID)
	if p == nil {
		e.mu.Unlock()
		return ErrNotParticipant
	}
	if clear {
		p.Role = ""
	} else {
		if role != domain.RoleSender && role != domain.RoleReceiver {
			e.mu.Unlock()
			return fmt.Errorf("invalid role %q", role)
		}
		p.Role = role
		if other := t.other(p); other != nil && other.Role == role {
			other.Role = ""
		}
	}
	t.LastActivity = time.Now().UnixMilli()
	matched := t.User1.Role != "" && t.User2 != nil && t.User2.Role != "" && t.User1.Role != t.User2.Role
	advanced := matched && e.setStageLocked(t, domain.StageSelectValue)
	if !advanced {
		e.persistLocked(t)
	}
	e.mu.Unlock()

	if advanced {
		e.InitStage(ctx, t)
	} else {
		e.refreshPrompt(ctx, t)
	}
	return nil
}

// AcceptValue copies the proposed amount into the accepting party's slot.
// When both slots hold the same value the escrow transaction is created and
// the ticket advances to pending. On creation failure the ticket stays at
// accept_value and the error is surfaced.
func (e *Engine) AcceptValue(ctx context.Context, t *Ticket, userID string) error {
	e.mu.Lock()
	if t.Stage != domain.StageAcceptValue {
		e.mu.Unlock()
		return ErrWrongStage
	}
	p := t.party(userID)
	if p == nil {
		e.mu.Unlock()
		return ErrNotParticipant
	}
	if p.Value != "" {
		e.mu.Unlock()
		return errors.New("you already accepted the value")
	}
	other := t.other(p)
	if other == nil || other.Value == "" {
		e.mu.Unlock()
		return errors.New("no value has been proposed")
	}
	p.Value = other.Value
	t.LastActivity = time.Now().UnixMilli()

	value, err := decimal.NewFromString(p.Value)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("corrupt proposed value %q", p.Value)
	}
	crypto := t.agreedCrypto()
	sender := t.byRole(domain.RoleSender)
	receiver := t.byRole(domain.RoleReceiver)
	e.persistLocked(t)
	e.mu.Unlock()

	if sender == nil || receiver == nil {
		return errors.New("roles are not settled")
	}
	txn, err := e.ledger.Create(ctx, value, crypto, domain.Parties{Sender: sender.ID, Receiver: receiver.ID}, t.Origin)
	if err != nil {
		e.logger.Warn("transaction creation failed", zap.Int64("ticket", t.ID), zap.Error(err))
		return err
	}

	e.mu.Lock()
	t.Tid = &txn.ID
	advanced := e.setStageLocked(t, domain.StagePending)
	e.mu.Unlock()
	if advanced {
		e.InitStage(ctx, t)
	}
	return nil
}

// RejectValue clears both value slots and returns the ticket to value
// selection. This is the one sanctioned backward stage transition.
func (e *Engine) RejectValue(ctx context.Context, t *Ticket, userID string) error {
	e.mu.Lock()
	if t.Stage != domain.StageAcceptValue {
		e.mu.Unlock()
		return ErrWrongStage
	}
	if t.party(userID) == nil {
		e.mu.Unlock()
		return ErrNotParticipant
	}
	t.User1.Value = ""
	if t.User2 != nil {
		t.User2.Value = ""
	}
	advanced := e.setStageLocked(t, domain.StageSelectValue)
	e.mu.Unlock()
	if advanced {
		e.InitStage(ctx, t)
	}
	return nil
}

// CastFinalizeVote records a party's finalize verdict, or clears it. When
// both verdicts match, the result party is fixed (the receiver for complete,
// the sender for refund) and the ticket advances to address selection.
func (e *Engine) CastFinalizeVote(ctx context.Context, t *Ticket, userID string, verdict domain.Verdict, clear bool) error {
	e.mu.Lock()
	if t.Stage != domain.StageOngoing {
		e.mu.Unlock()
		return ErrWrongStage
	}
	p := t.party(userID)
	if p == nil {
		e.mu.Unlock()
		return ErrNotParticipant
	}
	if clear {
		p.Verdict = ""
	} else {
		if verdict != domain.VerdictComplete && verdict != domain.VerdictRefund {
			e.mu.Unlock()
			return fmt.Errorf("invalid verdict %q", verdict)
		}
		p.Verdict = verdict
	}
	t.LastActivity = time.Now().UnixMilli()

	advanced := false
	if t.User1.Verdict != "" && t.User2 != nil && t.User1.Verdict == t.User2.Verdict {
		role := domain.RoleReceiver
		if t.User1.Verdict == domain.VerdictRefund {
			role = domain.RoleSender
		}
		if result := t.byRole(role); result != nil {
			t.Result = result.ID
			t.Outcome = t.User1.Verdict
			advanced = e.setStageLocked(t, domain.StageSelectAddress)
		}
	}
	if !advanced {
		e.persistLocked(t)
	}
	e.mu.Unlock()

	if advanced {
		e.InitStage(ctx, t)
	} else {
		e.refreshPrompt(ctx, t)
	}
	return nil
}

// VoteClose toggles a party's close vote. When every present party has voted
// the ticket closes after a short delay. Tickets holding escrowed funds
// cannot be closed this way.
func (e *Engine) VoteClose(ctx context.Context, t *Ticket, userID string) (bool, error) {
	e.mu.Lock()
	if t.Stage.HoldsFunds() {
		e.mu.Unlock()
		return false, ErrCannotClose
	}
	if t.Closed || t.Closing {
		e.mu.Unlock()
		return false, ErrTicketClosed
	}
	p := t.party(userID)
	if p == nil {
		e.mu.Unlock()
		return false, ErrNotParticipant
	}
	p.VoteClose = !p.VoteClose
	voted := p.VoteClose
	all := t.User1.VoteClose && (t.User2 == nil || t.User2.VoteClose)
	e.persistLocked(t)
	e.mu.Unlock()

	if all {
		e.Close(ctx, t, e.cfg.CloseDelay)
	}
	return voted, nil
}

// VoteKick toggles a party's kick vote. When both parties vote, everyone but
// the two of them is removed from the channel and the votes reset.
func (e *Engine) VoteKick(ctx context.Context, t *Ticket, userID string) (bool, error) {
	e.mu.Lock()
	p := t.party(userID)
	if p == nil {
		e.mu.Unlock()
		return false, ErrNotParticipant
	}
	p.VoteKick = !p.VoteKick
	voted := p.VoteKick
	all := t.User1.VoteKick && t.User2 != nil && t.User2.VoteKick
	keep := []string{t.User1.ID}
	if t.User2 != nil {
		keep = append(keep, t.User2.ID)
	}
	channel := t.Channel
	if all {
		t.User1.VoteKick = false
		t.User2.VoteKick = false
	}
	e.persistLocked(t)
	e.mu.Unlock()

	if all {
		if err := e.transport.KickExtras(ctx, channel, keep); err != nil {
			e.logger.Warn("kick extras failed", zap.Int64("ticket", t.ID), zap.Error(err))
		}
	}
	return voted, nil
}

// Close shuts the ticket down. With a delay it first flags the ticket as
// closing, then closes for real once the delay passes. Closing a ticket
// whose transaction is still pending cancels the transaction.
func (e *Engine) Close(ctx context.Context, t *Ticket, delay time.Duration) {
	e.mu.Lock()
	if t.Closed || (delay > 0 && t.Closing) {
		e.mu.Unlock()
		return
	}
	if delay > 0 {
		t.Closing = true
		e.persistLocked(t)
		e.closeTimers[t.ID] = time.AfterFunc(delay, func() {
			e.mu.Lock()
			t.Closing = false
			e.mu.Unlock()
			e.Close(context.Background(), t, 0)
		})
		e.mu.Unlock()
		return
	}

	t.Closed = true
	t.Closing = false
	if timer, ok := e.closeTimers[t.ID]; ok {
		timer.Stop()
		delete(e.closeTimers, t.ID)
	}
	delete(e.active, t.ID)
	tid := t.Tid
	e.persistLocked(t)
	e.mu.Unlock()

	e.logger.Info("ticket closed", zap.Int64("ticket", t.ID))

	if tid == nil {
		return
	}
	txn, err := e.ledger.Get(ctx, *tid)
	if err != nil {
		e.logger.Warn("close: transaction lookup failed", zap.Int64("ticket", t.ID), zap.Error(err))
		return
	}
	if txn.Status == domain.StatusPending {
		e.ledger.Cancel(ctx, txn)
	} else if !txn.Status.Terminal() {
		e.logger.Warn("closed ticket leaves transaction open",
			zap.Int64("ticket", t.ID),
			zap.Int64("txn", txn.ID),
			zap.String("status", string(txn.Status)))
	}
}

// OnLedgerEvent reacts to transaction status changes: funding advances the
// ticket to ongoing, settlement advances it to completed.
func (e *Engine) OnLedgerEvent(ev ledger.Event) {
	ctx := context.Background()

	e.mu.Lock()
	var ticket *Ticket
	for _, t := range e.active {
		if t.Tid != nil && *t.Tid == ev.Transaction.ID {
			ticket = t
			break
		}
	}
	e.mu.Unlock()
	if ticket == nil {
		return
	}

	switch ev.New {
	case domain.StatusPartial:
		e.notify(ctx, ticket, "Partial payment received, the full amount is still outstanding.")
	case domain.StatusOngoing:
		e.mu.Lock()
		pending := ticket.Stage == domain.StagePending
		e.mu.Unlock()
		if pending {
			e.SetStage(ctx, ticket, domain.StageOngoing)
		}
	case domain.StatusCompleted, domain.StatusRefunded:
		e.SetStage(ctx, ticket, domain.StageCompleted)
	case domain.StatusCancelled:
		e.Close(ctx, ticket, 0)
	}
}

func (e *Engine) notify(ctx context.Context, t *Ticket, text string) {
	if _, err := e.transport.SendMessage(ctx, t.Channel, text, nil); err != nil {
		e.logger.Debug("notify failed", zap.Int64("ticket", t.ID), zap.Error(err))
	}
}

// CloseInactive reaps tickets whose stage timeout has elapsed without
// activity. Tickets that may hold funds, or whose transaction is partially
// funded, are never auto-closed.
func (e *Engine) CloseInactive(ctx context.Context, now time.Time) {
	e.mu.Lock()
	candidates := make([]*Ticket, 0, len(e.active))
	for _, t := range e.active {
		if t.Closed || t.Closing || t.Stage.HoldsFunds() {
			continue
		}
		if now.Sub(time.UnixMilli(t.LastActivity)) > e.cfg.stageTimeout(t.Stage) {
			candidates = append(candidates, t)
		}
	}
	e.mu.Unlock()

	for _, t := range candidates {
		if t.Tid != nil {
			txn, err := e.ledger.Get(ctx, *t.Tid)
			if err == nil && txn.Status == domain.StatusPartial {
				continue
			}
		}
		e.logger.Info("closing inactive ticket",
			zap.Int64("ticket", t.ID),
			zap.String("stage", string(t.Stage)))
		e.Close(ctx, t, 0)
	}
}
