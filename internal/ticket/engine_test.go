package ticket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/chain"
	"github.com/ghaph/auto-middleman/internal/chat"
	"github.com/ghaph/auto-middleman/internal/coalesce"
	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/ledger"
	"github.com/ghaph/auto-middleman/internal/pricefeed"
	"github.com/ghaph/auto-middleman/internal/store"
	"github.com/ghaph/auto-middleman/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type stubNetwork struct {
	mu       sync.Mutex
	balances map[string]int64
	sends    int
}

func (s *stubNetwork) setBalance(address string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances == nil {
		s.balances = make(map[string]int64)
	}
	s.balances[address] = balance
}

func (s *stubNetwork) ConfirmedBalance(_ context.Context, address string, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address], nil
}

func (s *stubNetwork) Send(context.Context, *wallet.Keypair, string, int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return "cafebabe", nil
}

type fixture struct {
	engine    *Engine
	ledger    *ledger.Ledger
	store     *store.Memory
	network   *stubNetwork
	transport *chat.Mock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	mem := store.NewMemory()
	feed := pricefeed.NewStatic(map[domain.CryptoType]decimal.Decimal{
		domain.BTC: decimal.NewFromInt(50_000),
		domain.LTC: decimal.NewFromInt(100),
		domain.ETH: decimal.NewFromInt(2_500),
	})
	registry := wallet.NewRegistry([]wallet.Account{{Mnemonic: testMnemonic}})
	network := &stubNetwork{}
	writes := coalesce.NewScheduler(5*time.Millisecond, zap.NewNop())

	lg := ledger.New(mem, feed, registry, wallet.NewDeriver(registry),
		map[domain.CryptoType]chain.Network{
			domain.BTC: network,
			domain.LTC: network,
			domain.ETH: network,
		},
		writes, nil,
		ledger.Config{
			MinUsd:         decimal.NewFromInt(3),
			Confirmations:  3,
			PendingTimeout: 24 * time.Hour,
		}, zap.NewNop())

	transport := chat.NewMock()
	engine := New(mem, lg, transport, writes, cfg, zap.NewNop())
	lg.Subscribe(engine.OnLedgerEvent)

	t.Cleanup(func() {
		lg.Close()
		writes.Close()
	})
	return &fixture{engine: engine, ledger: lg, store: mem, network: network, transport: transport}
}

func (f *fixture) newTicket(t *testing.T) *Ticket {
	t.Helper()
	tk, err := f.engine.CreateTicket(context.Background(), domain.OriginTelegram, "room-1", "alice")
	require.NoError(t, err)
	return tk
}

// toVoteCrypto walks a fresh ticket to the crypto vote with bob as the
// second party.
func (f *fixture) toVoteCrypto(t *testing.T, tk *Ticket) {
	t.Helper()
	ctx := context.Background()
	require.True(t, f.engine.Ready(ctx, tk))
	require.NoError(t, f.engine.HandleMessage(ctx, tk, Message{ID: "m1", Author: "bob", Body: "hi"}))
	require.Equal(t, domain.StageDefine, tk.Stage)
	require.NoError(t, f.engine.HandleMessage(ctx, tk, Message{ID: "m2", Author: "alice", Body: "selling an account"}))
	require.Equal(t, domain.StageVoteCrypto, tk.Stage)
}

// toSelectValue continues to value selection with alice as sender.
func (f *fixture) toSelectValue(t *testing.T, tk *Ticket) {
	t.Helper()
	ctx := context.Background()
	f.toVoteCrypto(t, tk)
	require.NoError(t, f.engine.VoteCrypto(ctx, tk, "alice", domain.BTC, false))
	require.NoError(t, f.engine.VoteCrypto(ctx, tk, "bob", domain.BTC, false))
	require.Equal(t, domain.StageSelectRole, tk.Stage)
	require.NoError(t, f.engine.SelectRole(ctx, tk, "alice", domain.RoleSender, false))
	require.NoError(t, f.engine.SelectRole(ctx, tk, "bob", domain.RoleReceiver, false))
	require.Equal(t, domain.StageSelectValue, tk.Stage)
}

// toPending continues through value agreement, creating the transaction.
func (f *fixture) toPending(t *testing.T, tk *Ticket) *ledger.Transaction {
	t.Helper()
	ctx := context.Background()
	f.toSelectValue(t, tk)
	require.NoError(t, f.engine.HandleMessage(ctx, tk, Message{ID: "m3", Author: "alice", Body: "$100"}))
	require.Equal(t, domain.StageAcceptValue, tk.Stage)
	require.NoError(t, f.engine.AcceptValue(ctx, tk, "bob"))
	require.Equal(t, domain.StagePending, tk.Stage)
	require.NotNil(t, tk.Tid)

	txn, err := f.ledger.Get(ctx, *tk.Tid)
	require.NoError(t, err)
	return txn
}

// fund pushes the escrow balance to the requested amount and waits for the
// funding event to advance the ticket.
func (f *fixture) fund(t *testing.T, tk *Ticket, txn *ledger.Transaction) {
	t.Helper()
	f.network.setBalance(txn.Wallet.Address, txn.Amount)
	f.ledger.CheckUpdates(context.Background(), txn)
	require.Eventually(t, func() bool {
		f.engine.mu.Lock()
		defer f.engine.mu.Unlock()
		return tk.Stage == domain.StageOngoing
	}, time.Second, 5*time.Millisecond)
}

func TestCryptoVoteRequiresAgreement(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	f.toVoteCrypto(t, tk)
	ctx := context.Background()

	require.NoError(t, f.engine.VoteCrypto(ctx, tk, "alice", domain.BTC, false))
	require.NoError(t, f.engine.VoteCrypto(ctx, tk, "bob", domain.LTC, false))
	require.Equal(t, domain.StageVoteCrypto, tk.Stage, "conflicting votes do not advance")

	require.NoError(t, f.engine.VoteCrypto(ctx, tk, "bob", domain.BTC, false))
	require.Equal(t, domain.StageSelectRole, tk.Stage)
}

func TestCryptoVoteClearNeverAdvances(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	f.toVoteCrypto(t, tk)
	ctx := context.Background()

	require.NoError(t, f.engine.VoteCrypto(ctx, tk, "alice", domain.BTC, false))
	require.NoError(t, f.engine.VoteCrypto(ctx, tk, "alice", "", true))
	require.Equal(t, domain.StageVoteCrypto, tk.Stage)
	require.Empty(t, tk.User1.Crypto)
}

func TestRolesAreExclusive(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	f.toVoteCrypto(t, tk)
	ctx := context.Background()
	require.NoError(t, f.engine.VoteCrypto(ctx, tk, "alice", domain.BTC, false))
	require.NoError(t, f.engine.VoteCrypto(ctx, tk, "bob", domain.BTC, false))

	require.NoError(t, f.engine.SelectRole(ctx, tk, "alice", domain.RoleSender, false))
	require.NoError(t, f.engine.SelectRole(ctx, tk, "bob", domain.RoleSender, false))
	require.Empty(t, tk.User1.Role, "claiming a held role clears the holder")
	require.Equal(t, domain.RoleSender, tk.User2.Role)
	require.Equal(t, domain.StageSelectRole, tk.Stage)

	require.NoError(t, f.engine.SelectRole(ctx, tk, "alice", domain.RoleReceiver, false))
	require.Equal(t, domain.StageSelectValue, tk.Stage)
}

func TestSetStageIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	ctx := context.Background()

	require.True(t, f.engine.SetStage(ctx, tk, domain.StageUserWait))
	before := len(f.transport.Messages())
	require.False(t, f.engine.SetStage(ctx, tk, domain.StageUserWait))
	require.Len(t, f.transport.Messages(), before, "re-entering a stage emits no prompt")
}

func TestMessagesAreRecordedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	ctx := context.Background()
	require.True(t, f.engine.Ready(ctx, tk))

	msg := Message{ID: "dup", Author: "bob", Body: "hello"}
	require.NoError(t, f.engine.HandleMessage(ctx, tk, msg))
	require.NoError(t, f.engine.HandleMessage(ctx, tk, msg))
	require.Len(t, tk.Messages, 1)
	require.Equal(t, domain.StageDefine, tk.Stage)
}

func TestValueBelowMinimumIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	f.toSelectValue(t, tk)

	err := f.engine.HandleMessage(context.Background(), tk, Message{ID: "m3", Author: "alice", Body: "$1"})
	require.ErrorIs(t, err, ledger.ErrBelowMinimum)
	require.Equal(t, domain.StageSelectValue, tk.Stage)
}

func TestRejectValueReturnsToSelection(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	f.toSelectValue(t, tk)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleMessage(ctx, tk, Message{ID: "m3", Author: "alice", Body: "100"}))
	require.Equal(t, domain.StageAcceptValue, tk.Stage)
	require.NoError(t, f.engine.RejectValue(ctx, tk, "bob"))
	require.Equal(t, domain.StageSelectValue, tk.Stage)
	require.Empty(t, tk.User1.Value)
	require.Empty(t, tk.User2.Value)
}

func TestAcceptValueCreatesTransaction(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	txn := f.toPending(t, tk)

	require.Equal(t, int64(200_000), txn.Amount)
	require.Equal(t, "100.00", txn.AmountUsd)
	require.Equal(t, domain.Parties{Sender: "alice", Receiver: "bob"}, txn.Parties)

	// The pending prompt carries the escrow address.
	msgs := f.transport.Messages()
	require.NotEmpty(t, msgs)
	require.Contains(t, msgs[len(msgs)-1].Text, txn.Wallet.Address)
}

func TestFullDealCompletes(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	ctx := context.Background()
	txn := f.toPending(t, tk)
	f.fund(t, tk, txn)

	require.NoError(t, f.engine.CastFinalizeVote(ctx, tk, "alice", domain.VerdictComplete, false))
	require.Equal(t, domain.StageOngoing, tk.Stage)
	require.NoError(t, f.engine.CastFinalizeVote(ctx, tk, "bob", domain.VerdictComplete, false))
	require.Equal(t, domain.StageSelectAddress, tk.Stage)
	require.Equal(t, "bob", tk.Result, "complete pays the receiver")

	// Only the result party may submit the payout address.
	addr := "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	require.NoError(t, f.engine.HandleMessage(ctx, tk, Message{ID: "m8", Author: "alice", Body: addr}))
	require.Equal(t, domain.StageSelectAddress, tk.Stage)

	require.NoError(t, f.engine.HandleMessage(ctx, tk, Message{ID: "m9", Author: "bob", Body: addr}))
	require.Equal(t, domain.StageCompleted, tk.Stage)
	require.Equal(t, domain.StatusCompleted, txn.Status)
	require.Equal(t, "cafebabe", txn.Wallet.Txid)
}

func TestRefundPaysTheSender(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	ctx := context.Background()
	txn := f.toPending(t, tk)
	f.fund(t, tk, txn)

	require.NoError(t, f.engine.CastFinalizeVote(ctx, tk, "alice", domain.VerdictRefund, false))
	require.NoError(t, f.engine.CastFinalizeVote(ctx, tk, "bob", domain.VerdictRefund, false))
	require.Equal(t, "alice", tk.Result)
}

func TestFinalizeVoteConflictDoesNotAdvance(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	ctx := context.Background()
	txn := f.toPending(t, tk)
	f.fund(t, tk, txn)

	require.NoError(t, f.engine.CastFinalizeVote(ctx, tk, "alice", domain.VerdictComplete, false))
	require.NoError(t, f.engine.CastFinalizeVote(ctx, tk, "bob", domain.VerdictRefund, false))
	require.Equal(t, domain.StageOngoing, tk.Stage)

	require.NoError(t, f.engine.CastFinalizeVote(ctx, tk, "bob", "", true))
	require.Empty(t, tk.User2.Verdict)
}

func TestCloseVotesCancelPendingTransaction(t *testing.T) {
	f := newFixture(t, Config{CloseDelay: 10 * time.Millisecond})
	tk := f.newTicket(t)
	ctx := context.Background()
	txn := f.toPending(t, tk)

	voted, err := f.engine.VoteClose(ctx, tk, "alice")
	require.NoError(t, err)
	require.True(t, voted)
	_, err = f.engine.VoteClose(ctx, tk, "bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.engine.mu.Lock()
		defer f.engine.mu.Unlock()
		return tk.Closed
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return txn.Status == domain.StatusCancelled
	}, time.Second, 5*time.Millisecond)
}

func TestCloseVoteToggles(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	ctx := context.Background()
	require.True(t, f.engine.Ready(ctx, tk))

	voted, err := f.engine.VoteClose(ctx, tk, "alice")
	require.NoError(t, err)
	require.True(t, voted)
	voted, err = f.engine.VoteClose(ctx, tk, "alice")
	require.NoError(t, err)
	require.False(t, voted)
	require.False(t, tk.Closed)
	require.False(t, tk.Closing)
}

func TestCloseForbiddenWhileFundsHeld(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	txn := f.toPending(t, tk)
	f.fund(t, tk, txn)

	_, err := f.engine.VoteClose(context.Background(), tk, "alice")
	require.ErrorIs(t, err, ErrCannotClose)
}

func TestKickVotesRemoveExtras(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	f.toVoteCrypto(t, tk)
	ctx := context.Background()

	_, err := f.engine.VoteKick(ctx, tk, "alice")
	require.NoError(t, err)
	require.Nil(t, f.transport.Kicked("room-1"))

	_, err = f.engine.VoteKick(ctx, tk, "bob")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, f.transport.Kicked("room-1"))
	require.False(t, tk.User1.VoteKick, "votes reset after the kick")
}

func TestCreationCooldown(t *testing.T) {
	f := newFixture(t, Config{CreationCooldown: time.Hour})
	ctx := context.Background()

	_, err := f.engine.CreateTicket(ctx, domain.OriginTelegram, "room-1", "alice")
	require.NoError(t, err)
	_, err = f.engine.CreateTicket(ctx, domain.OriginTelegram, "room-2", "alice")
	require.ErrorIs(t, err, ErrCreationCooldown)
}

func TestUnpaidTicketCap(t *testing.T) {
	f := newFixture(t, Config{CreationCooldown: time.Nanosecond, MaxUnpaid: 1})
	ctx := context.Background()

	_, err := f.engine.CreateTicket(ctx, domain.OriginTelegram, "room-1", "alice")
	require.NoError(t, err)
	_, err = f.engine.CreateTicket(ctx, domain.OriginTelegram, "room-2", "alice")
	require.ErrorIs(t, err, ErrTooManyOpen)
}

func TestCloseInactiveSkipsFundedTickets(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	stale := f.newTicket(t)
	stale.LastActivity = time.Now().Add(-10 * time.Minute).UnixMilli()

	funded, err := f.engine.CreateTicket(ctx, domain.OriginDiscord, "room-2", "carol")
	require.NoError(t, err)
	txn := func() *ledger.Transaction {
		require.True(t, f.engine.Ready(ctx, funded))
		require.NoError(t, f.engine.HandleMessage(ctx, funded, Message{ID: "j1", Author: "bob", Body: "hi"}))
		require.NoError(t, f.engine.HandleMessage(ctx, funded, Message{ID: "j2", Author: "carol", Body: "deal"}))
		require.Equal(t, domain.StageVoteCrypto, funded.Stage)
		require.NoError(t, f.engine.VoteCrypto(ctx, funded, "carol", domain.BTC, false))
		require.NoError(t, f.engine.VoteCrypto(ctx, funded, "bob", domain.BTC, false))
		require.NoError(t, f.engine.SelectRole(ctx, funded, "carol", domain.RoleSender, false))
		require.NoError(t, f.engine.SelectRole(ctx, funded, "bob", domain.RoleReceiver, false))
		require.NoError(t, f.engine.HandleMessage(ctx, funded, Message{ID: "f1", Author: "carol", Body: "100"}))
		require.NoError(t, f.engine.AcceptValue(ctx, funded, "bob"))
		txn, err := f.ledger.Get(ctx, *funded.Tid)
		require.NoError(t, err)
		return txn
	}()
	f.fund(t, funded, txn)
	funded.LastActivity = time.Now().Add(-100 * time.Hour).UnixMilli()

	f.engine.CloseInactive(ctx, time.Now())
	require.True(t, stale.Closed, "stale waiting ticket is reaped")
	require.False(t, funded.Closed, "fund-holding ticket is never auto-closed")
}

func TestCloseInactiveSkipsPartialTransactions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	tk := f.newTicket(t)
	txn := f.toPending(t, tk)

	f.network.setBalance(txn.Wallet.Address, txn.Amount/2)
	f.ledger.CheckUpdates(ctx, txn)
	require.Equal(t, domain.StatusPartial, txn.Status)

	tk.LastActivity = time.Now().Add(-100 * time.Hour).UnixMilli()
	f.engine.CloseInactive(ctx, time.Now())
	require.False(t, tk.Closed)
}

func TestLoadOpenRestoresTickets(t *testing.T) {
	f := newFixture(t, Config{})
	tk := f.newTicket(t)
	require.True(t, f.engine.Ready(context.Background(), tk))
	time.Sleep(50 * time.Millisecond)

	restarted := New(f.store, f.ledger, f.transport, f.engine.writes, Config{}, zap.NewNop())
	require.NoError(t, restarted.LoadOpen(context.Background()))
	loaded, err := restarted.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageUserWait, loaded.Stage)
}
