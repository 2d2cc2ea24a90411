package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghaph/auto-middleman/internal/api/middleware"
	"github.com/ghaph/auto-middleman/internal/chain"
	"github.com/ghaph/auto-middleman/internal/chat"
	"github.com/ghaph/auto-middleman/internal/coalesce"
	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/ledger"
	"github.com/ghaph/auto-middleman/internal/pricefeed"
	"github.com/ghaph/auto-middleman/internal/store"
	"github.com/ghaph/auto-middleman/internal/ticket"
	"github.com/ghaph/auto-middleman/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const testSecret = "handler-test-secret"

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
	return "deadbeef", nil
}

type fixture struct {
	server  *httptest.Server
	ledger  *ledger.Ledger
	engine  *ticket.Engine
	network *stubNetwork
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	middleware.SetJWTSecret(testSecret)
	middleware.SetJWTValidation("", "")

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

	engine := ticket.New(mem, lg, chat.NewMock(), writes, ticket.Config{}, zap.NewNop())
	lg.Subscribe(engine.OnLedgerEvent)

	router := NewRouter(mem, nil, lg, engine, zap.NewNop())
	server := httptest.NewServer(router.Routes())

	t.Cleanup(func() {
		server.Close()
		lg.Close()
		writes.Close()
	})
	return &fixture{server: server, ledger: lg, engine: engine, network: network}
}

func signToken(t *testing.T, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "op-1",
		"role":    role,
		"sub":     "op-1",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	require.Equal(t, "ok", body["status"])

	resp = f.request(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransactionsRequireAuth(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/v1/transactions", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestListAndGetTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.ledger.Create(ctx, decimal.NewFromInt(100), domain.BTC,
		domain.Parties{Sender: "alice", Receiver: "bob"}, domain.OriginTelegram)
	require.NoError(t, err)

	token := signToken(t, "user")

	resp := f.request(t, http.MethodGet, "/v1/transactions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody[[]ledger.Transaction](t, resp)
	require.Len(t, listed, 1)
	require.Equal(t, txn.ID, listed[0].ID)

	resp = f.request(t, http.MethodGet, "/v1/transactions?status=completed", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, decodeBody[[]ledger.Transaction](t, resp))

	resp = f.request(t, http.MethodGet, "/v1/transactions/0", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[ledger.Transaction](t, resp)
	require.Equal(t, domain.StatusPending, got.Status)
	require.EqualValues(t, 200_000, got.Amount)

	resp = f.request(t, http.MethodGet, "/v1/transactions/99", token, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFinalizeRequiresAdminRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Create(ctx, decimal.NewFromInt(100), domain.BTC,
		domain.Parties{Sender: "alice", Receiver: "bob"}, domain.OriginTelegram)
	require.NoError(t, err)

	resp := f.request(t, http.MethodPost, "/v1/transactions/0/finalize", signToken(t, "user"),
		map[string]any{"address": "bc1qexampleaddressxxxxxxxx", "outcome": "completed"})
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestFinalizeGuardsAndForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.ledger.Create(ctx, decimal.NewFromInt(100), domain.BTC,
		domain.Parties{Sender: "alice", Receiver: "bob"}, domain.OriginTelegram)
	require.NoError(t, err)

	admin := signToken(t, "admin")
	payload := map[string]any{"address": "bc1qexampleaddressxxxxxxxx", "outcome": "completed"}

	// Still pending and unfunded, a plain finalize is refused.
	resp := f.request(t, http.MethodPost, "/v1/transactions/0/finalize", admin, payload)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Forcing skips the status guard but the escrow balance must still cover
	// the deal amount.
	payload["force"] = true
	resp = f.request(t, http.MethodPost, "/v1/transactions/0/finalize", admin, payload)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	f.network.setBalance(txn.Wallet.Address, txn.Amount)
	resp = f.request(t, http.MethodPost, "/v1/transactions/0/finalize", admin, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	finalized := decodeBody[ledger.Transaction](t, resp)
	require.Equal(t, domain.StatusCompleted, finalized.Status)
	require.Equal(t, "deadbeef", finalized.Wallet.Txid)
}

func TestFinalizeRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	admin := signToken(t, "admin")

	resp := f.request(t, http.MethodPost, "/v1/transactions/0/finalize", admin,
		map[string]any{"address": "bc1qexampleaddressxxxxxxxx", "outcome": "cancelled"})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/v1/transactions/0/finalize", admin,
		map[string]any{"address": "short", "outcome": "completed"})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTicketEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, err := f.engine.CreateTicket(ctx, domain.OriginTelegram, "room-1", "alice")
	require.NoError(t, err)

	token := signToken(t, "user")

	resp := f.request(t, http.MethodGet, "/v1/tickets", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	open := decodeBody[[]ticket.Ticket](t, resp)
	require.Len(t, open, 1)
	require.Equal(t, tk.ID, open[0].ID)

	resp = f.request(t, http.MethodGet, "/v1/tickets/0", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[ticket.Ticket](t, resp)
	require.Equal(t, domain.StageWaiting, got.Stage)

	resp = f.request(t, http.MethodGet, "/v1/tickets/42", token, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
