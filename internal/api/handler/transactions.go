package handler

import (
	"errors"
	"net/http"

	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/ledger"
	"github.com/ghaph/auto-middleman/internal/store"
)

// TransactionHandler serves the operator view of the escrow ledger.
type TransactionHandler struct {
	ledger *ledger.Ledger
	store  store.Store
}

func NewTransactionHandler(lg *ledger.Ledger, st store.Store) *TransactionHandler {
	return &TransactionHandler{ledger: lg, store: st}
}

// List returns transactions, optionally filtered by status and crypto.
func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter["status"] = status
	}
	if crypto := r.URL.Query().Get("crypto"); crypto != "" {
		if !domain.CryptoType(crypto).Valid() {
			RespondError(w, r, http.StatusBadRequest, "transactions/unknown-crypto", "unknown crypto "+crypto)
			return
		}
		filter["crypto"] = crypto
	}

	var txns []ledger.Transaction
	if err := h.store.FindAll(r.Context(), store.Transactions, filter, &txns); err != nil {
		RespondError(w, r, http.StatusInternalServerError, "transactions/list-failed", "failed to list transactions")
		return
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	RespondJSON(w, http.StatusOK, txns)
}

// Get returns a single transaction by id.
func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "transactions/invalid-id", "transaction id must be a non-negative integer")
		return
	}
	txn, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			RespondError(w, r, http.StatusNotFound, "transactions/not-found", "transaction not found")
			return
		}
		RespondError(w, r, http.StatusInternalServerError, "transactions/get-failed", "failed to load transaction")
		return
	}
	RespondJSON(w, http.StatusOK, txn)
}

type finalizeRequest struct {
	Address string `json:"address"`
	Outcome string `json:"outcome"`
	Force   bool   `json:"force"`
}

// Finalize pays out or refunds a transaction on behalf of an operator.
func (h *TransactionHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "transactions/invalid-id", "transaction id must be a non-negative integer")
		return
	}

	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "transactions/invalid-body", "invalid request body")
		return
	}
	outcome := domain.Status(req.Outcome)
	if outcome != domain.StatusCompleted && outcome != domain.StatusRefunded {
		RespondError(w, r, http.StatusBadRequest, "transactions/invalid-outcome", "outcome must be completed or refunded")
		return
	}
	if !domain.IsValidAddress(req.Address) {
		RespondError(w, r, http.StatusBadRequest, "transactions/invalid-address", "payout address is not valid")
		return
	}

	txn, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			RespondError(w, r, http.StatusNotFound, "transactions/not-found", "transaction not found")
			return
		}
		RespondError(w, r, http.StatusInternalServerError, "transactions/get-failed", "failed to load transaction")
		return
	}

	if err := h.ledger.Finalize(r.Context(), txn, req.Address, outcome, req.Force); err != nil {
		switch {
		case errors.Is(err, ledger.ErrAlreadyFinal):
			RespondError(w, r, http.StatusConflict, "transactions/already-final", "transaction is already finalized")
		case errors.Is(err, ledger.ErrNotFunded):
			RespondError(w, r, http.StatusConflict, "transactions/not-funded", "transaction is not fully funded")
		case errors.Is(err, ledger.ErrInsufficientBalance):
			RespondError(w, r, http.StatusConflict, "transactions/insufficient-balance", "escrow wallet balance is below the deal amount")
		default:
			RespondError(w, r, http.StatusBadGateway, "transactions/payout-failed", "payout broadcast failed")
		}
		return
	}

	RespondJSON(w, http.StatusOK, txn)
}
