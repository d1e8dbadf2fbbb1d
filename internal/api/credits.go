package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/ledger"
	"github.com/snarg/scribe-engine/internal/metrics"
)

// CreditsHandler serves balance and transaction reads plus the internal
// grant endpoint used by payment webhooks and operators.
type CreditsHandler struct {
	ledger *ledger.Ledger
	log    zerolog.Logger
}

func NewCreditsHandler(led *ledger.Ledger, log zerolog.Logger) *CreditsHandler {
	return &CreditsHandler{
		ledger: led,
		log:    log.With().Str("handler", "credits").Logger(),
	}
}

// Routes registers the user-facing credit endpoints.
func (h *CreditsHandler) Routes(r chi.Router) {
	r.Get("/balance", h.Balance)
	r.Get("/transactions", h.Transactions)
}

// Balance handles GET /api/v1/credits/balance. Users without an account
// row simply have nothing yet, so they read as zero.
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.GetBalance(r.Context(), UserID(r))
	if err != nil && !errors.Is(err, ledger.ErrNoAccount) {
		h.log.Error().Err(err).Msg("balance lookup failed")
		WriteError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

// Transactions handles GET /api/v1/credits/transactions.
func (h *CreditsHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := QueryInt(r, "limit")

	txs, err := h.ledger.ListTransactions(r.Context(), UserID(r), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("listing transactions failed")
		WriteError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// grantRequest is the internal grant/debit payload. Amount is signed:
// positive credits, negative debits.
type grantRequest struct {
	UserID      string            `json:"user_id"`
	Amount      int64             `json:"amount"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	DedupKey    string            `json:"dedup_key"`
	Metadata    map[string]string `json:"metadata"`
}

// Grant handles POST /api/v1/internal/credits/grant. Replays carrying a
// known dedup key return the prior transaction with applied=false.
func (h *CreditsHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Amount == 0 {
		WriteError(w, http.StatusBadRequest, "amount must be non-zero")
		return
	}
	txType := ledger.TransactionType(req.Type)
	if !ledger.ValidType(txType) {
		WriteError(w, http.StatusBadRequest, "unknown transaction type")
		return
	}

	opts := ledger.EntryOpts{
		Description: req.Description,
		DedupKey:    req.DedupKey,
		Metadata:    req.Metadata,
	}

	var res ledger.Result
	var err error
	if req.Amount > 0 {
		res, err = h.ledger.Credit(r.Context(), req.UserID, req.Amount, txType, opts)
	} else {
		res, err = h.ledger.Debit(r.Context(), req.UserID, -req.Amount, txType, opts)
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		WriteError(w, http.StatusPaymentRequired, "insufficient credits")
		return
	case err != nil:
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("credit grant failed")
		WriteError(w, http.StatusInternalServerError, "failed to apply transaction")
		return
	}

	if res.Applied && req.Amount > 0 {
		metrics.CreditsGrantedTotal.Add(float64(req.Amount))
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"transaction": res.Transaction,
		"applied":     res.Applied,
	})
}
