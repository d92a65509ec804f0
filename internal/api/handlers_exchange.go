package api

import (
	"net/http"
	"strings"

	"github.com/romapay/exchange-service/internal/domain"
)

// ListTokensHandler returns the token catalog.
func (h *Handlers) ListTokensHandler(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.exchange.Catalog(r.Context())
	if err != nil {
		writeServiceError(w, "list_tokens", err)
		return
	}
	if tokens == nil {
		tokens = []domain.TokenDefinition{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

// PurchaseHandler executes a token exchange. The Idempotency-Key header is the
// request id; replays answer 200 with the original result, first executions 201.
func (h *Handlers) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	requestID := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if requestID == "" {
		writeJSONError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	var req domain.PurchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.exchange.Execute(r.Context(), domain.ExecuteRequest{
		BuyerID:   userID,
		TokenID:   req.TokenID,
		RequestID: requestID,
	})
	if err != nil {
		writeServiceError(w, "purchase", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// BalancesHandler returns the caller's credits and score.
func (h *Handlers) BalancesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	balances, err := h.ledger.GetBalances(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "balances", err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// HoldingsHandler returns the caller's token inventory.
func (h *Handlers) HoldingsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	holdings, err := h.exchange.Holdings(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "holdings", err)
		return
	}
	if holdings == nil {
		holdings = []domain.TokenHolding{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

// TransactionsHandler returns the caller's ledger history, newest first.
func (h *Handlers) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	history, err := h.ledger.History(r.Context(), userID, queryLimit(r, 50))
	if err != nil {
		writeServiceError(w, "transactions", err)
		return
	}
	if history == nil {
		history = []domain.LedgerTransaction{}
	}
	writeJSON(w, http.StatusOK, history)
}

// NotificationsHandler returns the caller's notifications, newest first.
func (h *Handlers) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	items, err := h.notifications.ListNotifications(r.Context(), userID, queryLimit(r, 50))
	if err != nil {
		writeServiceError(w, "notifications", err)
		return
	}
	if items == nil {
		items = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, items)
}
