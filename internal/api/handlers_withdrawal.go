package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
)

// CreateWithdrawalHandler converts score into a pending PIX payout.
func (h *Handlers) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	requestID := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if requestID == "" {
		writeJSONError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}
	var req domain.CreateWithdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	wr, err := h.withdrawals.RequestWithdrawal(r.Context(), userID, requestID, req)
	if err != nil {
		writeServiceError(w, "create_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

// ListWithdrawalsHandler returns the caller's withdrawal requests.
func (h *Handlers) ListWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	items, err := h.withdrawals.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "list_withdrawals", err)
		return
	}
	if items == nil {
		items = []domain.WithdrawalRequest{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ApproveWithdrawalHandler is an admin action.
func (h *Handlers) ApproveWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	h.reviewWithdrawal(w, r, true)
}

// RejectWithdrawalHandler is an admin action; the points are restored.
func (h *Handlers) RejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	h.reviewWithdrawal(w, r, false)
}

func (h *Handlers) reviewWithdrawal(w http.ResponseWriter, r *http.Request, approve bool) {
	reviewer, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid withdrawal id")
		return
	}

	var wr *domain.WithdrawalRequest
	if approve {
		wr, err = h.withdrawals.Approve(r.Context(), id, reviewer)
	} else {
		wr, err = h.withdrawals.Reject(r.Context(), id, reviewer)
	}
	if err != nil {
		writeServiceError(w, "review_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// AuditUserHandler recomputes a user's balances from the ledger.
func (h *Handlers) AuditUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "User id is required")
		return
	}
	report, err := h.ledger.Audit(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "audit_user", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
