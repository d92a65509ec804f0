/**
 * @description
 * This file contains the shared pieces of the exchange-service HTTP handlers: the
 * handler set itself, JSON helpers and the mapping from domain errors to status
 * codes. Endpoint handlers live in the handlers_*.go files.
 *
 * @dependencies
 * - internal/app: Application services the handlers call.
 * - internal/domain: Models and sentinel errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/romapay/exchange-service/internal/app"
	"github.com/romapay/exchange-service/internal/domain"
)

const maxBodyBytes = 1 << 20

// NotificationLister reads stored user notifications.
type NotificationLister interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}

// Handlers holds the application services the HTTP handlers use.
type Handlers struct {
	exchange      *app.ExchangeService
	ledger        *app.Ledger
	reconciler    *app.Reconciler
	withdrawals   *app.WithdrawalService
	notifications NotificationLister
	webhookSecret string
	now           func() time.Time
}

// NewHandlers creates the handler set. An empty webhookSecret disables webhook
// signature verification; configuration only allows that with the in-memory store.
func NewHandlers(
	exchange *app.ExchangeService,
	ledger *app.Ledger,
	reconciler *app.Reconciler,
	withdrawals *app.WithdrawalService,
	notifications NotificationLister,
	webhookSecret string,
) *Handlers {
	return &Handlers{
		exchange:      exchange,
		ledger:        ledger,
		reconciler:    reconciler,
		withdrawals:   withdrawals,
		notifications: notifications,
		webhookSecret: strings.TrimSpace(webhookSecret),
		now:           time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeJSONError is a helper for writing JSON error responses.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok || userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "Unauthenticated")
		return "", false
	}
	return userID, true
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// writeServiceError maps a domain error to a status code. Unexpected errors are
// logged and reported with an opaque message.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var limited *app.RateLimitedError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		writeJSONError(w, http.StatusTooManyRequests, "Too many requests. Please wait and try again.")
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidAmount):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientScore):
		writeJSONError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, domain.ErrInvalidToken):
		writeJSONError(w, http.StatusNotFound, "Token not found")
	case errors.Is(err, domain.ErrPaymentNotFound):
		writeJSONError(w, http.StatusNotFound, "Payment not found")
	case errors.Is(err, domain.ErrWithdrawalNotFound):
		writeJSONError(w, http.StatusNotFound, "Withdrawal not found")
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		writeJSONError(w, http.StatusUnprocessableEntity, "Idempotency-Key was already used for a different request")
	case errors.Is(err, domain.ErrPaymentStateConflict), errors.Is(err, domain.ErrWithdrawalStateConflict):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLockTimeout), errors.Is(err, domain.ErrTransientConflict):
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusServiceUnavailable, "The service is busy. Please retry.")
	case errors.Is(err, domain.ErrGatewayUnavailable):
		log.Printf("level=warn component=api endpoint=%s msg=\"payment gateway failure\" err=%v", endpoint, err)
		writeJSONError(w, http.StatusBadGateway, "Payment provider unavailable")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", endpoint, err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}
