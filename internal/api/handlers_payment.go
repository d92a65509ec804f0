package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/romapay/exchange-service/internal/domain"
)

// InitiatePaymentHandler opens a PIX charge for credits.
func (h *Handlers) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req domain.InitiatePaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.reconciler.InitiatePayment(r.Context(), userID, req)
	if err != nil {
		writeServiceError(w, "initiate_payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// InitiateCheckoutHandler opens a hosted card checkout session for credits.
func (h *Handlers) InitiateCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req domain.InitiateCheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.reconciler.InitiateCheckout(r.Context(), userID, req)
	if err != nil {
		writeServiceError(w, "initiate_checkout", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// PaymentStatusHandler is polled by the client while the QR code or checkout page
// is displayed.
func (h *Handlers) PaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	providerID := chi.URLParam(r, "providerPaymentID")

	pr, err := h.reconciler.PollStatus(r.Context(), providerID, userID)
	if err != nil {
		writeServiceError(w, "payment_status", err)
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

// PaymentWebhookHandler receives gateway notifications. Anything the service
// handled or chose to ignore is acknowledged with 200; only failures worth a
// redelivery answer 500.
func (h *Handlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	var n domain.PaymentNotification
	if len(body) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
	}
	// Some notifications carry their fields only in the query string. When both
	// places name a payment they must agree, since only one id is signed.
	q := r.URL.Query()
	if n.Type == "" {
		n.Type = firstNonEmpty(q.Get("type"), q.Get("topic"))
	}
	queryID := firstNonEmpty(q.Get("data.id"), q.Get("id"))
	bodyID := strings.TrimSpace(n.Data.ID.String())
	if queryID != "" && bodyID != "" && queryID != bodyID {
		log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject reason=id_mismatch query_id=%s body_id=%s", queryID, bodyID)
		writeJSONError(w, http.StatusBadRequest, "Payment id in query and body differ")
		return
	}
	paymentID := firstNonEmpty(bodyID, queryID)
	n.Data.ID = domain.FlexibleID(paymentID)

	if h.webhookSecret != "" {
		err := verifyPaymentSignature(h.webhookSecret, r.Header.Get("x-signature"), r.Header.Get("x-request-id"), paymentID, h.now())
		if err != nil {
			reason := "invalid_signature"
			if errors.Is(err, errStaleSignature) {
				reason = "stale_signature"
			}
			log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject reason=%s payment_id=%s", reason, paymentID)
			writeJSONError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
	}

	if err := h.reconciler.HandleWebhook(r.Context(), n); err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=payment_webhook payment_id=%s err=%v", n.Data.ID, err)
		writeJSONError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
