/**
 * @description
 * This file sets up the HTTP router for the exchange-service. It defines the API
 * endpoints, associates them with their handlers, and applies middleware for
 * logging, recovery, metrics and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and standard middleware.
 * - github.com/go-chi/cors: CORS for the web client.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes creates the router for the exchange service.
func Routes(h *Handlers, auth AuthConfig, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(instrument)
	// cors treats an empty origin list as "allow all"; without configured origins
	// no cross-origin access is granted.
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Authenticated by signature, not by user token.
		r.Post("/webhooks/payments", h.PaymentWebhookHandler)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(auth))

			r.Get("/tokens", h.ListTokensHandler)
			r.Post("/purchases", h.PurchaseHandler)

			r.Post("/payments", h.InitiatePaymentHandler)
			r.Post("/payments/checkout", h.InitiateCheckoutHandler)
			r.Get("/payments/{providerPaymentID}", h.PaymentStatusHandler)

			r.Get("/me/balances", h.BalancesHandler)
			r.Get("/me/holdings", h.HoldingsHandler)
			r.Get("/me/transactions", h.TransactionsHandler)
			r.Get("/me/notifications", h.NotificationsHandler)

			r.Post("/withdrawals", h.CreateWithdrawalHandler)
			r.Get("/withdrawals", h.ListWithdrawalsHandler)

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawalHandler)
				r.Post("/withdrawals/{id}/reject", h.RejectWithdrawalHandler)
				r.Get("/users/{userID}/audit", h.AuditUserHandler)
			})
		})
	})

	return r
}
