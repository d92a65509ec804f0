package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/pkg/stripe"
	"github.com/shopspring/decimal"
)

// CheckoutGateway is satisfied by *stripe.Client.
type CheckoutGateway interface {
	CreateCheckoutSession(ctx context.Context, in stripe.CreateCheckoutSessionRequest) (*stripe.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
}

// CheckoutConfig holds the hosted card checkout settings.
type CheckoutConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
	Expiry     time.Duration
}

// The provider refuses sessions that expire sooner than 30 minutes or later than 24 hours.
const (
	minCheckoutExpiry = 30 * time.Minute
	maxCheckoutExpiry = 24 * time.Hour
)

// SetCheckoutGateway enables card purchases through hosted checkout sessions.
func (r *Reconciler) SetCheckoutGateway(gateway CheckoutGateway, cfg CheckoutConfig) {
	if cfg.Expiry < minCheckoutExpiry {
		cfg.Expiry = minCheckoutExpiry
	}
	if cfg.Expiry > maxCheckoutExpiry {
		cfg.Expiry = maxCheckoutExpiry
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "brl"
	}
	r.checkout = gateway
	r.checkoutCfg = cfg
}

// InitiateCheckout opens a card checkout session for creditsAmount credits and
// records it as a pending payment request keyed by the session id.
func (r *Reconciler) InitiateCheckout(ctx context.Context, userID string, req domain.InitiateCheckoutRequest) (*domain.InitiateCheckoutResponse, error) {
	if r.checkout == nil {
		return nil, fmt.Errorf("%w: card checkout is not configured", domain.ErrInvalidRequest)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidRequest)
	}
	if req.CreditsAmount < r.cfg.MinCredits {
		return nil, fmt.Errorf("%w: minimum purchase is %d credits", domain.ErrInvalidAmount, r.cfg.MinCredits)
	}

	now := r.now()
	amount := r.cfg.CreditUnitPrice.Mul(decimal.NewFromInt(req.CreditsAmount)).Round(2)
	reference := fmt.Sprintf("CARD_%s_%d", userID, now.UnixMilli())
	expiresAt := now.Add(r.checkoutCfg.Expiry)

	var session *stripe.CheckoutSession
	err := retryTransient(ctx, r.cfg.GatewayRetries, r.retryInitial, stripe.IsTemporary,
		func(err error, wait time.Duration) {
			r.logger.Warn("checkout session creation failed; retrying", "user_id", userID, "wait", wait, "error", err)
		},
		func() error {
			s, err := r.checkout.CreateCheckoutSession(ctx, stripe.CreateCheckoutSessionRequest{
				Amount:         amount,
				Currency:       r.checkoutCfg.Currency,
				Description:    fmt.Sprintf("%d credits", req.CreditsAmount),
				CreditsAmount:  req.CreditsAmount,
				UserID:         userID,
				SuccessURL:     r.checkoutCfg.SuccessURL,
				CancelURL:      r.checkoutCfg.CancelURL,
				ExpiresAt:      expiresAt,
				IdempotencyKey: reference,
			})
			if err != nil {
				return err
			}
			session = s
			return nil
		},
	)
	if err != nil {
		r.logger.Error("checkout session creation failed", "user_id", userID, "credits", req.CreditsAmount, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" || strings.TrimSpace(session.URL) == "" {
		return nil, fmt.Errorf("%w: gateway returned an incomplete checkout session", domain.ErrGatewayUnavailable)
	}

	pr := &domain.PaymentRequest{
		ID:                uuid.New(),
		UserID:            userID,
		ProviderPaymentID: sessionID,
		Provider:          domain.ProviderCard,
		CreditsRequested:  req.CreditsAmount,
		Amount:            amount,
		Status:            domain.PaymentPending,
		CheckoutURL:       session.URL,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), localTransitionTimeout)
	defer cancel()
	if err := r.repo.CreatePaymentRequest(recordCtx, pr); err != nil {
		r.logger.Error("checkout session created at gateway but not recorded", "provider_payment_id", sessionID, "user_id", userID, "error", err)
		return nil, fmt.Errorf("record payment request: %w", err)
	}

	r.logger.Info("checkout initiated", "provider_payment_id", sessionID, "user_id", userID, "credits", req.CreditsAmount, "amount", amount.StringFixed(2))
	return &domain.InitiateCheckoutResponse{
		ProviderPaymentID: sessionID,
		CheckoutURL:       session.URL,
		Amount:            amount,
		CreditsAmount:     req.CreditsAmount,
		ExpiresAt:         expiresAt,
	}, nil
}

func (r *Reconciler) fetchCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	if r.checkout == nil {
		return nil, fmt.Errorf("%w: card checkout is not configured", domain.ErrGatewayUnavailable)
	}
	var session *stripe.CheckoutSession
	err := retryTransient(ctx, r.cfg.GatewayRetries, r.retryInitial, stripe.IsTemporary,
		func(err error, wait time.Duration) {
			r.logger.Warn("checkout session lookup failed; retrying", "provider_payment_id", sessionID, "wait", wait, "error", err)
		},
		func() error {
			s, err := r.checkout.GetCheckoutSession(ctx, sessionID)
			if err != nil {
				return err
			}
			session = s
			return nil
		},
	)
	if err != nil {
		var apiErr *stripe.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: gateway has no checkout session %s", domain.ErrPaymentNotFound, sessionID)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	return session, nil
}

// classifyCheckout maps a session onto the reconcile outcomes. A paid session whose
// total disagrees with the recorded amount is left open for an operator.
func (r *Reconciler) classifyCheckout(s *stripe.CheckoutSession, pr *domain.PaymentRequest) providerOutcome {
	outcome := classifyCheckoutSession(s)
	if outcome == outcomeApprove && s.AmountTotal != 0 && s.AmountTotal != stripe.MinorUnits(pr.Amount) {
		r.logger.Error("paid checkout session total does not match request",
			"provider_payment_id", pr.ProviderPaymentID,
			"amount_total", s.AmountTotal,
			"expected", stripe.MinorUnits(pr.Amount),
		)
		return outcomeUnknown
	}
	return outcome
}

func classifyCheckoutSession(s *stripe.CheckoutSession) providerOutcome {
	if s == nil {
		return outcomeUnknown
	}
	if s.PaymentStatus == stripe.PaymentPaid {
		return outcomeApprove
	}
	switch s.Status {
	case stripe.SessionExpired:
		return outcomeFail
	case stripe.SessionOpen, stripe.SessionComplete:
		return outcomeWait
	}
	return outcomeUnknown
}

func checkoutStatusLabel(s *stripe.CheckoutSession) string {
	return s.Status + "/" + s.PaymentStatus
}
