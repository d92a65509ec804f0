package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/internal/store"
	"github.com/romapay/exchange-service/pkg/mercadopago"
	"github.com/shopspring/decimal"
)

// PaymentGateway is satisfied by *mercadopago.Client.
type PaymentGateway interface {
	CreatePixPayment(ctx context.Context, in mercadopago.CreatePixPaymentRequest) (*mercadopago.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*mercadopago.Payment, error)
}

// RateLimiter is satisfied by *RedisPollLimiter.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitedError reports how long the caller should wait. It matches
// domain.ErrRateLimited with errors.Is.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == domain.ErrRateLimited
}

// ReconcilerConfig holds the payment rules.
type ReconcilerConfig struct {
	MinCredits             int64
	CreditUnitPrice        decimal.Decimal
	PaymentExpiry          time.Duration
	HonorLateApproval      bool
	NotificationURL        string
	PollRateLimitPerMinute int
	GatewayRetries         int
}

type providerOutcome int

const (
	outcomeUnknown providerOutcome = iota
	outcomeWait
	outcomeApprove
	outcomeFail
)

func classifyProviderStatus(status string) providerOutcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case mercadopago.StatusApproved:
		return outcomeApprove
	case mercadopago.StatusRejected, mercadopago.StatusCancelled, mercadopago.StatusRefunded, mercadopago.StatusChargedBack:
		return outcomeFail
	case mercadopago.StatusPending, mercadopago.StatusInProcess, mercadopago.StatusAuthorized, mercadopago.StatusInMediation:
		return outcomeWait
	}
	return outcomeUnknown
}

func topupKey(providerPaymentID string) string {
	return "topup:" + providerPaymentID
}

const localTransitionTimeout = 10 * time.Second

// Reconciler turns provider payment confirmations into exactly one credit grant per
// provider payment id. Webhooks and client polls converge on the same
// compare-and-set transition.
type Reconciler struct {
	repo         store.Repository
	ledger       *Ledger
	gateway      PaymentGateway
	checkout     CheckoutGateway
	checkoutCfg  CheckoutConfig
	limiter      RateLimiter
	observer     BalanceObserver
	notifier     UserNotifier
	logger       *slog.Logger
	cfg          ReconcilerConfig
	now          func() time.Time
	retryInitial time.Duration
}

func NewReconciler(
	repo store.Repository,
	ledger *Ledger,
	gateway PaymentGateway,
	observer BalanceObserver,
	notifier UserNotifier,
	logger *slog.Logger,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.PaymentExpiry <= 0 {
		cfg.PaymentExpiry = 15 * time.Minute
	}
	if cfg.CreditUnitPrice.LessThanOrEqual(decimal.Zero) {
		cfg.CreditUnitPrice = decimal.NewFromInt(1)
	}
	if cfg.MinCredits <= 0 {
		cfg.MinCredits = 1
	}
	return &Reconciler{
		repo:         repo,
		ledger:       ledger,
		gateway:      gateway,
		observer:     observer,
		notifier:     notifier,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		retryInitial: 200 * time.Millisecond,
	}
}

// SetRateLimiter enables per-user throttling of status polls.
func (r *Reconciler) SetRateLimiter(limiter RateLimiter) {
	r.limiter = limiter
}

// InitiatePayment opens a PIX charge for creditsAmount credits and records it as
// a pending payment request.
func (r *Reconciler) InitiatePayment(ctx context.Context, userID string, req domain.InitiatePaymentRequest) (*domain.InitiatePaymentResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidRequest)
	}
	if req.CreditsAmount < r.cfg.MinCredits {
		return nil, fmt.Errorf("%w: minimum purchase is %d credits", domain.ErrInvalidAmount, r.cfg.MinCredits)
	}
	email := strings.TrimSpace(req.Payer.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: payer email is required", domain.ErrInvalidRequest)
	}

	now := r.now()
	amount := r.cfg.CreditUnitPrice.Mul(decimal.NewFromInt(req.CreditsAmount)).Round(2)
	reference := fmt.Sprintf("PIX_%s_%d", userID, now.UnixMilli())
	expiresAt := now.Add(r.cfg.PaymentExpiry)
	firstName, lastName := splitName(req.Payer.Name)

	var payment *mercadopago.Payment
	err := retryTransient(ctx, r.cfg.GatewayRetries, r.retryInitial, mercadopago.IsTemporary,
		func(err error, wait time.Duration) {
			r.logger.Warn("payment creation failed; retrying", "user_id", userID, "wait", wait, "error", err)
		},
		func() error {
			p, err := r.gateway.CreatePixPayment(ctx, mercadopago.CreatePixPaymentRequest{
				Amount:            amount,
				Description:       fmt.Sprintf("%d credits", req.CreditsAmount),
				PayerEmail:        email,
				PayerFirstName:    firstName,
				PayerLastName:     lastName,
				PayerCPF:          req.Payer.CPF,
				ExternalReference: reference,
				NotificationURL:   r.cfg.NotificationURL,
				ExpiresAt:         expiresAt,
				IdempotencyKey:    reference,
			})
			if err != nil {
				return err
			}
			payment = p
			return nil
		},
	)
	if err != nil {
		r.logger.Error("payment creation failed", "user_id", userID, "credits", req.CreditsAmount, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	providerID := strings.TrimSpace(payment.ID.String())
	if providerID == "" {
		return nil, fmt.Errorf("%w: gateway returned no payment id", domain.ErrGatewayUnavailable)
	}

	pr := &domain.PaymentRequest{
		ID:                uuid.New(),
		UserID:            userID,
		ProviderPaymentID: providerID,
		Provider:          domain.ProviderPix,
		CreditsRequested:  req.CreditsAmount,
		Amount:            amount,
		Status:            domain.PaymentPending,
		QRCode:            payment.PointOfInteraction.TransactionData.QRCode,
		QRCodeBase64:      payment.PointOfInteraction.TransactionData.QRCodeBase64,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// The charge already exists at the gateway; record it even if the caller left.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), localTransitionTimeout)
	defer cancel()
	if err := r.repo.CreatePaymentRequest(recordCtx, pr); err != nil {
		r.logger.Error("payment created at gateway but not recorded", "provider_payment_id", providerID, "user_id", userID, "error", err)
		return nil, fmt.Errorf("record payment request: %w", err)
	}

	r.logger.Info("payment initiated", "provider_payment_id", providerID, "user_id", userID, "credits", req.CreditsAmount, "amount", amount.StringFixed(2))
	return &domain.InitiatePaymentResponse{
		ProviderPaymentID: providerID,
		QRCode:            pr.QRCode,
		QRCodeBase64:      pr.QRCodeBase64,
		Amount:            amount,
		CreditsAmount:     req.CreditsAmount,
		ExpiresInSeconds:  int64(r.cfg.PaymentExpiry / time.Second),
		ExpiresAt:         expiresAt,
	}, nil
}

// HandleWebhook processes a provider notification. The payload is only a hint; the
// authoritative status is fetched from the gateway. Notifications that need no
// action return nil.
func (r *Reconciler) HandleWebhook(ctx context.Context, n domain.PaymentNotification) error {
	if !strings.EqualFold(strings.TrimSpace(n.Type), "payment") {
		reconcileTotal.WithLabelValues("webhook", "ignored").Inc()
		r.logger.Debug("ignoring non-payment notification", "type", n.Type, "action", n.Action)
		return nil
	}
	providerID := n.Data.ID.String()
	if providerID == "" {
		return fmt.Errorf("%w: notification without payment id", domain.ErrInvalidRequest)
	}

	payment, err := r.fetchPayment(ctx, providerID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			reconcileTotal.WithLabelValues("webhook", "unknown_payment").Inc()
			r.logger.Warn("gateway does not know notified payment", "provider_payment_id", providerID)
			return nil
		}
		return err
	}

	if _, err := r.reconcile(ctx, providerID, classifyProviderStatus(payment.Status), payment.Status, "webhook"); err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			r.logger.Warn("notification for unrecorded payment", "provider_payment_id", providerID, "status", payment.Status)
			return nil
		}
		return err
	}
	return nil
}

// PollStatus returns the user's payment request, consulting the gateway while it
// is still open.
func (r *Reconciler) PollStatus(ctx context.Context, providerPaymentID, userID string) (*domain.PaymentRequest, error) {
	providerPaymentID = strings.TrimSpace(providerPaymentID)
	if providerPaymentID == "" || strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: payment id and user are required", domain.ErrInvalidRequest)
	}
	if err := r.consumePollBudget(ctx, userID); err != nil {
		return nil, err
	}

	pr, err := r.repo.GetPaymentByProviderID(ctx, providerPaymentID)
	if err != nil {
		return nil, err
	}
	if pr.UserID != userID {
		return nil, domain.ErrPaymentNotFound
	}
	if pr.Status.Terminal() {
		return pr, nil
	}
	if pr.Status == domain.PaymentExpired && !r.cfg.HonorLateApproval {
		return pr, nil
	}

	outcome, providerStatus, err := r.lookupProvider(ctx, pr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Warn("payment status lookup failed; serving local state", "provider_payment_id", providerPaymentID, "error", err)
		return r.expireIfDue(ctx, pr)
	}

	// The gateway answer is in hand; finish the local transition even if the
	// client disconnects.
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), localTransitionTimeout)
	defer cancel()

	updated, err := r.reconcile(txCtx, providerPaymentID, outcome, providerStatus, "poll")
	if err != nil {
		return nil, err
	}
	return r.expireIfDue(txCtx, updated)
}

// lookupProvider asks the gateway the request was opened on for its current verdict.
func (r *Reconciler) lookupProvider(ctx context.Context, pr *domain.PaymentRequest) (providerOutcome, string, error) {
	if pr.Provider == domain.ProviderCard {
		session, err := r.fetchCheckoutSession(ctx, pr.ProviderPaymentID)
		if err != nil {
			return outcomeUnknown, "", err
		}
		return r.classifyCheckout(session, pr), checkoutStatusLabel(session), nil
	}
	payment, err := r.fetchPayment(ctx, pr.ProviderPaymentID)
	if err != nil {
		return outcomeUnknown, "", err
	}
	return classifyProviderStatus(payment.Status), payment.Status, nil
}

func (r *Reconciler) consumePollBudget(ctx context.Context, userID string) error {
	limit := r.cfg.PollRateLimitPerMinute
	if r.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := r.limiter.ConsumeRateLimit(ctx, "payment_status", userID, limit, time.Minute)
	if err != nil {
		r.logger.Warn("rate limiter unavailable; allowing poll", "user_id", userID, "error", err)
		return nil
	}
	if count > limit {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// SweepExpired moves pending requests past their expiry to expired.
func (r *Reconciler) SweepExpired(ctx context.Context) (int64, error) {
	n, err := r.repo.ExpirePendingPayments(ctx, r.now())
	if err != nil {
		return 0, err
	}
	paymentsExpired.Add(float64(n))
	return n, nil
}

func (r *Reconciler) fetchPayment(ctx context.Context, providerPaymentID string) (*mercadopago.Payment, error) {
	var payment *mercadopago.Payment
	err := retryTransient(ctx, r.cfg.GatewayRetries, r.retryInitial, mercadopago.IsTemporary,
		func(err error, wait time.Duration) {
			r.logger.Warn("payment lookup failed; retrying", "provider_payment_id", providerPaymentID, "wait", wait, "error", err)
		},
		func() error {
			p, err := r.gateway.GetPayment(ctx, providerPaymentID)
			if err != nil {
				return err
			}
			payment = p
			return nil
		},
	)
	if err != nil {
		var apiErr *mercadopago.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: gateway has no payment %s", domain.ErrPaymentNotFound, providerPaymentID)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	return payment, nil
}

// reconcile applies a provider status to the local request and returns the
// resulting local state.
func (r *Reconciler) reconcile(ctx context.Context, providerPaymentID string, outcome providerOutcome, providerStatus, source string) (*domain.PaymentRequest, error) {
	switch outcome {
	case outcomeApprove:
		return r.complete(ctx, providerPaymentID, source)
	case outcomeFail:
		return r.fail(ctx, providerPaymentID, providerStatus, source)
	case outcomeWait:
		reconcileTotal.WithLabelValues(source, "waiting").Inc()
	default:
		reconcileTotal.WithLabelValues(source, "unknown_status").Inc()
		r.logger.Warn("unrecognized provider status; leaving request open", "provider_payment_id", providerPaymentID, "status", providerStatus, "source", source)
	}
	return r.repo.GetPaymentByProviderID(ctx, providerPaymentID)
}

func (r *Reconciler) complete(ctx context.Context, providerPaymentID, source string) (*domain.PaymentRequest, error) {
	allowed := []domain.PaymentStatus{domain.PaymentPending}
	if r.cfg.HonorLateApproval {
		allowed = append(allowed, domain.PaymentExpired)
	}

	var completed *domain.PaymentRequest
	var balances domain.Balances
	err := retryTransient(ctx, 3, 25*time.Millisecond,
		func(err error) bool { return errors.Is(err, domain.ErrTransientConflict) }, nil,
		func() error {
			return r.repo.RunInTx(ctx, func(tx store.Tx) error {
				pr, err := tx.TransitionPaymentStatus(ctx, providerPaymentID, allowed, domain.PaymentCompleted, r.now())
				if err != nil {
					return err
				}
				bal, err := r.ledger.ApplyDelta(ctx, tx, domain.Delta{
					UserID:         pr.UserID,
					Credits:        pr.CreditsRequested,
					Kind:           domain.KindCreditTopup,
					Description:    fmt.Sprintf("%s payment %s", channelLabel(pr.Provider), providerPaymentID),
					IdempotencyKey: topupKey(providerPaymentID),
				})
				if err != nil {
					return err
				}
				completed, balances = pr, bal
				return nil
			})
		},
	)

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPaymentStateConflict), errors.Is(err, domain.ErrDuplicateApplication):
		reconcileTotal.WithLabelValues(source, "already_processed").Inc()
		return r.repo.GetPaymentByProviderID(ctx, providerPaymentID)
	case errors.Is(err, domain.ErrPaymentNotFound):
		reconcileTotal.WithLabelValues(source, "unknown_payment").Inc()
		return nil, err
	default:
		reconcileTotal.WithLabelValues(source, "error").Inc()
		r.logger.Error("payment completion failed", "provider_payment_id", providerPaymentID, "source", source, "error", err)
		return nil, err
	}

	reconcileTotal.WithLabelValues(source, "completed").Inc()
	creditsGranted.Add(float64(completed.CreditsRequested))
	r.logger.Info("payment completed",
		"provider_payment_id", providerPaymentID,
		"user_id", completed.UserID,
		"credits", completed.CreditsRequested,
		"provider", completed.Provider,
		"source", source,
	)

	if r.observer != nil {
		r.observer.BalancesChanged(ctx, []domain.BalanceChange{{
			UserID:  completed.UserID,
			Kind:    domain.KindCreditTopup,
			Credits: balances.Credits,
			Score:   balances.Score,
		}})
	}
	if r.notifier != nil {
		r.notifier.Notify(ctx, domain.RoutingKeyPaymentCompleted, completed.UserID,
			"Payment confirmed",
			fmt.Sprintf("Your %s payment was approved and %d credits were added to your balance.", channelLabel(completed.Provider), completed.CreditsRequested))
	}
	return completed, nil
}

func (r *Reconciler) fail(ctx context.Context, providerPaymentID, providerStatus, source string) (*domain.PaymentRequest, error) {
	var failed *domain.PaymentRequest
	err := r.repo.RunInTx(ctx, func(tx store.Tx) error {
		pr, err := tx.TransitionPaymentStatus(ctx, providerPaymentID,
			[]domain.PaymentStatus{domain.PaymentPending, domain.PaymentExpired}, domain.PaymentFailed, r.now())
		if err != nil {
			return err
		}
		failed = pr
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPaymentStateConflict):
		reconcileTotal.WithLabelValues(source, "already_processed").Inc()
		return r.repo.GetPaymentByProviderID(ctx, providerPaymentID)
	default:
		return nil, err
	}

	reconcileTotal.WithLabelValues(source, "failed").Inc()
	r.logger.Info("payment failed", "provider_payment_id", providerPaymentID, "user_id", failed.UserID, "status", providerStatus, "source", source)
	if r.notifier != nil {
		r.notifier.Notify(ctx, domain.RoutingKeyPaymentFailed, failed.UserID,
			"Payment not completed",
			fmt.Sprintf("Your %s payment was not approved. No credits were charged.", channelLabel(failed.Provider)))
	}
	return failed, nil
}

// expireIfDue lazily expires a pending request whose window has passed.
func (r *Reconciler) expireIfDue(ctx context.Context, pr *domain.PaymentRequest) (*domain.PaymentRequest, error) {
	if pr.Status != domain.PaymentPending || r.now().Before(pr.ExpiresAt) {
		return pr, nil
	}
	var expired *domain.PaymentRequest
	err := r.repo.RunInTx(ctx, func(tx store.Tx) error {
		p, err := tx.TransitionPaymentStatus(ctx, pr.ProviderPaymentID,
			[]domain.PaymentStatus{domain.PaymentPending}, domain.PaymentExpired, r.now())
		if err != nil {
			return err
		}
		expired = p
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrPaymentStateConflict) {
			return r.repo.GetPaymentByProviderID(ctx, pr.ProviderPaymentID)
		}
		return nil, err
	}
	paymentsExpired.Inc()
	return expired, nil
}

func channelLabel(p domain.PaymentProvider) string {
	if p == domain.ProviderCard {
		return "card"
	}
	return "PIX"
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
