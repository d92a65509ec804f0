package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/app"
	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/internal/store"
	"github.com/romapay/exchange-service/pkg/mercadopago"
	"github.com/romapay/exchange-service/pkg/stripe"
	"github.com/shopspring/decimal"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testIssuer        = "https://auth.tokenex.test"
	testWebhookSecret = "test-webhook-secret"
)

type gatewayStub struct {
	mu     sync.Mutex
	status string
}

func (g *gatewayStub) CreatePixPayment(ctx context.Context, in mercadopago.CreatePixPaymentRequest) (*mercadopago.Payment, error) {
	p := &mercadopago.Payment{ID: json.Number("9001"), Status: mercadopago.StatusPending}
	p.PointOfInteraction.TransactionData.QRCode = "00020126pix"
	return p, nil
}

func (g *gatewayStub) GetPayment(ctx context.Context, paymentID string) (*mercadopago.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &mercadopago.Payment{ID: json.Number(paymentID), Status: g.status}, nil
}

type checkoutStub struct {
	mu            sync.Mutex
	paymentStatus string
}

func (c *checkoutStub) CreateCheckoutSession(ctx context.Context, in stripe.CreateCheckoutSessionRequest) (*stripe.CheckoutSession, error) {
	return &stripe.CheckoutSession{ID: "cs_test_7", URL: "https://checkout.stripe.com/c/pay/cs_test_7", Status: stripe.SessionOpen}, nil
}

func (c *checkoutStub) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := stripe.SessionOpen
	if c.paymentStatus == stripe.PaymentPaid {
		status = stripe.SessionComplete
	}
	return &stripe.CheckoutSession{ID: sessionID, Status: status, PaymentStatus: c.paymentStatus}, nil
}

// webhookClock is the fixed time the fixture verifies webhook timestamps against.
var webhookClock = time.Unix(1700000000, 0)

type apiFixture struct {
	repo     *store.MemoryRepository
	gateway  *gatewayStub
	checkout *checkoutStub
	handler  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemoryRepository()
	if err := store.SeedCatalog(context.Background(), repo, store.DefaultCatalog); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	gateway := &gatewayStub{status: mercadopago.StatusPending}

	ledger := app.NewLedger(repo)
	notifier := app.NewEventNotifier(nil, "", repo, logger)
	exchange := app.NewExchangeService(repo, ledger, app.NewLotteryResolver(nil), notifier, notifier, logger, 3)
	reconciler := app.NewReconciler(repo, ledger, gateway, notifier, notifier, logger, app.ReconcilerConfig{
		MinCredits:      10,
		CreditUnitPrice: decimal.NewFromInt(1),
		PaymentExpiry:   15 * time.Minute,
	})
	checkout := &checkoutStub{paymentStatus: stripe.PaymentUnpaid}
	reconciler.SetCheckoutGateway(checkout, app.CheckoutConfig{Currency: "brl", Expiry: time.Hour})
	withdrawals := app.NewWithdrawalService(repo, ledger, notifier, notifier, logger, decimal.RequireFromString("0.50"))

	h := NewHandlers(exchange, ledger, reconciler, withdrawals, repo, testWebhookSecret)
	h.now = func() time.Time { return webhookClock }
	return &apiFixture{
		repo:     repo,
		gateway:  gateway,
		checkout: checkout,
		handler:  Routes(h, AuthConfig{Secret: testJWTSecret, Issuer: testIssuer}, []string{"https://app.example.com"}),
	}
}

func (f *apiFixture) fund(t *testing.T, userID string, credits, score int64) {
	t.Helper()
	ctx := context.Background()
	err := f.repo.RunInTx(ctx, func(tx store.Tx) error {
		_, err := tx.ApplyDelta(ctx, domain.Delta{
			UserID: userID, Credits: credits, Score: score,
			Kind: domain.KindCreditTopup, IdempotencyKey: "seed:" + uuid.NewString(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func signToken(t *testing.T, sub, role string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "iss": testIssuer, "exp": time.Now().Add(ttl).Unix()}
	if role != "" {
		claims["role"] = role
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

type request struct {
	method  string
	path    string
	body    interface{}
	token   string
	headers map[string]string
}

func (f *apiFixture) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	if w := f.do(t, request{method: http.MethodGet, path: "/health"}); w.Code != http.StatusOK {
		t.Fatalf("health returned %d", w.Code)
	}
	f.do(t, request{method: http.MethodGet, path: "/v1/tokens"})
	w := f.do(t, request{method: http.MethodGet, path: "/metrics"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "tokenex_http_requests_total") {
		t.Fatalf("metrics endpoint missing http counters: %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)
	r := httptest.NewRequest(http.MethodOptions, "/v1/purchases", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	r.Header.Set("Access-Control-Request-Headers", "Authorization, Idempotency-Key")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allowed origin header, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("expected no credentialed CORS, got %q", got)
	}

	r = httptest.NewRequest(http.MethodOptions, "/v1/purchases", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected unlisted origin to be refused, got %q", got)
	}
}

func TestCORSDisabledWithoutOrigins(t *testing.T) {
	h := Routes(&Handlers{}, AuthConfig{Secret: testJWTSecret, Issuer: testIssuer}, nil)

	r := httptest.NewRequest(http.MethodOptions, "/v1/purchases", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no cross-origin access without configured origins, got %q", got)
	}
}

func TestAuthMiddleware(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing", token: "", want: http.StatusUnauthorized},
		{name: "garbage", token: "not-a-jwt", want: http.StatusUnauthorized},
		{name: "expired", token: signToken(t, "ana", "", -time.Minute), want: http.StatusUnauthorized},
		{name: "valid", token: signToken(t, "ana", "", time.Hour), want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, request{method: http.MethodGet, path: "/v1/tokens", token: tc.token})
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, w.Code, w.Body.String())
			}
		})
	}

	wrongIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ana", "iss": "someone-else", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if w := f.do(t, request{method: http.MethodGet, path: "/v1/tokens", token: wrongIssuer}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected wrong issuer to be rejected, got %d", w.Code)
	}
}

func TestPurchaseEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(t, "ana", 100, 0)
	token := signToken(t, "ana", "", time.Hour)
	purchase := request{
		method:  http.MethodPost,
		path:    "/v1/purchases",
		body:    domain.PurchaseRequest{TokenID: "gold-coin"},
		token:   token,
		headers: map[string]string{"Idempotency-Key": "req-1"},
	}

	w := f.do(t, purchase)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var first domain.ExchangeResult
	decodeBody(t, w, &first)
	if first.Type != domain.PlanPurchase || first.NewCredits != 60 || first.NewScore != 50 {
		t.Fatalf("unexpected result %+v", first)
	}

	w = f.do(t, purchase)
	if w.Code != http.StatusOK {
		t.Fatalf("expected replay 200, got %d", w.Code)
	}
	var replay domain.ExchangeResult
	decodeBody(t, w, &replay)
	if !replay.Replayed || replay.NewCredits != 60 {
		t.Fatalf("unexpected replay %+v", replay)
	}

	noKey := purchase
	noKey.headers = nil
	if w := f.do(t, noKey); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d", w.Code)
	}

	unknown := purchase
	unknown.body = domain.PurchaseRequest{TokenID: "nope"}
	unknown.headers = map[string]string{"Idempotency-Key": "req-2"}
	if w := f.do(t, unknown); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d", w.Code)
	}

	poor := purchase
	poor.body = domain.PurchaseRequest{TokenID: "diamond"}
	poor.headers = map[string]string{"Idempotency-Key": "req-3"}
	if w := f.do(t, poor); w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for insufficient credits, got %d", w.Code)
	}

	mismatch := purchase
	mismatch.body = domain.PurchaseRequest{TokenID: "bronze-coin"}
	if w := f.do(t, mismatch); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key, got %d", w.Code)
	}

	w = f.do(t, request{method: http.MethodGet, path: "/v1/me/holdings", token: token})
	var holdings []domain.TokenHolding
	decodeBody(t, w, &holdings)
	if len(holdings) != 1 {
		t.Fatalf("expected one holding, got %d", len(holdings))
	}

	w = f.do(t, request{method: http.MethodGet, path: "/v1/me/transactions?limit=10", token: token})
	var history []domain.LedgerTransaction
	decodeBody(t, w, &history)
	if len(history) != 2 || history[0].Kind != domain.KindPurchase {
		t.Fatalf("unexpected history %+v", history)
	}
}

func signWebhook(dataID, requestID, ts string) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte("id:" + dataID + ";request-id:" + requestID + ";ts:" + ts + ";"))
	return "ts=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestPaymentFlow(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "ana", "", time.Hour)

	w := f.do(t, request{
		method: http.MethodPost,
		path:   "/v1/payments",
		token:  token,
		body:   domain.InitiatePaymentRequest{CreditsAmount: 25, Payer: domain.Payer{Name: "Ana", Email: "ana@example.com"}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var initiated domain.InitiatePaymentResponse
	decodeBody(t, w, &initiated)
	if initiated.ProviderPaymentID != "9001" || initiated.ExpiresInSeconds != 900 {
		t.Fatalf("unexpected initiate response %+v", initiated)
	}

	small := request{method: http.MethodPost, path: "/v1/payments", token: token,
		body: domain.InitiatePaymentRequest{CreditsAmount: 5, Payer: domain.Payer{Email: "ana@example.com"}}}
	if w := f.do(t, small); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 below the minimum, got %d", w.Code)
	}

	f.gateway.mu.Lock()
	f.gateway.status = mercadopago.StatusApproved
	f.gateway.mu.Unlock()

	webhook := request{
		method: http.MethodPost,
		path:   "/v1/webhooks/payments?data.id=9001&type=payment",
		body:   map[string]interface{}{"type": "payment", "action": "payment.updated", "data": map[string]interface{}{"id": 9001}},
		headers: map[string]string{
			"x-request-id": "req-abc",
			"x-signature":  "ts=1700000000,v1=deadbeef",
		},
	}
	if w := f.do(t, webhook); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", w.Code)
	}

	webhook.headers["x-signature"] = signWebhook("9001", "req-abc", "1700000000")
	if w := f.do(t, webhook); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if w := f.do(t, webhook); w.Code != http.StatusOK {
		t.Fatalf("expected repeated webhook to be acknowledged, got %d", w.Code)
	}

	w = f.do(t, request{method: http.MethodGet, path: "/v1/payments/9001", token: token})
	var pr domain.PaymentRequest
	decodeBody(t, w, &pr)
	if pr.Status != domain.PaymentCompleted {
		t.Fatalf("expected completed payment, got %s", pr.Status)
	}

	w = f.do(t, request{method: http.MethodGet, path: "/v1/me/balances", token: token})
	var balances domain.Balances
	decodeBody(t, w, &balances)
	if balances.Credits != 25 {
		t.Fatalf("expected 25 credits, got %d", balances.Credits)
	}

	other := signToken(t, "mallory", "", time.Hour)
	if w := f.do(t, request{method: http.MethodGet, path: "/v1/payments/9001", token: other}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's payment, got %d", w.Code)
	}

	w = f.do(t, request{method: http.MethodGet, path: "/v1/me/notifications", token: token})
	var notes []domain.Notification
	decodeBody(t, w, &notes)
	if len(notes) != 1 || notes[0].Type != domain.RoutingKeyPaymentCompleted {
		t.Fatalf("expected one payment notification, got %+v", notes)
	}
}

func TestPaymentWebhook_RejectsMismatchedAndStaleRequests(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "ana", "", time.Hour)
	w := f.do(t, request{
		method: http.MethodPost,
		path:   "/v1/payments",
		token:  token,
		body:   domain.InitiatePaymentRequest{CreditsAmount: 25, Payer: domain.Payer{Email: "ana@example.com"}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	f.gateway.mu.Lock()
	f.gateway.status = mercadopago.StatusApproved
	f.gateway.mu.Unlock()

	// Signed for payment 1 while the body names 9001.
	mismatched := request{
		method: http.MethodPost,
		path:   "/v1/webhooks/payments?data.id=1&type=payment",
		body:   map[string]interface{}{"type": "payment", "data": map[string]interface{}{"id": 9001}},
		headers: map[string]string{
			"x-request-id": "req-1",
			"x-signature":  signWebhook("1", "req-1", "1700000000"),
		},
	}
	if w := f.do(t, mismatched); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for differing ids, got %d", w.Code)
	}

	stale := request{
		method: http.MethodPost,
		path:   "/v1/webhooks/payments?data.id=9001&type=payment",
		body:   map[string]interface{}{"type": "payment", "data": map[string]interface{}{"id": 9001}},
		headers: map[string]string{
			"x-request-id": "req-2",
			"x-signature":  signWebhook("9001", "req-2", "1699990000"),
		},
	}
	if w := f.do(t, stale); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a stale timestamp, got %d", w.Code)
	}

	pr, err := f.repo.GetPaymentByProviderID(context.Background(), "9001")
	if err != nil {
		t.Fatalf("GetPaymentByProviderID: %v", err)
	}
	if pr.Status != domain.PaymentPending {
		t.Fatalf("rejected webhooks must not reconcile, got %s", pr.Status)
	}

	// Query-only notifications sign and act on the query id.
	queryOnly := request{
		method: http.MethodPost,
		path:   "/v1/webhooks/payments?data.id=9001&type=payment",
		headers: map[string]string{
			"x-request-id": "req-3",
			"x-signature":  signWebhook("9001", "req-3", "1700000060000"),
		},
	}
	if w := f.do(t, queryOnly); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for a query-only notification, got %d (%s)", w.Code, w.Body.String())
	}
	pr, _ = f.repo.GetPaymentByProviderID(context.Background(), "9001")
	if pr.Status != domain.PaymentCompleted {
		t.Fatalf("expected completed payment, got %s", pr.Status)
	}
}

func TestCardCheckoutFlow(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "ana", "", time.Hour)

	w := f.do(t, request{
		method: http.MethodPost,
		path:   "/v1/payments/checkout",
		token:  token,
		body:   domain.InitiateCheckoutRequest{CreditsAmount: 30},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var initiated domain.InitiateCheckoutResponse
	decodeBody(t, w, &initiated)
	if initiated.ProviderPaymentID != "cs_test_7" || initiated.CheckoutURL == "" {
		t.Fatalf("unexpected checkout response %+v", initiated)
	}

	w = f.do(t, request{method: http.MethodGet, path: "/v1/payments/cs_test_7", token: token})
	var pr domain.PaymentRequest
	decodeBody(t, w, &pr)
	if pr.Status != domain.PaymentPending || pr.Provider != domain.ProviderCard {
		t.Fatalf("expected pending card payment, got %+v", pr)
	}

	f.checkout.mu.Lock()
	f.checkout.paymentStatus = stripe.PaymentPaid
	f.checkout.mu.Unlock()

	for i := 0; i < 2; i++ {
		w = f.do(t, request{method: http.MethodGet, path: "/v1/payments/cs_test_7", token: token})
		decodeBody(t, w, &pr)
		if pr.Status != domain.PaymentCompleted {
			t.Fatalf("poll %d: expected completed, got %s", i, pr.Status)
		}
	}

	w = f.do(t, request{method: http.MethodGet, path: "/v1/me/balances", token: token})
	var balances domain.Balances
	decodeBody(t, w, &balances)
	if balances.Credits != 30 {
		t.Fatalf("expected 30 credits once, got %d", balances.Credits)
	}
}

func TestWithdrawalEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(t, "ana", 0, 100)
	user := signToken(t, "ana", "", time.Hour)
	admin := signToken(t, "ops", "admin", time.Hour)

	w := f.do(t, request{
		method:  http.MethodPost,
		path:    "/v1/withdrawals",
		token:   user,
		body:    domain.CreateWithdrawalRequest{Points: 40, PixKey: "ana@example.com"},
		headers: map[string]string{"Idempotency-Key": "wd-1"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var wr domain.WithdrawalRequest
	decodeBody(t, w, &wr)
	if !wr.Amount.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected R$20.00, got %s", wr.Amount)
	}

	rejectPath := "/v1/admin/withdrawals/" + wr.ID.String() + "/reject"
	if w := f.do(t, request{method: http.MethodPost, path: rejectPath, token: user}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", w.Code)
	}
	if w := f.do(t, request{method: http.MethodPost, path: rejectPath, token: admin}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%s)", w.Code, w.Body.String())
	}
	if w := f.do(t, request{method: http.MethodPost, path: rejectPath, token: admin}); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second review, got %d", w.Code)
	}
	if w := f.do(t, request{method: http.MethodPost, path: "/v1/admin/withdrawals/not-a-uuid/approve", token: admin}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", w.Code)
	}

	w = f.do(t, request{method: http.MethodGet, path: "/v1/admin/users/ana/audit", token: admin})
	var report domain.AuditReport
	decodeBody(t, w, &report)
	if !report.Consistent || report.Stored.Score != 100 {
		t.Fatalf("unexpected audit report %+v", report)
	}

	w = f.do(t, request{method: http.MethodGet, path: "/v1/withdrawals", token: user})
	var list []domain.WithdrawalRequest
	decodeBody(t, w, &list)
	if len(list) != 1 || list[0].Status != domain.WithdrawalRejected {
		t.Fatalf("unexpected withdrawal list %+v", list)
	}
}
