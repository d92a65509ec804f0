/**
 * @description
 * This package provides a client for the Stripe Checkout API. The exchange-service
 * opens hosted card checkout sessions for credit purchases and later reads the
 * session back to learn whether the buyer paid.
 *
 * @dependencies
 * - context, encoding/json, net/http, net/url: Standard Go libraries.
 * - github.com/shopspring/decimal: For converting amounts into minor units.
 */
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Checkout session states reported by the provider.
const (
	SessionOpen     = "open"
	SessionComplete = "complete"
	SessionExpired  = "expired"

	PaymentPaid              = "paid"
	PaymentUnpaid            = "unpaid"
	PaymentNoPaymentRequired = "no_payment_required"

	defaultAPIBaseURL = "https://api.stripe.com"
)

// Client is a client for the Stripe API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new Stripe API client.
func NewClient(baseURL, secretKey string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultAPIBaseURL
	}
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateCheckoutSessionRequest holds the fields needed to open a one-off card payment.
type CreateCheckoutSessionRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Description    string
	CreditsAmount  int64
	UserID         string
	SuccessURL     string
	CancelURL      string
	ExpiresAt      time.Time
	IdempotencyKey string
}

// CheckoutSession is the subset of the provider's session resource the service reads.
type CheckoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	ExpiresAt         int64             `json:"expires_at"`
	Metadata          map[string]string `json:"metadata"`
}

// ErrorResponse represents an error from the Stripe API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

type errorEnvelope struct {
	Error *ErrorResponse `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stripe api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("stripe api error (status %d)", e.StatusCode)
}

// Temporary reports whether retrying the request may succeed.
func (e *ErrorResponse) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTemporary reports whether err is a transport failure or a retryable API error.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *ErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

// MinorUnits converts a decimal amount into the integer minor units the API expects.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// CreateCheckoutSession opens a hosted checkout page for a single line item.
func (c *Client) CreateCheckoutSession(ctx context.Context, in CreateCheckoutSessionRequest) (*CheckoutSession, error) {
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		return nil, errors.New("currency is required")
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", in.SuccessURL)
	form.Set("cancel_url", in.CancelURL)
	form.Set("client_reference_id", in.UserID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(MinorUnits(in.Amount), 10))
	form.Set("line_items[0][price_data][product_data][name]", in.Description)
	form.Set("metadata[user_id]", in.UserID)
	form.Set("metadata[credits_amount]", strconv.FormatInt(in.CreditsAmount, 10))
	if !in.ExpiresAt.IsZero() {
		form.Set("expires_at", strconv.FormatInt(in.ExpiresAt.Unix(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if in.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	}

	return c.do(req, "create_checkout_session")
}

// GetCheckoutSession fetches the current state of a checkout session.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session lookup request: %w", err)
	}
	return c.do(req, "get_checkout_session")
}

func (c *Client) do(req *http.Request, op string) (*CheckoutSession, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope errorEnvelope
		if err := json.Unmarshal(bodyBytes, &envelope); err != nil || envelope.Error == nil {
			log.Printf("level=warn component=stripe_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, &ErrorResponse{StatusCode: resp.StatusCode}
		}
		envelope.Error.StatusCode = resp.StatusCode
		log.Printf("level=warn component=stripe_client op=%s status=%d type=%s message=%q", op, resp.StatusCode, envelope.Error.Type, envelope.Error.Message)
		return nil, envelope.Error
	}

	var session CheckoutSession
	if err := json.Unmarshal(bodyBytes, &session); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return &session, nil
}
