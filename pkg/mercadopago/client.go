/**
 * @description
 * This package provides a client for the MercadoPago payments API. It covers the two
 * calls the exchange-service needs: creating a PIX payment (which returns the QR code
 * shown to the payer) and fetching the authoritative status of a payment.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: For transaction amounts.
 */
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payment statuses reported by the provider.
const (
	StatusPending      = "pending"
	StatusApproved     = "approved"
	StatusAuthorized   = "authorized"
	StatusInProcess    = "in_process"
	StatusInMediation  = "in_mediation"
	StatusRejected     = "rejected"
	StatusCancelled    = "cancelled"
	StatusRefunded     = "refunded"
	StatusChargedBack  = "charged_back"
	expirationLayout   = "2006-01-02T15:04:05.000-07:00"
	defaultAPIBaseURL  = "https://api.mercadopago.com"
	paymentMethodPix   = "pix"
	identificationType = "CPF"
)

// Client is a client for the MercadoPago API.
type Client struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

// NewClient creates a new MercadoPago API client.
func NewClient(baseURL, accessToken string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultAPIBaseURL
	}
	return &Client{
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		AccessToken: accessToken,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreatePixPaymentRequest holds the fields needed to open a PIX charge.
type CreatePixPaymentRequest struct {
	Amount            decimal.Decimal
	Description       string
	PayerEmail        string
	PayerFirstName    string
	PayerLastName     string
	PayerCPF          string
	ExternalReference string
	NotificationURL   string
	ExpiresAt         time.Time
	IdempotencyKey    string
}

type paymentPayload struct {
	TransactionAmount json.Number  `json:"transaction_amount"`
	Description       string       `json:"description"`
	PaymentMethodID   string       `json:"payment_method_id"`
	ExternalReference string       `json:"external_reference,omitempty"`
	NotificationURL   string       `json:"notification_url,omitempty"`
	DateOfExpiration  string       `json:"date_of_expiration,omitempty"`
	Payer             payerPayload `json:"payer"`
}

type payerPayload struct {
	Email          string                 `json:"email"`
	FirstName      string                 `json:"first_name,omitempty"`
	LastName       string                 `json:"last_name,omitempty"`
	Identification *identificationPayload `json:"identification,omitempty"`
}

type identificationPayload struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

// Payment is the subset of the provider's payment resource the service reads.
type Payment struct {
	ID                 json.Number `json:"id"`
	Status             string      `json:"status"`
	StatusDetail       string      `json:"status_detail"`
	ExternalReference  string      `json:"external_reference"`
	TransactionAmount  json.Number `json:"transaction_amount"`
	DateOfExpiration   string      `json:"date_of_expiration"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

// ErrorResponse represents an error from the MercadoPago API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Code       string `json:"error"`
	Cause      []struct {
		Code        json.Number `json:"code"`
		Description string      `json:"description"`
	} `json:"cause"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Cause) > 0 && e.Cause[0].Description != "" {
		return fmt.Sprintf("mercadopago api error (status %d): %s - %s", e.StatusCode, e.Message, e.Cause[0].Description)
	}
	if e.Message != "" {
		return fmt.Sprintf("mercadopago api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mercadopago api error (status %d)", e.StatusCode)
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

// CreatePixPayment opens a PIX charge. The idempotency key makes retries of the same
// request return the original payment.
func (c *Client) CreatePixPayment(ctx context.Context, in CreatePixPaymentRequest) (*Payment, error) {
	payload := paymentPayload{
		TransactionAmount: json.Number(in.Amount.StringFixed(2)),
		Description:       in.Description,
		PaymentMethodID:   paymentMethodPix,
		ExternalReference: in.ExternalReference,
		NotificationURL:   in.NotificationURL,
		Payer: payerPayload{
			Email:     in.PayerEmail,
			FirstName: in.PayerFirstName,
			LastName:  in.PayerLastName,
		},
	}
	if !in.ExpiresAt.IsZero() {
		payload.DateOfExpiration = in.ExpiresAt.Format(expirationLayout)
	}
	if cpf := digitsOnly(in.PayerCPF); cpf != "" {
		payload.Payer.Identification = &identificationPayload{Type: identificationType, Number: cpf}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payments", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if in.IdempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", in.IdempotencyKey)
	}

	return c.do(req, "create_payment")
}

// GetPayment fetches the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, errors.New("payment id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment lookup request: %w", err)
	}
	return c.do(req, "get_payment")
}

func (c *Client) do(req *http.Request, op string) (*Payment, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

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
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=mercadopago_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, errResp
		}
		log.Printf("level=warn component=mercadopago_client op=%s status=%d message=%q", op, resp.StatusCode, errResp.Message)
		return nil, errResp
	}

	var payment Payment
	if err := json.Unmarshal(bodyBytes, &payment); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return &payment, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
