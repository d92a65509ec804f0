package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the local lifecycle state of a payment request.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentExpired   PaymentStatus = "expired"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether no further transition can happen from s. Expired is
// not terminal because a late provider approval may still complete it.
// PaymentProvider names the channel a payment request was opened on.
type PaymentProvider string

const (
	ProviderPix  PaymentProvider = "pix"
	ProviderCard PaymentProvider = "card"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// PaymentRequest maps to the `payment_requests` table. ProviderPaymentID is unique.
type PaymentRequest struct {
	ID                uuid.UUID       `json:"id"`
	UserID            string          `json:"user_id"`
	ProviderPaymentID string          `json:"provider_payment_id"`
	Provider          PaymentProvider `json:"provider"`
	CreditsRequested  int64           `json:"credits_amount"`
	Amount            decimal.Decimal `json:"amount"`
	Status            PaymentStatus   `json:"status"`
	QRCode            string          `json:"qr_code,omitempty"`
	QRCodeBase64      string          `json:"qr_code_base64,omitempty"`
	CheckoutURL       string          `json:"checkout_url,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Payer carries the payer details forwarded to the payment gateway.
type Payer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	CPF   string `json:"cpf"`
	Phone string `json:"phone"`
}

// InitiatePaymentRequest is the DTO for creating a PIX payment.
type InitiatePaymentRequest struct {
	CreditsAmount int64 `json:"credits_amount"`
	Payer         Payer `json:"payer"`
}

// InitiatePaymentResponse is returned after the gateway accepted the payment.
type InitiatePaymentResponse struct {
	ProviderPaymentID string          `json:"provider_payment_id"`
	QRCode            string          `json:"qr_code"`
	QRCodeBase64      string          `json:"qr_code_base64"`
	Amount            decimal.Decimal `json:"amount"`
	CreditsAmount     int64           `json:"credits_amount"`
	ExpiresInSeconds  int64           `json:"expires_in_seconds"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

// PaymentNotification is the subset of the gateway webhook body the service reads.
// InitiateCheckoutRequest opens a hosted card checkout session.
type InitiateCheckoutRequest struct {
	CreditsAmount int64 `json:"credits_amount"`
}

type InitiateCheckoutResponse struct {
	ProviderPaymentID string          `json:"provider_payment_id"`
	CheckoutURL       string          `json:"checkout_url"`
	Amount            decimal.Decimal `json:"amount"`
	CreditsAmount     int64           `json:"credits_amount"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

type PaymentNotification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID FlexibleID `json:"id"`
	} `json:"data"`
}

// FlexibleID accepts both JSON strings and JSON numbers. Gateways are not
// consistent about the type of resource ids in notifications.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string { return string(f) }
