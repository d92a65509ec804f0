package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the review state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// WithdrawalRequest maps to the `withdrawal_requests` table. The points are debited
// from the user's score when the request is created and restored on rejection.
type WithdrawalRequest struct {
	ID             uuid.UUID        `json:"id"`
	UserID         string           `json:"user_id"`
	Points         int64            `json:"points"`
	Amount         decimal.Decimal  `json:"amount"`
	PixKey         string           `json:"pix_key"`
	Status         WithdrawalStatus `json:"status"`
	IdempotencyKey string           `json:"-"`
	ReviewedBy     *string          `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time       `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// CreateWithdrawalRequest is the DTO for the withdrawal endpoint.
type CreateWithdrawalRequest struct {
	Points int64  `json:"points"`
	PixKey string `json:"pix_key"`
}
