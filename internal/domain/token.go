package domain

import (
	"time"

	"github.com/google/uuid"
)

// TokenDefinition is a read-only catalog entry from the `tokens` table.
type TokenDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
	Price       int64  `json:"price"`  // in credits
	Points      int64  `json:"points"` // awarded to both parties of a lottery
}

// TokenHolding is one unit of a token owned by a user. A user may hold the same
// token kind several times.
type TokenHolding struct {
	ID            uuid.UUID `json:"id"`
	TokenID       string    `json:"token_id"`
	OwnerID       string    `json:"owner_id"`
	PurchasePrice int64     `json:"purchase_price"`
	AcquiredAt    time.Time `json:"acquired_at"`
}

// HolderRef identifies one holding row of a token together with its owner.
type HolderRef struct {
	UserID    string    `json:"user_id"`
	HoldingID uuid.UUID `json:"holding_id"`
}

// PlanType is the outcome chosen by the lottery resolver.
type PlanType string

const (
	PlanPurchase PlanType = "purchase"
	PlanLottery  PlanType = "lottery"
)

// Plan is the resolver's decision for a single exchange request. Loser is only set
// for PlanLottery.
type Plan struct {
	Type       PlanType
	Loser      *HolderRef
	BuyerScore int64
	LoserScore int64
}

// ExecuteRequest is the input of an exchange. RequestID is the caller supplied
// idempotency key.
type ExecuteRequest struct {
	BuyerID   string
	TokenID   string
	RequestID string
}

// PurchaseRequest is the DTO for the purchase endpoint.
type PurchaseRequest struct {
	TokenID string `json:"token_id"`
}

// ExchangeResult is returned to the buyer after a successful (or replayed) exchange.
type ExchangeResult struct {
	Type         PlanType        `json:"type"`
	TokenID      string          `json:"token_id"`
	NewCredits   int64           `json:"new_credits"`
	NewScore     int64           `json:"new_score"`
	PointsEarned int64           `json:"points_earned"`
	HoldingID    *uuid.UUID      `json:"holding_id,omitempty"`
	Replayed     bool            `json:"replayed"`
	Changes      []BalanceChange `json:"-"`
}
