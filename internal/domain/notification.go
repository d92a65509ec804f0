package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for events published on the events exchange.
const (
	RoutingKeyExchangePurchased   = "exchange.purchase.completed"
	RoutingKeyExchangeLotteryWon  = "exchange.lottery.won"
	RoutingKeyExchangeLotteryLost = "exchange.lottery.lost"
	RoutingKeyPaymentCompleted    = "payment.completed"
	RoutingKeyPaymentFailed       = "payment.failed"
	RoutingKeyWithdrawalReviewed  = "withdrawal.reviewed"
	RoutingKeyBalanceChanged      = "ledger.balance.changed"
)

// NotificationEvent is the payload published after a committed state change that
// the affected user should be told about.
type NotificationEvent struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BalanceChangedEvent is published for every committed unit of work that moved
// balances. Realtime clients subscribe to it instead of polling.
type BalanceChangedEvent struct {
	Changes    []BalanceChange `json:"changes"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Notification maps to the `notifications` table.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
