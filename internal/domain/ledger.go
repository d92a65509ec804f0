/**
 * @description
 * This file defines the ledger models for the exchange-service: per-user credit and
 * score balances, the append-only ledger transaction record and the delta type used
 * to mutate balances.
 *
 * @notes
 * - Credits and score are whole units stored as `int64`. One credit is bought for
 *   one unit of the configured currency; score points are redeemable via withdrawals.
 * - Every balance mutation appends exactly one LedgerTransaction, so the sum of the
 *   deltas for a user always equals the stored balance.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind classifies a ledger transaction.
type TransactionKind string

const (
	KindPurchase           TransactionKind = "purchase"
	KindLotteryWin         TransactionKind = "lottery_win"
	KindLotteryLoss        TransactionKind = "lottery_loss"
	KindCreditTopup        TransactionKind = "credit_topup"
	KindWithdrawalRequest  TransactionKind = "withdrawal_request"
	KindWithdrawalReversal TransactionKind = "withdrawal_reversal"
)

// Valid reports whether k is one of the known transaction kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindPurchase, KindLotteryWin, KindLotteryLoss, KindCreditTopup, KindWithdrawalRequest, KindWithdrawalReversal:
		return true
	}
	return false
}

// Balances is a snapshot of a user's spendable credits and score points.
type Balances struct {
	Credits int64 `json:"credits"`
	Score   int64 `json:"score"`
}

// LedgerAccount maps to the `ledger_accounts` table. Accounts are created lazily
// with zero balances the first time a user is touched.
type LedgerAccount struct {
	UserID    string    `json:"user_id"`
	Credits   int64     `json:"credits"`
	Score     int64     `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerTransaction is one immutable entry of the transaction log.
type LedgerTransaction struct {
	ID               uuid.UUID       `json:"id"`
	UserID           string          `json:"user_id"`
	Kind             TransactionKind `json:"kind"`
	CreditsDelta     int64           `json:"credits_delta"`
	ScoreDelta       int64           `json:"score_delta"`
	CreditsAfter     int64           `json:"credits_after"`
	ScoreAfter       int64           `json:"score_after"`
	Description      string          `json:"description"`
	RelatedTokenID   *string         `json:"related_token_id,omitempty"`
	RelatedHoldingID *uuid.UUID      `json:"related_holding_id,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Delta describes a single balance adjustment together with its audit metadata.
// IdempotencyKey is unique per user; applying the same key twice fails with
// ErrDuplicateApplication.
type Delta struct {
	UserID           string
	Credits          int64
	Score            int64
	Kind             TransactionKind
	Description      string
	RelatedTokenID   string
	RelatedHoldingID *uuid.UUID
	IdempotencyKey   string
}

// BalanceChange is emitted after commit for every account an operation touched.
type BalanceChange struct {
	UserID  string          `json:"user_id"`
	Kind    TransactionKind `json:"kind"`
	Credits int64           `json:"credits"`
	Score   int64           `json:"score"`
}

// AuditReport compares the stored balances of a user with the sum of the user's
// ledger deltas.
type AuditReport struct {
	UserID     string   `json:"user_id"`
	Stored     Balances `json:"stored"`
	Recomputed Balances `json:"recomputed"`
	Consistent bool     `json:"consistent"`
}
