/**
 * @description
 * This file defines the `Repository` and `Tx` interfaces, the contract for all data
 * access performed by the exchange-service. Mutations that must commit together
 * (ledger, ownership, payment and withdrawal state) are only reachable through `Tx`,
 * which is handed out by `Repository.RunInTx`.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For holding and request identifiers.
 * - internal/domain: For the service's domain models and errors.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
)

// HolderLister is the read needed by the lottery resolver. Both Repository and Tx
// satisfy it.
type HolderLister interface {
	ListHoldersExcluding(ctx context.Context, tokenID, excludedUserID string) ([]domain.HolderRef, error)
}

// Tx is a unit of work. Every change made through a Tx is committed or rolled back
// as a whole by RunInTx.
type Tx interface {
	HolderLister

	// Ledger methods
	// LockAccounts creates missing accounts and locks them in ascending user id order.
	LockAccounts(ctx context.Context, userIDs []string) (map[string]domain.Balances, error)
	ApplyDelta(ctx context.Context, delta domain.Delta) (domain.Balances, error)

	// Ownership methods
	// LockToken serializes exchanges of the same token kind until the Tx ends.
	LockToken(ctx context.Context, tokenID string) error
	AddHolding(ctx context.Context, userID, tokenID string, price int64) (uuid.UUID, error)
	RemoveOldestHolding(ctx context.Context, userID, tokenID string) (uuid.UUID, error)

	// Payment methods
	// TransitionPaymentStatus is a compare-and-set: it only succeeds when the current
	// status is one of from, and returns ErrPaymentStateConflict otherwise.
	TransitionPaymentStatus(ctx context.Context, providerPaymentID string, from []domain.PaymentStatus, to domain.PaymentStatus, at time.Time) (*domain.PaymentRequest, error)

	// Withdrawal methods
	InsertWithdrawal(ctx context.Context, w *domain.WithdrawalRequest) error
	TransitionWithdrawal(ctx context.Context, id uuid.UUID, from, to domain.WithdrawalStatus, reviewer string, at time.Time) (*domain.WithdrawalRequest, error)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	HolderLister

	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Catalog methods
	GetToken(ctx context.Context, tokenID string) (*domain.TokenDefinition, error)
	ListTokens(ctx context.Context) ([]domain.TokenDefinition, error)
	UpsertToken(ctx context.Context, token domain.TokenDefinition) error

	// Ledger and ownership reads
	GetBalances(ctx context.Context, userID string) (domain.Balances, error)
	ListHoldings(ctx context.Context, userID string) ([]domain.TokenHolding, error)
	FindLedgerTransaction(ctx context.Context, userID, idempotencyKey string) (*domain.LedgerTransaction, error)
	ListLedgerTransactions(ctx context.Context, userID string, limit int) ([]domain.LedgerTransaction, error)
	SumLedgerDeltas(ctx context.Context, userID string) (domain.Balances, error)

	// Payment methods
	CreatePaymentRequest(ctx context.Context, p *domain.PaymentRequest) error
	GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*domain.PaymentRequest, error)
	ExpirePendingPayments(ctx context.Context, now time.Time) (int64, error)

	// Withdrawal methods
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error)
	FindWithdrawalByKey(ctx context.Context, userID, idempotencyKey string) (*domain.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, userID string) ([]domain.WithdrawalRequest, error)

	// Notification methods
	InsertNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}
