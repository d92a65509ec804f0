package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/internal/store"
)

// Ledger owns per-user credit and score balances. Every mutation goes through
// ApplyDelta inside a unit of work so that the balance update and its ledger
// transaction commit together.
type Ledger struct {
	repo store.Repository
}

func NewLedger(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// GetBalances returns the user's balances. Users without an account read as zero.
func (l *Ledger) GetBalances(ctx context.Context, userID string) (domain.Balances, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Balances{}, domain.ErrInvalidRequest
	}
	return l.repo.GetBalances(ctx, userID)
}

// ApplyDelta validates and applies d within tx.
func (l *Ledger) ApplyDelta(ctx context.Context, tx store.Tx, d domain.Delta) (domain.Balances, error) {
	if strings.TrimSpace(d.UserID) == "" {
		return domain.Balances{}, fmt.Errorf("%w: delta without user", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(d.IdempotencyKey) == "" {
		return domain.Balances{}, fmt.Errorf("%w: delta without idempotency key", domain.ErrInvalidRequest)
	}
	if !d.Kind.Valid() {
		return domain.Balances{}, fmt.Errorf("%w: unknown transaction kind %q", domain.ErrInvalidRequest, d.Kind)
	}
	return tx.ApplyDelta(ctx, d)
}

// History lists the user's most recent ledger transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]domain.LedgerTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.repo.ListLedgerTransactions(ctx, userID, limit)
}

// Audit recomputes the user's balances from the transaction log and compares them
// with the stored balances.
func (l *Ledger) Audit(ctx context.Context, userID string) (*domain.AuditReport, error) {
	stored, err := l.repo.GetBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	recomputed, err := l.repo.SumLedgerDeltas(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sum ledger deltas: %w", err)
	}
	return &domain.AuditReport{
		UserID:     userID,
		Stored:     stored,
		Recomputed: recomputed,
		Consistent: stored == recomputed,
	}, nil
}
