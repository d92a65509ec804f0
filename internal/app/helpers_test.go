package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/internal/store"
)

var goldCoin = domain.TokenDefinition{ID: "gold-coin", Name: "Gold Coin", Price: 40, Points: 15}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T) *store.MemoryRepository {
	t.Helper()
	repo := store.NewMemoryRepository()
	if err := store.SeedCatalog(context.Background(), repo, []domain.TokenDefinition{
		goldCoin,
		{ID: "diamond", Name: "Diamond", Price: 100, Points: 40},
	}); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return repo
}

func fund(t *testing.T, repo store.Repository, userID string, credits int64) {
	t.Helper()
	ctx := context.Background()
	err := repo.RunInTx(ctx, func(tx store.Tx) error {
		_, err := tx.ApplyDelta(ctx, domain.Delta{
			UserID:         userID,
			Credits:        credits,
			Kind:           domain.KindCreditTopup,
			IdempotencyKey: "seed:" + uuid.NewString(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("fund %s: %v", userID, err)
	}
}

func balancesOf(t *testing.T, repo store.Repository, userID string) domain.Balances {
	t.Helper()
	b, err := repo.GetBalances(context.Background(), userID)
	if err != nil {
		t.Fatalf("balances of %s: %v", userID, err)
	}
	return b
}

func assertConsistent(t *testing.T, ledger *Ledger, userIDs ...string) {
	t.Helper()
	for _, id := range userIDs {
		report, err := ledger.Audit(context.Background(), id)
		if err != nil {
			t.Fatalf("audit %s: %v", id, err)
		}
		if !report.Consistent {
			t.Fatalf("ledger of %s inconsistent: stored %+v recomputed %+v", id, report.Stored, report.Recomputed)
		}
	}
}

type fixedPicker struct{ idx int }

func (p fixedPicker) IntN(n int) int { return p.idx }

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedNotification
}

type recordedNotification struct {
	routingKey string
	userID     string
	message    string
}

func (n *recordingNotifier) Notify(ctx context.Context, routingKey, userID, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedNotification{routingKey: routingKey, userID: userID, message: message})
}

func (n *recordingNotifier) count(routingKey string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.routingKey == routingKey {
			c++
		}
	}
	return c
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []domain.BalanceChange
}

func (o *recordingObserver) BalancesChanged(ctx context.Context, changes []domain.BalanceChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, changes...)
}
