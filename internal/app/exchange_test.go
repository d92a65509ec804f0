package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/internal/store"
)

func newTestExchange(repo store.Repository, picker Picker, notifier UserNotifier, observer BalanceObserver) (*ExchangeService, *Ledger) {
	ledger := NewLedger(repo)
	svc := NewExchangeService(repo, ledger, NewLotteryResolver(picker), observer, notifier, discardLogger(), 3)
	svc.retryInitial = time.Millisecond
	return svc, ledger
}

func TestExecute_PurchaseWhenNobodyElseHoldsToken(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	notifier := &recordingNotifier{}
	svc, ledger := newTestExchange(repo, fixedPicker{}, notifier, nil)
	fund(t, repo, "alice", 100)

	result, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "alice", TokenID: "gold-coin", RequestID: "r1"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Type != domain.PlanPurchase {
		t.Fatalf("expected purchase, got %s", result.Type)
	}
	if result.NewCredits != 60 || result.NewScore != 50 || result.PointsEarned != 50 {
		t.Fatalf("unexpected result %+v", result)
	}

	holdings, err := repo.ListHoldings(ctx, "alice")
	if err != nil {
		t.Fatalf("ListHoldings: %v", err)
	}
	if len(holdings) != 1 || holdings[0].ID != *result.HoldingID || holdings[0].PurchasePrice != 40 {
		t.Fatalf("unexpected holdings %+v", holdings)
	}
	if notifier.count(domain.RoutingKeyExchangePurchased) != 1 {
		t.Fatal("expected one purchase notification")
	}
	assertConsistent(t, ledger, "alice")
}

func TestExecute_LotteryTransfersOldestHoldingOfLoser(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	notifier := &recordingNotifier{}
	observer := &recordingObserver{}
	svc, ledger := newTestExchange(repo, fixedPicker{idx: 0}, notifier, observer)
	fund(t, repo, "alice", 80)
	fund(t, repo, "bob", 40)

	// Alice's second acquisition is a purchase too because she is excluded from her
	// own lottery.
	first, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "alice", TokenID: "gold-coin", RequestID: "a1"})
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	second, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "alice", TokenID: "gold-coin", RequestID: "a2"})
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if second.Type != domain.PlanPurchase {
		t.Fatalf("expected second acquisition to be a purchase, got %s", second.Type)
	}

	result, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "bob", TokenID: "gold-coin", RequestID: "b1"})
	if err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if result.Type != domain.PlanLottery {
		t.Fatalf("expected lottery, got %s", result.Type)
	}
	if result.NewCredits != 0 || result.NewScore != 15 || result.PointsEarned != 15 {
		t.Fatalf("unexpected buyer result %+v", result)
	}

	aliceHoldings, _ := repo.ListHoldings(ctx, "alice")
	if len(aliceHoldings) != 1 || aliceHoldings[0].ID != *second.HoldingID {
		t.Fatalf("expected alice to keep only her newest holding %s, got %+v", *second.HoldingID, aliceHoldings)
	}
	for _, h := range aliceHoldings {
		if h.ID == *first.HoldingID {
			t.Fatal("oldest holding should have been removed")
		}
	}
	bobHoldings, _ := repo.ListHoldings(ctx, "bob")
	if len(bobHoldings) != 1 {
		t.Fatalf("expected bob to hold one unit, got %d", len(bobHoldings))
	}

	alice := balancesOf(t, repo, "alice")
	if alice.Credits != 0 || alice.Score != 50+50+15 {
		t.Fatalf("unexpected loser balances %+v", alice)
	}
	if notifier.count(domain.RoutingKeyExchangeLotteryWon) != 1 || notifier.count(domain.RoutingKeyExchangeLotteryLost) != 1 {
		t.Fatalf("expected win and loss notifications, got %+v", notifier.events)
	}

	var sawLoss bool
	for _, c := range observer.changes {
		if c.UserID == "alice" && c.Kind == domain.KindLotteryLoss && c.Score == alice.Score {
			sawLoss = true
		}
	}
	if !sawLoss {
		t.Fatal("expected observer to receive the loser's balance change")
	}
	assertConsistent(t, ledger, "alice", "bob")
}

func TestExecute_InsufficientCreditsChangesNothing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc, _ := newTestExchange(repo, fixedPicker{}, nil, nil)
	fund(t, repo, "carol", 10)

	_, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "carol", TokenID: "gold-coin", RequestID: "c1"})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if b := balancesOf(t, repo, "carol"); b.Credits != 10 || b.Score != 0 {
		t.Fatalf("balances changed: %+v", b)
	}
	holdings, _ := repo.ListHoldings(ctx, "carol")
	if len(holdings) != 0 {
		t.Fatalf("expected no holdings, got %d", len(holdings))
	}
}

func TestExecute_ValidatesInput(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc, _ := newTestExchange(repo, fixedPicker{}, nil, nil)

	if _, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "u", TokenID: "gold-coin"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest without request id, got %v", err)
	}
	if _, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "u", TokenID: "nope", RequestID: "r"}); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestExecute_RejectsRequestIDsThatSpliceLoserKeys(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc, ledger := newTestExchange(repo, fixedPicker{}, nil, nil)
	fund(t, repo, "a", 40)
	fund(t, repo, "a:b", 40)
	fund(t, repo, "holder", 40)

	if _, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "holder", TokenID: "gold-coin", RequestID: "h1"}); err != nil {
		t.Fatalf("holder purchase: %v", err)
	}
	// Buyer "a:b" with request "c" would share the loser key of buyer "a" with "b:c".
	if _, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "a", TokenID: "gold-coin", RequestID: "b:c"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for a request id with ':', got %v", err)
	}
	result, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "a:b", TokenID: "gold-coin", RequestID: "c"})
	if err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if result.Type != domain.PlanLottery {
		t.Fatalf("expected lottery, got %s", result.Type)
	}
	if b := balancesOf(t, repo, "a"); b.Credits != 40 || b.Score != 0 {
		t.Fatalf("rejected request changed balances: %+v", b)
	}
	assertConsistent(t, ledger, "a", "a:b", "holder")
}

func TestExecute_ReplayReturnsRecordedResult(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc, ledger := newTestExchange(repo, fixedPicker{}, nil, nil)
	fund(t, repo, "dave", 100)

	req := domain.ExecuteRequest{BuyerID: "dave", TokenID: "gold-coin", RequestID: "same"}
	first, err := svc.Execute(ctx, req)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	again, err := svc.Execute(ctx, req)
	if err != nil {
		t.Fatalf("replayed Execute: %v", err)
	}
	if !again.Replayed {
		t.Fatal("expected replayed result")
	}
	if again.NewCredits != first.NewCredits || again.NewScore != first.NewScore || *again.HoldingID != *first.HoldingID || again.Type != first.Type {
		t.Fatalf("replay %+v differs from original %+v", again, first)
	}
	if b := balancesOf(t, repo, "dave"); b.Credits != 60 {
		t.Fatalf("replay charged again: %+v", b)
	}

	_, err = svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "dave", TokenID: "diamond", RequestID: "same"})
	if !errors.Is(err, domain.ErrIdempotencyMismatch) {
		t.Fatalf("expected ErrIdempotencyMismatch, got %v", err)
	}
	assertConsistent(t, ledger, "dave")
}

func TestExecute_ConcurrentBuyersConserveHoldings(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	svc, ledger := newTestExchange(repo, nil, nil, nil)

	const buyers = 12
	users := make([]string, buyers)
	for i := range users {
		users[i] = fmt.Sprintf("user-%02d", i)
		fund(t, repo, users[i], 40)
	}

	var wg sync.WaitGroup
	results := make([]*domain.ExchangeResult, buyers)
	errs := make([]error, buyers)
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			results[i], errs[i] = svc.Execute(ctx, domain.ExecuteRequest{BuyerID: u, TokenID: "gold-coin", RequestID: "req"})
		}(i, u)
	}
	wg.Wait()

	purchases := 0
	for i, err := range errs {
		if err != nil {
			t.Fatalf("buyer %s failed: %v", users[i], err)
		}
		if results[i].Type == domain.PlanPurchase {
			purchases++
		}
	}
	if purchases != 1 {
		t.Fatalf("expected exactly one purchase, got %d", purchases)
	}

	total := 0
	for _, u := range users {
		holdings, err := repo.ListHoldings(ctx, u)
		if err != nil {
			t.Fatalf("ListHoldings: %v", err)
		}
		total += len(holdings)
		if b := balancesOf(t, repo, u); b.Credits != 0 {
			t.Fatalf("%s should have spent all credits, has %d", u, b.Credits)
		}
	}
	if total != 1 {
		t.Fatalf("expected one unit in circulation, got %d", total)
	}
	assertConsistent(t, ledger, users...)
}

type flakyRepo struct {
	store.Repository
	failures int
	calls    int
}

func (r *flakyRepo) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	r.calls++
	if r.calls <= r.failures {
		return domain.ErrTransientConflict
	}
	return r.Repository.RunInTx(ctx, fn)
}

func TestExecute_RetriesTransientConflicts(t *testing.T) {
	ctx := context.Background()
	base := newTestRepo(t)
	fund(t, base, "erin", 40)
	repo := &flakyRepo{Repository: base, failures: 2}
	svc, _ := newTestExchange(repo, fixedPicker{}, nil, nil)

	if _, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "erin", TokenID: "gold-coin", RequestID: "r"}); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if repo.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.calls)
	}

	repo.failures, repo.calls = 10, 0
	fund(t, base, "erin", 40)
	_, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "erin", TokenID: "gold-coin", RequestID: "r2"})
	if !errors.Is(err, domain.ErrTransientConflict) {
		t.Fatalf("expected ErrTransientConflict after exhausting retries, got %v", err)
	}
	if repo.calls != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", repo.calls)
	}
}

// sabotageRepo hands the exchange a Tx that fails partway through the lottery.
type sabotageRepo struct {
	store.Repository
	lossErr   error
	noHolding bool
}

func (r *sabotageRepo) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.Repository.RunInTx(ctx, func(tx store.Tx) error {
		return fn(sabotageTx{Tx: tx, lossErr: r.lossErr, noHolding: r.noHolding})
	})
}

type sabotageTx struct {
	store.Tx
	lossErr   error
	noHolding bool
}

func (t sabotageTx) ApplyDelta(ctx context.Context, d domain.Delta) (domain.Balances, error) {
	if t.lossErr != nil && d.Kind == domain.KindLotteryLoss {
		return domain.Balances{}, t.lossErr
	}
	return t.Tx.ApplyDelta(ctx, d)
}

func (t sabotageTx) RemoveOldestHolding(ctx context.Context, userID, tokenID string) (uuid.UUID, error) {
	if t.noHolding {
		return uuid.Nil, domain.ErrNoHoldingFound
	}
	return t.Tx.RemoveOldestHolding(ctx, userID, tokenID)
}

func TestExecute_LotteryFailureRollsBackBothParties(t *testing.T) {
	errDisk := errors.New("disk full")
	cases := []struct {
		name      string
		repo      func(base store.Repository) *sabotageRepo
		wantErr   error
		invariant bool
	}{
		{
			name:    "loser delta fails",
			repo:    func(base store.Repository) *sabotageRepo { return &sabotageRepo{Repository: base, lossErr: errDisk} },
			wantErr: errDisk,
		},
		{
			name:      "loser holding missing",
			repo:      func(base store.Repository) *sabotageRepo { return &sabotageRepo{Repository: base, noHolding: true} },
			wantErr:   domain.ErrInvariantViolation,
			invariant: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			base := newTestRepo(t)
			fund(t, base, "alice", 40)
			fund(t, base, "bob", 40)
			seller, ledger := newTestExchange(base, fixedPicker{}, nil, nil)
			if _, err := seller.Execute(ctx, domain.ExecuteRequest{BuyerID: "alice", TokenID: "gold-coin", RequestID: "a1"}); err != nil {
				t.Fatalf("alice purchase: %v", err)
			}

			aliceBefore, bobBefore := balancesOf(t, base, "alice"), balancesOf(t, base, "bob")
			aliceHoldings, _ := base.ListHoldings(ctx, "alice")

			svc, _ := newTestExchange(tc.repo(base), fixedPicker{}, nil, nil)
			_, err := svc.Execute(ctx, domain.ExecuteRequest{BuyerID: "bob", TokenID: "gold-coin", RequestID: "b1"})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if tc.invariant && errors.Is(err, domain.ErrNoHoldingFound) {
				t.Fatalf("expected the storage error to be mapped, got %v", err)
			}

			if got := balancesOf(t, base, "alice"); got != aliceBefore {
				t.Fatalf("loser balances changed: %+v -> %+v", aliceBefore, got)
			}
			if got := balancesOf(t, base, "bob"); got != bobBefore {
				t.Fatalf("buyer balances changed: %+v -> %+v", bobBefore, got)
			}
			afterAlice, _ := base.ListHoldings(ctx, "alice")
			if len(afterAlice) != len(aliceHoldings) || afterAlice[0].ID != aliceHoldings[0].ID {
				t.Fatalf("loser holdings changed: %+v -> %+v", aliceHoldings, afterAlice)
			}
			if bobHoldings, _ := base.ListHoldings(ctx, "bob"); len(bobHoldings) != 0 {
				t.Fatalf("buyer kept a holding from a failed exchange: %+v", bobHoldings)
			}
			if _, err := base.FindLedgerTransaction(ctx, "bob", buyerKey("b1")); !errors.Is(err, domain.ErrLedgerTransactionNotFound) {
				t.Fatalf("buyer ledger entry survived the rollback: %v", err)
			}
			assertConsistent(t, ledger, "alice", "bob")
		})
	}
}
