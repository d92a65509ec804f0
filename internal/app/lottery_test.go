package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
)

type holdersStub struct {
	refs     []domain.HolderRef
	excluded string
}

func (h *holdersStub) ListHoldersExcluding(ctx context.Context, tokenID, excludedUserID string) ([]domain.HolderRef, error) {
	h.excluded = excludedUserID
	return h.refs, nil
}

func TestPurchaseBonus(t *testing.T) {
	cases := map[int64]int64{0: 0, 1: 1, 4: 5, 10: 12, 40: 50, 100: 125, 101: 126}
	for price, want := range cases {
		if got := PurchaseBonus(price); got != want {
			t.Errorf("PurchaseBonus(%d) = %d, want %d", price, got, want)
		}
	}
}

func TestResolve_PurchaseWithoutOtherHolders(t *testing.T) {
	holders := &holdersStub{}
	plan, err := NewLotteryResolver(fixedPicker{}).Resolve(context.Background(), holders, goldCoin, "ana")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Type != domain.PlanPurchase || plan.BuyerScore != 50 || plan.Loser != nil {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if holders.excluded != "ana" {
		t.Fatalf("buyer must be excluded from the draw, excluded %q", holders.excluded)
	}
}

func TestResolve_LotteryPicksDrawnHolder(t *testing.T) {
	holders := &holdersStub{refs: []domain.HolderRef{
		{UserID: "bob", HoldingID: uuid.New()},
		{UserID: "carol", HoldingID: uuid.New()},
	}}
	plan, err := NewLotteryResolver(fixedPicker{idx: 1}).Resolve(context.Background(), holders, goldCoin, "ana")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Type != domain.PlanLottery || plan.Loser.UserID != "carol" || plan.BuyerScore != 15 || plan.LoserScore != 15 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestResolve_RejectsOutOfRangePick(t *testing.T) {
	holders := &holdersStub{refs: []domain.HolderRef{{UserID: "bob"}}}
	_, err := NewLotteryResolver(fixedPicker{idx: 3}).Resolve(context.Background(), holders, goldCoin, "ana")
	if !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestFreshSeedPicker_CoversEveryIndex(t *testing.T) {
	var p freshSeedPicker
	seen := make(map[int]bool)
	for i := 0; i < 2000; i++ {
		idx := p.IntN(4)
		if idx < 0 || idx >= 4 {
			t.Fatalf("IntN(4) returned %d", idx)
		}
		seen[idx] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected every index to be drawn, saw %v", seen)
	}
}
