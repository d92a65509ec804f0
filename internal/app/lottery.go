package app

import (
	"context"
	crand "crypto/rand"
	"fmt"
	mrand "math/rand/v2"

	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/internal/store"
)

// Picker draws a uniform index in [0, n).
type Picker interface {
	IntN(n int) int
}

// freshSeedPicker seeds a new generator from the OS entropy source on every draw.
type freshSeedPicker struct{}

func (freshSeedPicker) IntN(n int) int {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// The top-level generator is randomly seeded by the runtime.
		return mrand.IntN(n)
	}
	return mrand.New(mrand.NewChaCha8(seed)).IntN(n)
}

// PurchaseBonus is the score awarded for buying a token nobody else holds:
// floor(price * 1.25).
func PurchaseBonus(price int64) int64 {
	return price * 5 / 4
}

// LotteryResolver decides whether an exchange is a plain purchase or a lottery
// against an existing holder. It never writes.
type LotteryResolver struct {
	picker Picker
}

// NewLotteryResolver returns a resolver. A nil picker uses a freshly seeded
// cryptographic source per draw.
func NewLotteryResolver(picker Picker) *LotteryResolver {
	if picker == nil {
		picker = freshSeedPicker{}
	}
	return &LotteryResolver{picker: picker}
}

// Resolve builds the plan for buyerID acquiring token. The loser is drawn uniformly
// over holding rows, so a user holding two units is twice as likely to lose one.
func (r *LotteryResolver) Resolve(ctx context.Context, holders store.HolderLister, token domain.TokenDefinition, buyerID string) (domain.Plan, error) {
	candidates, err := holders.ListHoldersExcluding(ctx, token.ID, buyerID)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("list holders of %s: %w", token.ID, err)
	}

	if len(candidates) == 0 {
		return domain.Plan{Type: domain.PlanPurchase, BuyerScore: PurchaseBonus(token.Price)}, nil
	}

	idx := r.picker.IntN(len(candidates))
	if idx < 0 || idx >= len(candidates) {
		return domain.Plan{}, fmt.Errorf("%w: picker returned %d for %d candidates", domain.ErrInvariantViolation, idx, len(candidates))
	}
	loser := candidates[idx]
	return domain.Plan{
		Type:       domain.PlanLottery,
		Loser:      &loser,
		BuyerScore: token.Points,
		LoserScore: token.Points,
	}, nil
}
