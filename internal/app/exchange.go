package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/internal/store"
)

const defaultRetryInitial = 25 * time.Millisecond

// ExchangeService executes token purchases and lotteries as a single unit of work.
type ExchangeService struct {
	repo         store.Repository
	ledger       *Ledger
	resolver     *LotteryResolver
	observer     BalanceObserver
	notifier     UserNotifier
	logger       *slog.Logger
	maxRetries   int
	retryInitial time.Duration
}

// NewExchangeService wires the orchestrator. observer and notifier may be nil.
func NewExchangeService(
	repo store.Repository,
	ledger *Ledger,
	resolver *LotteryResolver,
	observer BalanceObserver,
	notifier UserNotifier,
	logger *slog.Logger,
	maxRetries int,
) *ExchangeService {
	return &ExchangeService{
		repo:         repo,
		ledger:       ledger,
		resolver:     resolver,
		observer:     observer,
		notifier:     notifier,
		logger:       logger,
		maxRetries:   maxRetries,
		retryInitial: defaultRetryInitial,
	}
}

func buyerKey(requestID string) string {
	return "purchase:" + requestID
}

// The loser's key is scoped by buyer because request ids are only unique per buyer.
// Request ids carry no ':', so the last segment always names the request.
func loserKey(buyerID, requestID string) string {
	return "lottery:" + buyerID + ":" + requestID
}

// checkRequestID rejects client idempotency keys that could splice into another
// key's layout.
func checkRequestID(requestID string) error {
	if strings.Contains(requestID, ":") {
		return fmt.Errorf("%w: request id must not contain ':'", domain.ErrInvalidRequest)
	}
	return nil
}

// Execute acquires one unit of req.TokenID for req.BuyerID. When other users hold
// the token, one of their holdings is transferred to the buyer and both parties
// receive the token's points. A repeated RequestID returns the first result with
// Replayed set and changes nothing.
func (s *ExchangeService) Execute(ctx context.Context, req domain.ExecuteRequest) (*domain.ExchangeResult, error) {
	started := time.Now()
	defer func() { exchangeDuration.Observe(time.Since(started).Seconds()) }()

	req.BuyerID = strings.TrimSpace(req.BuyerID)
	req.TokenID = strings.TrimSpace(req.TokenID)
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.BuyerID == "" || req.TokenID == "" || req.RequestID == "" {
		return nil, fmt.Errorf("%w: buyer, token and request id are required", domain.ErrInvalidRequest)
	}
	if err := checkRequestID(req.RequestID); err != nil {
		return nil, err
	}

	token, err := s.repo.GetToken(ctx, req.TokenID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidToken) {
			exchangeTotal.WithLabelValues("unknown", "invalid_token").Inc()
		}
		return nil, err
	}

	if prior, err := s.replay(ctx, req, *token); err != nil || prior != nil {
		return prior, err
	}

	balances, err := s.repo.GetBalances(ctx, req.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("load buyer balances: %w", err)
	}
	if balances.Credits < token.Price {
		exchangeTotal.WithLabelValues("unknown", "insufficient_credits").Inc()
		return nil, domain.ErrInsufficientCredits
	}

	var result *domain.ExchangeResult
	err = retryTransient(ctx, s.maxRetries, s.retryInitial,
		func(err error) bool { return errors.Is(err, domain.ErrTransientConflict) },
		func(err error, wait time.Duration) {
			exchangeRetries.Inc()
			s.logger.Warn("exchange conflict; retrying", "token_id", token.ID, "buyer_id", req.BuyerID, "wait", wait, "error", err)
		},
		func() error {
			return s.repo.RunInTx(ctx, func(tx store.Tx) error {
				r, err := s.apply(ctx, tx, *token, req)
				if err != nil {
					return err
				}
				result = r
				return nil
			})
		},
	)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateApplication) {
			// A concurrent request with the same key committed first.
			if prior, replayErr := s.replay(ctx, req, *token); replayErr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, s.mapFailure(err, req, *token)
	}

	exchangeTotal.WithLabelValues(string(result.Type), "success").Inc()
	s.logger.Info("exchange completed",
		"type", result.Type,
		"token_id", token.ID,
		"buyer_id", req.BuyerID,
		"new_credits", result.NewCredits,
		"new_score", result.NewScore,
	)
	s.announce(ctx, result, *token, req.BuyerID)
	return result, nil
}

func (s *ExchangeService) mapFailure(err error, req domain.ExecuteRequest, token domain.TokenDefinition) error {
	switch {
	case errors.Is(err, domain.ErrDuplicateApplication):
		exchangeTotal.WithLabelValues("unknown", "duplicate").Inc()
		return err
	case errors.Is(err, domain.ErrInsufficientCredits), errors.Is(err, domain.ErrInsufficientFunds):
		exchangeTotal.WithLabelValues("unknown", "insufficient_credits").Inc()
		return domain.ErrInsufficientCredits
	case errors.Is(err, domain.ErrNoHoldingFound):
		exchangeTotal.WithLabelValues(string(domain.PlanLottery), "invariant_violation").Inc()
		s.logger.Error("selected holder has no holding inside locked exchange",
			"token_id", token.ID, "buyer_id", req.BuyerID, "request_id", req.RequestID, "error", err)
		return fmt.Errorf("%w: exchange of token %s", domain.ErrInvariantViolation, token.ID)
	case errors.Is(err, domain.ErrLockTimeout):
		exchangeTotal.WithLabelValues("unknown", "lock_timeout").Inc()
		return err
	}
	exchangeTotal.WithLabelValues("unknown", "error").Inc()
	s.logger.Error("exchange failed", "token_id", token.ID, "buyer_id", req.BuyerID, "error", err)
	return err
}

// apply runs inside the unit of work. The token lock is taken before the holder
// set is read so that concurrent buyers of the same token see each other's effects.
func (s *ExchangeService) apply(ctx context.Context, tx store.Tx, token domain.TokenDefinition, req domain.ExecuteRequest) (*domain.ExchangeResult, error) {
	if err := tx.LockToken(ctx, token.ID); err != nil {
		return nil, err
	}

	plan, err := s.resolver.Resolve(ctx, tx, token, req.BuyerID)
	if err != nil {
		return nil, err
	}

	participants := []string{req.BuyerID}
	if plan.Type == domain.PlanLottery {
		participants = append(participants, plan.Loser.UserID)
	}
	locked, err := tx.LockAccounts(ctx, participants)
	if err != nil {
		return nil, err
	}
	if locked[req.BuyerID].Credits < token.Price {
		return nil, domain.ErrInsufficientCredits
	}

	if plan.Type == domain.PlanLottery {
		if _, err := tx.RemoveOldestHolding(ctx, plan.Loser.UserID, token.ID); err != nil {
			return nil, err
		}
	}

	holdingID, err := tx.AddHolding(ctx, req.BuyerID, token.ID, token.Price)
	if err != nil {
		return nil, err
	}

	buyerKind := domain.KindPurchase
	description := fmt.Sprintf("Purchased %s", token.Name)
	if plan.Type == domain.PlanLottery {
		buyerKind = domain.KindLotteryWin
		description = fmt.Sprintf("Won %s in a lottery", token.Name)
	}
	buyerBalances, err := s.ledger.ApplyDelta(ctx, tx, domain.Delta{
		UserID:           req.BuyerID,
		Credits:          -token.Price,
		Score:            plan.BuyerScore,
		Kind:             buyerKind,
		Description:      description,
		RelatedTokenID:   token.ID,
		RelatedHoldingID: &holdingID,
		IdempotencyKey:   buyerKey(req.RequestID),
	})
	if err != nil {
		return nil, err
	}

	result := &domain.ExchangeResult{
		Type:         plan.Type,
		TokenID:      token.ID,
		NewCredits:   buyerBalances.Credits,
		NewScore:     buyerBalances.Score,
		PointsEarned: plan.BuyerScore,
		HoldingID:    &holdingID,
		Changes: []domain.BalanceChange{{
			UserID:  req.BuyerID,
			Kind:    buyerKind,
			Credits: buyerBalances.Credits,
			Score:   buyerBalances.Score,
		}},
	}

	if plan.Type == domain.PlanLottery {
		loserBalances, err := s.ledger.ApplyDelta(ctx, tx, domain.Delta{
			UserID:         plan.Loser.UserID,
			Score:          plan.LoserScore,
			Kind:           domain.KindLotteryLoss,
			Description:    fmt.Sprintf("Lost %s in a lottery", token.Name),
			RelatedTokenID: token.ID,
			IdempotencyKey: loserKey(req.BuyerID, req.RequestID),
		})
		if err != nil {
			return nil, err
		}
		result.Changes = append(result.Changes, domain.BalanceChange{
			UserID:  plan.Loser.UserID,
			Kind:    domain.KindLotteryLoss,
			Credits: loserBalances.Credits,
			Score:   loserBalances.Score,
		})
	}

	return result, nil
}

// replay returns the recorded result when the buyer already used this request id.
func (s *ExchangeService) replay(ctx context.Context, req domain.ExecuteRequest, token domain.TokenDefinition) (*domain.ExchangeResult, error) {
	prior, err := s.repo.FindLedgerTransaction(ctx, req.BuyerID, buyerKey(req.RequestID))
	if err != nil {
		if errors.Is(err, domain.ErrLedgerTransactionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup prior exchange: %w", err)
	}
	if prior.RelatedTokenID == nil || *prior.RelatedTokenID != token.ID {
		return nil, fmt.Errorf("%w: request %s was used for another token", domain.ErrIdempotencyMismatch, req.RequestID)
	}

	planType := domain.PlanPurchase
	if prior.Kind == domain.KindLotteryWin {
		planType = domain.PlanLottery
	}
	exchangeTotal.WithLabelValues(string(planType), "replayed").Inc()
	return &domain.ExchangeResult{
		Type:         planType,
		TokenID:      token.ID,
		NewCredits:   prior.CreditsAfter,
		NewScore:     prior.ScoreAfter,
		PointsEarned: prior.ScoreDelta,
		HoldingID:    prior.RelatedHoldingID,
		Replayed:     true,
	}, nil
}

func (s *ExchangeService) announce(ctx context.Context, result *domain.ExchangeResult, token domain.TokenDefinition, buyerID string) {
	if s.observer != nil {
		s.observer.BalancesChanged(ctx, result.Changes)
	}
	if s.notifier == nil {
		return
	}
	if result.Type == domain.PlanPurchase {
		s.notifier.Notify(ctx, domain.RoutingKeyExchangePurchased, buyerID,
			"Purchase complete",
			fmt.Sprintf("You bought %s and earned %d points.", token.Name, result.PointsEarned))
		return
	}
	s.notifier.Notify(ctx, domain.RoutingKeyExchangeLotteryWon, buyerID,
		"You won the lottery",
		fmt.Sprintf("You won %s from another holder and earned %d points.", token.Name, result.PointsEarned))
	for _, change := range result.Changes {
		if change.Kind != domain.KindLotteryLoss {
			continue
		}
		s.notifier.Notify(ctx, domain.RoutingKeyExchangeLotteryLost, change.UserID,
			"A token changed hands",
			fmt.Sprintf("Another user won one of your %s. You received %d points.", token.Name, token.Points))
	}
}

// Catalog lists the token definitions that can be exchanged.
func (s *ExchangeService) Catalog(ctx context.Context) ([]domain.TokenDefinition, error) {
	return s.repo.ListTokens(ctx)
}

// Holdings lists the user's holdings, oldest first.
func (s *ExchangeService) Holdings(ctx context.Context, userID string) ([]domain.TokenHolding, error) {
	return s.repo.ListHoldings(ctx, userID)
}
