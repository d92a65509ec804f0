package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
	"github.com/romapay/exchange-service/internal/store"
	"github.com/shopspring/decimal"
)

// WithdrawalService converts score into PIX payouts reviewed by an administrator.
type WithdrawalService struct {
	repo       store.Repository
	ledger     *Ledger
	observer   BalanceObserver
	notifier   UserNotifier
	logger     *slog.Logger
	pointValue decimal.Decimal
	now        func() time.Time
}

func NewWithdrawalService(repo store.Repository, ledger *Ledger, observer BalanceObserver, notifier UserNotifier, logger *slog.Logger, pointValue decimal.Decimal) *WithdrawalService {
	return &WithdrawalService{
		repo:       repo,
		ledger:     ledger,
		observer:   observer,
		notifier:   notifier,
		logger:     logger,
		pointValue: pointValue,
		now:        time.Now,
	}
}

// Requests and reversals share the user's ledger but never each other's key space.
func withdrawalKey(requestID string) string {
	return "withdrawal:req:" + requestID
}

func reversalKey(id uuid.UUID) string {
	return "withdrawal:rev:" + id.String()
}

// RequestWithdrawal debits the points from the user's score and records a pending
// request. Repeating requestID returns the original request.
func (s *WithdrawalService) RequestWithdrawal(ctx context.Context, userID, requestID string, req domain.CreateWithdrawalRequest) (*domain.WithdrawalRequest, error) {
	userID = strings.TrimSpace(userID)
	requestID = strings.TrimSpace(requestID)
	req.PixKey = strings.TrimSpace(req.PixKey)
	if userID == "" || requestID == "" {
		return nil, fmt.Errorf("%w: user and request id are required", domain.ErrInvalidRequest)
	}
	if err := checkRequestID(requestID); err != nil {
		return nil, err
	}
	if req.Points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", domain.ErrInvalidAmount)
	}
	if req.PixKey == "" {
		return nil, fmt.Errorf("%w: pix key is required", domain.ErrInvalidRequest)
	}

	key := withdrawalKey(requestID)
	if prior, err := s.replay(ctx, userID, key, req); err != nil || prior != nil {
		return prior, err
	}

	now := s.now()
	w := &domain.WithdrawalRequest{
		ID:             uuid.New(),
		UserID:         userID,
		Points:         req.Points,
		Amount:         s.pointValue.Mul(decimal.NewFromInt(req.Points)).Round(2),
		PixKey:         req.PixKey,
		Status:         domain.WithdrawalPending,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var balances domain.Balances
	err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		bal, err := s.ledger.ApplyDelta(ctx, tx, domain.Delta{
			UserID:         userID,
			Score:          -req.Points,
			Kind:           domain.KindWithdrawalRequest,
			Description:    fmt.Sprintf("Withdrawal of %d points", req.Points),
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return err
		}
		balances = bal
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateApplication) {
			if prior, replayErr := s.replay(ctx, userID, key, req); replayErr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}

	withdrawalTotal.WithLabelValues("requested").Inc()
	s.logger.Info("withdrawal requested", "withdrawal_id", w.ID, "user_id", userID, "points", req.Points, "amount", w.Amount.StringFixed(2))
	if s.observer != nil {
		s.observer.BalancesChanged(ctx, []domain.BalanceChange{{
			UserID:  userID,
			Kind:    domain.KindWithdrawalRequest,
			Credits: balances.Credits,
			Score:   balances.Score,
		}})
	}
	return w, nil
}

func (s *WithdrawalService) replay(ctx context.Context, userID, key string, req domain.CreateWithdrawalRequest) (*domain.WithdrawalRequest, error) {
	prior, err := s.repo.FindWithdrawalByKey(ctx, userID, key)
	if err != nil {
		if errors.Is(err, domain.ErrWithdrawalNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup prior withdrawal: %w", err)
	}
	if prior.Points != req.Points || prior.PixKey != req.PixKey {
		return nil, fmt.Errorf("%w: withdrawal request reused with different details", domain.ErrIdempotencyMismatch)
	}
	withdrawalTotal.WithLabelValues("replayed").Inc()
	return prior, nil
}

// Approve marks a pending withdrawal as paid out.
func (s *WithdrawalService) Approve(ctx context.Context, id uuid.UUID, reviewer string) (*domain.WithdrawalRequest, error) {
	var approved *domain.WithdrawalRequest
	err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		w, err := tx.TransitionWithdrawal(ctx, id, domain.WithdrawalPending, domain.WithdrawalApproved, reviewer, s.now())
		if err != nil {
			return err
		}
		approved = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	withdrawalTotal.WithLabelValues("approved").Inc()
	s.logger.Info("withdrawal approved", "withdrawal_id", id, "user_id", approved.UserID, "reviewer", reviewer)
	if s.notifier != nil {
		s.notifier.Notify(ctx, domain.RoutingKeyWithdrawalReviewed, approved.UserID,
			"Withdrawal approved",
			fmt.Sprintf("Your withdrawal of R$ %s was approved and sent to your PIX key.", approved.Amount.StringFixed(2)))
	}
	return approved, nil
}

// Reject marks a pending withdrawal as rejected and restores the points.
func (s *WithdrawalService) Reject(ctx context.Context, id uuid.UUID, reviewer string) (*domain.WithdrawalRequest, error) {
	var rejected *domain.WithdrawalRequest
	var balances domain.Balances
	err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		w, err := tx.TransitionWithdrawal(ctx, id, domain.WithdrawalPending, domain.WithdrawalRejected, reviewer, s.now())
		if err != nil {
			return err
		}
		bal, err := s.ledger.ApplyDelta(ctx, tx, domain.Delta{
			UserID:         w.UserID,
			Score:          w.Points,
			Kind:           domain.KindWithdrawalReversal,
			Description:    fmt.Sprintf("Withdrawal of %d points rejected", w.Points),
			IdempotencyKey: reversalKey(w.ID),
		})
		if err != nil {
			return err
		}
		rejected, balances = w, bal
		return nil
	})
	if err != nil {
		return nil, err
	}

	withdrawalTotal.WithLabelValues("rejected").Inc()
	s.logger.Info("withdrawal rejected", "withdrawal_id", id, "user_id", rejected.UserID, "reviewer", reviewer)
	if s.observer != nil {
		s.observer.BalancesChanged(ctx, []domain.BalanceChange{{
			UserID:  rejected.UserID,
			Kind:    domain.KindWithdrawalReversal,
			Credits: balances.Credits,
			Score:   balances.Score,
		}})
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, domain.RoutingKeyWithdrawalReviewed, rejected.UserID,
			"Withdrawal rejected",
			fmt.Sprintf("Your withdrawal was rejected and %d points were returned to your score.", rejected.Points))
	}
	return rejected, nil
}

// List returns the user's withdrawal requests, newest first.
func (s *WithdrawalService) List(ctx context.Context, userID string) ([]domain.WithdrawalRequest, error) {
	return s.repo.ListWithdrawals(ctx, userID)
}
