package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/romapay/exchange-service/internal/domain"
)

type userKey struct {
	userID string
	key    string
}

// MemoryRepository is an in-memory implementation of Repository for local runs and
// tests. A single mutex serializes units of work; a failed unit of work is undone
// from a journal of inverse operations.
type MemoryRepository struct {
	mu  sync.RWMutex
	now func() time.Time

	tokens         map[string]domain.TokenDefinition
	accounts       map[string]*domain.LedgerAccount
	holdings       []domain.TokenHolding // acquisition order
	ledger         []domain.LedgerTransaction
	ledgerKeys     map[userKey]int
	payments       map[string]*domain.PaymentRequest
	withdrawals    map[uuid.UUID]*domain.WithdrawalRequest
	withdrawalKeys map[userKey]uuid.UUID
	notifications  []domain.Notification
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		now:            time.Now,
		tokens:         make(map[string]domain.TokenDefinition),
		accounts:       make(map[string]*domain.LedgerAccount),
		ledgerKeys:     make(map[userKey]int),
		payments:       make(map[string]*domain.PaymentRequest),
		withdrawals:    make(map[uuid.UUID]*domain.WithdrawalRequest),
		withdrawalKeys: make(map[userKey]uuid.UUID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRepository) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{repo: r}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// --- Catalog ---

func (r *MemoryRepository) GetToken(ctx context.Context, tokenID string) (*domain.TokenDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, domain.ErrInvalidToken
	}
	return &t, nil
}

func (r *MemoryRepository) ListTokens(ctx context.Context) ([]domain.TokenDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TokenDefinition, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) UpsertToken(ctx context.Context, t domain.TokenDefinition) error {
	if t.ID == "" || t.Price <= 0 || t.Points < 0 {
		return fmt.Errorf("upsert token %q: %w", t.ID, domain.ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.ID] = t
	return nil
}

// --- Ledger and ownership reads ---

func (r *MemoryRepository) GetBalances(ctx context.Context, userID string) (domain.Balances, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[userID]
	if !ok {
		return domain.Balances{}, nil
	}
	return domain.Balances{Credits: acc.Credits, Score: acc.Score}, nil
}

func (r *MemoryRepository) ListHoldings(ctx context.Context, userID string) ([]domain.TokenHolding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.TokenHolding
	for _, h := range r.holdings {
		if h.OwnerID == userID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListHoldersExcluding(ctx context.Context, tokenID, excludedUserID string) ([]domain.HolderRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.holdersExcluding(tokenID, excludedUserID), nil
}

func (r *MemoryRepository) holdersExcluding(tokenID, excludedUserID string) []domain.HolderRef {
	var out []domain.HolderRef
	for _, h := range r.holdings {
		if h.TokenID == tokenID && h.OwnerID != excludedUserID {
			out = append(out, domain.HolderRef{UserID: h.OwnerID, HoldingID: h.ID})
		}
	}
	return out
}

func (r *MemoryRepository) FindLedgerTransaction(ctx context.Context, userID, idempotencyKey string) (*domain.LedgerTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.ledgerKeys[userKey{userID: userID, key: idempotencyKey}]
	if !ok {
		return nil, domain.ErrLedgerTransactionNotFound
	}
	lt := r.ledger[idx]
	return &lt, nil
}

func (r *MemoryRepository) ListLedgerTransactions(ctx context.Context, userID string, limit int) ([]domain.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.LedgerTransaction
	for i := len(r.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if r.ledger[i].UserID == userID {
			out = append(out, r.ledger[i])
		}
	}
	return out, nil
}

func (r *MemoryRepository) SumLedgerDeltas(ctx context.Context, userID string) (domain.Balances, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b domain.Balances
	for _, lt := range r.ledger {
		if lt.UserID == userID {
			b.Credits += lt.CreditsDelta
			b.Score += lt.ScoreDelta
		}
	}
	return b, nil
}

// --- Payments ---

func (r *MemoryRepository) CreatePaymentRequest(ctx context.Context, p *domain.PaymentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.payments[p.ProviderPaymentID]; exists {
		return fmt.Errorf("%w: provider payment %s already recorded", domain.ErrDuplicateApplication, p.ProviderPaymentID)
	}
	if p.Provider == "" {
		p.Provider = domain.ProviderPix
	}
	stored := *p
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	r.payments[p.ProviderPaymentID] = &stored
	return nil
}

func (r *MemoryRepository) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*domain.PaymentRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[providerPaymentID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	out := *p
	return &out, nil
}

func (r *MemoryRepository) ExpirePendingPayments(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, p := range r.payments {
		if p.Status == domain.PaymentPending && !p.ExpiresAt.After(now) {
			p.Status = domain.PaymentExpired
			p.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// --- Withdrawals ---

func (r *MemoryRepository) GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.withdrawals[id]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	out := *w
	return &out, nil
}

func (r *MemoryRepository) FindWithdrawalByKey(ctx context.Context, userID, idempotencyKey string) (*domain.WithdrawalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.withdrawalKeys[userKey{userID: userID, key: idempotencyKey}]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	out := *r.withdrawals[id]
	return &out, nil
}

func (r *MemoryRepository) ListWithdrawals(ctx context.Context, userID string) ([]domain.WithdrawalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WithdrawalRequest
	for _, w := range r.withdrawals {
		if w.UserID == userID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- Notifications ---

func (r *MemoryRepository) InsertNotification(ctx context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.notifications {
		if existing.ID == n.ID {
			return nil
		}
	}
	r.notifications = append(r.notifications, *n)
	return nil
}

func (r *MemoryRepository) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Notification
	for i := len(r.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if r.notifications[i].UserID == userID {
			out = append(out, r.notifications[i])
		}
	}
	return out, nil
}

// --- Tx ---

// memoryTx runs with the repository mutex held; its methods must not call the
// locking read methods of MemoryRepository.
type memoryTx struct {
	repo *MemoryRepository
	undo []func()
}

func (t *memoryTx) record(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) ListHoldersExcluding(ctx context.Context, tokenID, excludedUserID string) ([]domain.HolderRef, error) {
	return t.repo.holdersExcluding(tokenID, excludedUserID), nil
}

func (t *memoryTx) LockToken(ctx context.Context, tokenID string) error {
	return ctx.Err()
}

func (t *memoryTx) account(userID string) *domain.LedgerAccount {
	r := t.repo
	acc, ok := r.accounts[userID]
	if ok {
		return acc
	}
	acc = &domain.LedgerAccount{UserID: userID, UpdatedAt: r.now()}
	r.accounts[userID] = acc
	t.record(func() { delete(r.accounts, userID) })
	return acc
}

func (t *memoryTx) LockAccounts(ctx context.Context, userIDs []string) (map[string]domain.Balances, error) {
	out := make(map[string]domain.Balances, len(userIDs))
	for _, id := range sortedUnique(userIDs) {
		acc := t.account(id)
		out[id] = domain.Balances{Credits: acc.Credits, Score: acc.Score}
	}
	return out, nil
}

func (t *memoryTx) ApplyDelta(ctx context.Context, d domain.Delta) (domain.Balances, error) {
	r := t.repo
	key := userKey{userID: d.UserID, key: d.IdempotencyKey}
	if _, exists := r.ledgerKeys[key]; exists {
		return domain.Balances{}, domain.ErrDuplicateApplication
	}

	acc := t.account(d.UserID)
	next := domain.Balances{Credits: acc.Credits + d.Credits, Score: acc.Score + d.Score}
	if next.Credits < 0 {
		return domain.Balances{}, domain.ErrInsufficientFunds
	}
	if next.Score < 0 {
		return domain.Balances{}, domain.ErrInsufficientScore
	}

	now := r.now()
	lt := domain.LedgerTransaction{
		ID:               uuid.New(),
		UserID:           d.UserID,
		Kind:             d.Kind,
		CreditsDelta:     d.Credits,
		ScoreDelta:       d.Score,
		CreditsAfter:     next.Credits,
		ScoreAfter:       next.Score,
		Description:      d.Description,
		RelatedTokenID:   nullableString(d.RelatedTokenID),
		RelatedHoldingID: d.RelatedHoldingID,
		IdempotencyKey:   d.IdempotencyKey,
		CreatedAt:        now,
	}
	prevLen := len(r.ledger)
	r.ledger = append(r.ledger, lt)
	r.ledgerKeys[key] = prevLen
	t.record(func() {
		r.ledger = r.ledger[:prevLen]
		delete(r.ledgerKeys, key)
	})

	prev := *acc
	acc.Credits, acc.Score, acc.UpdatedAt = next.Credits, next.Score, now
	t.record(func() { *acc = prev })

	return next, nil
}

func (t *memoryTx) AddHolding(ctx context.Context, userID, tokenID string, price int64) (uuid.UUID, error) {
	r := t.repo
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate holding id: %w", err)
	}
	r.holdings = append(r.holdings, domain.TokenHolding{
		ID:            id,
		TokenID:       tokenID,
		OwnerID:       userID,
		PurchasePrice: price,
		AcquiredAt:    r.now(),
	})
	t.record(func() {
		for i := len(r.holdings) - 1; i >= 0; i-- {
			if r.holdings[i].ID == id {
				r.holdings = append(r.holdings[:i], r.holdings[i+1:]...)
				return
			}
		}
	})
	return id, nil
}

func (t *memoryTx) RemoveOldestHolding(ctx context.Context, userID, tokenID string) (uuid.UUID, error) {
	r := t.repo
	for i, h := range r.holdings {
		if h.OwnerID != userID || h.TokenID != tokenID {
			continue
		}
		removed := h
		r.holdings = append(r.holdings[:i], r.holdings[i+1:]...)
		t.record(func() {
			r.holdings = append(r.holdings, domain.TokenHolding{})
			copy(r.holdings[i+1:], r.holdings[i:])
			r.holdings[i] = removed
		})
		return removed.ID, nil
	}
	return uuid.Nil, domain.ErrNoHoldingFound
}

func (t *memoryTx) TransitionPaymentStatus(ctx context.Context, providerPaymentID string, from []domain.PaymentStatus, to domain.PaymentStatus, at time.Time) (*domain.PaymentRequest, error) {
	p, ok := t.repo.payments[providerPaymentID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	allowed := false
	for _, s := range from {
		if p.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, domain.ErrPaymentStateConflict
	}

	prev := *p
	p.Status = to
	p.UpdatedAt = at
	if to == domain.PaymentCompleted {
		completedAt := at
		p.CompletedAt = &completedAt
	}
	t.record(func() { *p = prev })

	out := *p
	return &out, nil
}

func (t *memoryTx) InsertWithdrawal(ctx context.Context, w *domain.WithdrawalRequest) error {
	r := t.repo
	key := userKey{userID: w.UserID, key: w.IdempotencyKey}
	if _, exists := r.withdrawalKeys[key]; exists {
		return domain.ErrDuplicateApplication
	}
	stored := *w
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	r.withdrawals[w.ID] = &stored
	r.withdrawalKeys[key] = w.ID
	t.record(func() {
		delete(r.withdrawals, w.ID)
		delete(r.withdrawalKeys, key)
	})
	return nil
}

func (t *memoryTx) TransitionWithdrawal(ctx context.Context, id uuid.UUID, from, to domain.WithdrawalStatus, reviewer string, at time.Time) (*domain.WithdrawalRequest, error) {
	w, ok := t.repo.withdrawals[id]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	if w.Status != from {
		return nil, domain.ErrWithdrawalStateConflict
	}
	prev := *w
	reviewedBy, reviewedAt := reviewer, at
	w.Status = to
	w.ReviewedBy = &reviewedBy
	w.ReviewedAt = &reviewedAt
	w.UpdatedAt = at
	t.record(func() { *w = prev })

	out := *w
	return &out, nil
}
