/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` and `Tx`
 * interfaces. It contains the SQL for the ledger, ownership, payment, withdrawal and
 * notification tables.
 *
 * @notes
 * - Units of work run at READ COMMITTED with `SET LOCAL lock_timeout`. Exchanges of the
 *   same token kind are serialized with a transaction scoped advisory lock and ledger
 *   rows are locked `FOR UPDATE` in ascending user id order.
 * - Lock timeouts surface as domain.ErrLockTimeout; serialization failures and
 *   deadlocks surface as domain.ErrTransientConflict so callers may retry.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: For currency amounts stored as NUMERIC.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/romapay/exchange-service/internal/domain"
	"github.com/shopspring/decimal"
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation      = "23505"
	pgErrLockNotAvailable     = "55P03"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
)

const (
	paymentColumns    = `id, user_id, provider_payment_id, provider, credits_requested, amount::text, status, qr_code, qr_code_base64, checkout_url, expires_at, completed_at, created_at, updated_at`
	withdrawalColumns = `id, user_id, points, amount::text, pix_key, status, idempotency_key, reviewed_by, reviewed_at, created_at, updated_at`
	ledgerTxColumns   = `id, user_id, kind, credits_delta, score_delta, credits_after, score_after, description, related_token_id, related_holding_id, idempotency_key, created_at`
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository. A zero
// lockTimeout leaves the server default in place.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

// RunInTx runs fn inside a database transaction and commits when fn returns nil.
func (r *PostgresRepository) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classifyPgError(err))
	}
	defer tx.Rollback(ctx)

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", classifyPgError(err))
	}
	return nil
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgErrLockNotAvailable:
		return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pgErr.Message)
	case pgErrSerializationFailure, pgErrDeadlockDetected:
		return fmt.Errorf("%w: %s", domain.ErrTransientConflict, pgErr.Message)
	}
	return err
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

func nullableString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// --- Catalog ---

func (r *PostgresRepository) GetToken(ctx context.Context, tokenID string) (*domain.TokenDefinition, error) {
	var t domain.TokenDefinition
	err := r.db.QueryRow(ctx,
		`SELECT id, name, description, image_url, price, points FROM tokens WHERE id = $1`,
		tokenID,
	).Scan(&t.ID, &t.Name, &t.Description, &t.ImageURL, &t.Price, &t.Points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvalidToken
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

func (r *PostgresRepository) ListTokens(ctx context.Context) ([]domain.TokenDefinition, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, description, image_url, price, points FROM tokens ORDER BY price ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.TokenDefinition
	for rows.Next() {
		var t domain.TokenDefinition
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.ImageURL, &t.Price, &t.Points); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *PostgresRepository) UpsertToken(ctx context.Context, t domain.TokenDefinition) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tokens (id, name, description, image_url, price, points)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			image_url = EXCLUDED.image_url,
			price = EXCLUDED.price,
			points = EXCLUDED.points`,
		t.ID, t.Name, t.Description, t.ImageURL, t.Price, t.Points,
	)
	if err != nil {
		return fmt.Errorf("upsert token %s: %w", t.ID, err)
	}
	return nil
}

// --- Ledger and ownership reads ---

func (r *PostgresRepository) GetBalances(ctx context.Context, userID string) (domain.Balances, error) {
	var b domain.Balances
	err := r.db.QueryRow(ctx, `SELECT credits, score FROM ledger_accounts WHERE user_id = $1`, userID).Scan(&b.Credits, &b.Score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balances{}, nil
		}
		return domain.Balances{}, fmt.Errorf("get balances: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) ListHoldings(ctx context.Context, userID string) ([]domain.TokenHolding, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, token_id, owner_id, purchase_price, acquired_at
		FROM token_holdings
		WHERE owner_id = $1
		ORDER BY acquired_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []domain.TokenHolding
	for rows.Next() {
		var h domain.TokenHolding
		if err := rows.Scan(&h.ID, &h.TokenID, &h.OwnerID, &h.PurchasePrice, &h.AcquiredAt); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (r *PostgresRepository) ListHoldersExcluding(ctx context.Context, tokenID, excludedUserID string) ([]domain.HolderRef, error) {
	return listHoldersExcluding(ctx, r.db, tokenID, excludedUserID)
}

func listHoldersExcluding(ctx context.Context, q querier, tokenID, excludedUserID string) ([]domain.HolderRef, error) {
	rows, err := q.Query(ctx, `
		SELECT owner_id, id
		FROM token_holdings
		WHERE token_id = $1 AND owner_id <> $2
		ORDER BY acquired_at ASC, id ASC`, tokenID, excludedUserID)
	if err != nil {
		return nil, fmt.Errorf("list holders: %w", err)
	}
	defer rows.Close()

	var holders []domain.HolderRef
	for rows.Next() {
		var h domain.HolderRef
		if err := rows.Scan(&h.UserID, &h.HoldingID); err != nil {
			return nil, fmt.Errorf("scan holder: %w", err)
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

func (r *PostgresRepository) FindLedgerTransaction(ctx context.Context, userID, idempotencyKey string) (*domain.LedgerTransaction, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+ledgerTxColumns+` FROM ledger_transactions WHERE user_id = $1 AND idempotency_key = $2`,
		userID, idempotencyKey)
	lt, err := scanLedgerTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLedgerTransactionNotFound
		}
		return nil, fmt.Errorf("find ledger transaction: %w", err)
	}
	return lt, nil
}

func (r *PostgresRepository) ListLedgerTransactions(ctx context.Context, userID string, limit int) ([]domain.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+ledgerTxColumns+` FROM ledger_transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		lt, err := scanLedgerTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger transaction: %w", err)
		}
		out = append(out, *lt)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SumLedgerDeltas(ctx context.Context, userID string) (domain.Balances, error) {
	var b domain.Balances
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(credits_delta), 0)::bigint, COALESCE(SUM(score_delta), 0)::bigint
		FROM ledger_transactions WHERE user_id = $1`, userID).Scan(&b.Credits, &b.Score)
	if err != nil {
		return domain.Balances{}, fmt.Errorf("sum ledger deltas: %w", err)
	}
	return b, nil
}

func scanLedgerTransaction(row pgx.Row) (*domain.LedgerTransaction, error) {
	var lt domain.LedgerTransaction
	var kind string
	if err := row.Scan(
		&lt.ID, &lt.UserID, &kind, &lt.CreditsDelta, &lt.ScoreDelta, &lt.CreditsAfter, &lt.ScoreAfter,
		&lt.Description, &lt.RelatedTokenID, &lt.RelatedHoldingID, &lt.IdempotencyKey, &lt.CreatedAt,
	); err != nil {
		return nil, err
	}
	lt.Kind = domain.TransactionKind(kind)
	return &lt, nil
}

// --- Payments ---

func (r *PostgresRepository) CreatePaymentRequest(ctx context.Context, p *domain.PaymentRequest) error {
	if p.Provider == "" {
		p.Provider = domain.ProviderPix
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_requests
			(id, user_id, provider_payment_id, provider, credits_requested, amount, status, qr_code, qr_code_base64, checkout_url, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $12)`,
		p.ID, p.UserID, p.ProviderPaymentID, string(p.Provider), p.CreditsRequested, p.Amount.StringFixed(2), string(p.Status),
		p.QRCode, p.QRCodeBase64, p.CheckoutURL, p.ExpiresAt, p.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: provider payment %s already recorded", domain.ErrDuplicateApplication, p.ProviderPaymentID)
		}
		return fmt.Errorf("create payment request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*domain.PaymentRequest, error) {
	return getPaymentByProviderID(ctx, r.db, providerPaymentID)
}

func getPaymentByProviderID(ctx context.Context, q querier, providerPaymentID string) (*domain.PaymentRequest, error) {
	row := q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE provider_payment_id = $1`, providerPaymentID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment request: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) ExpirePendingPayments(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_requests
		SET status = 'expired', updated_at = $1
		WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire pending payments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPayment(row pgx.Row) (*domain.PaymentRequest, error) {
	var p domain.PaymentRequest
	var provider, amount, status string
	if err := row.Scan(
		&p.ID, &p.UserID, &p.ProviderPaymentID, &provider, &p.CreditsRequested, &amount, &status,
		&p.QRCode, &p.QRCodeBase64, &p.CheckoutURL, &p.ExpiresAt, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse payment amount %q: %w", amount, err)
	}
	p.Amount = parsed
	p.Status = domain.PaymentStatus(status)
	p.Provider = domain.PaymentProvider(provider)
	return &p, nil
}

// --- Withdrawals ---

func (r *PostgresRepository) GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error) {
	row := r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	return w, nil
}

func (r *PostgresRepository) FindWithdrawalByKey(ctx context.Context, userID, idempotencyKey string) (*domain.WithdrawalRequest, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE user_id = $1 AND idempotency_key = $2`,
		userID, idempotencyKey)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("find withdrawal: %w", err)
	}
	return w, nil
}

func (r *PostgresRepository) ListWithdrawals(ctx context.Context, userID string) ([]domain.WithdrawalRequest, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []domain.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanWithdrawal(row pgx.Row) (*domain.WithdrawalRequest, error) {
	var w domain.WithdrawalRequest
	var amount, status string
	if err := row.Scan(
		&w.ID, &w.UserID, &w.Points, &amount, &w.PixKey, &status, &w.IdempotencyKey,
		&w.ReviewedBy, &w.ReviewedAt, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal amount %q: %w", amount, err)
	}
	w.Amount = parsed
	w.Status = domain.WithdrawalStatus(status)
	return &w, nil
}

// --- Notifications ---

func (r *PostgresRepository) InsertNotification(ctx context.Context, n *domain.Notification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, type, title, message, read, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Tx ---

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) ListHoldersExcluding(ctx context.Context, tokenID, excludedUserID string) ([]domain.HolderRef, error) {
	return listHoldersExcluding(ctx, t.tx, tokenID, excludedUserID)
}

func (t *postgresTx) LockToken(ctx context.Context, tokenID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, tokenID); err != nil {
		return fmt.Errorf("lock token %s: %w", tokenID, err)
	}
	return nil
}

func (t *postgresTx) ensureAccount(ctx context.Context, userID string) error {
	if _, err := t.tx.Exec(ctx, `INSERT INTO ledger_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("ensure ledger account: %w", err)
	}
	return nil
}

func (t *postgresTx) lockAccount(ctx context.Context, userID string) (domain.Balances, error) {
	if err := t.ensureAccount(ctx, userID); err != nil {
		return domain.Balances{}, err
	}
	var b domain.Balances
	err := t.tx.QueryRow(ctx, `SELECT credits, score FROM ledger_accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&b.Credits, &b.Score)
	if err != nil {
		return domain.Balances{}, fmt.Errorf("lock ledger account: %w", err)
	}
	return b, nil
}

func (t *postgresTx) LockAccounts(ctx context.Context, userIDs []string) (map[string]domain.Balances, error) {
	ordered := sortedUnique(userIDs)
	out := make(map[string]domain.Balances, len(ordered))
	// Acquire locks in id order
	for _, id := range ordered {
		b, err := t.lockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = b
	}
	return out, nil
}

// ApplyDelta validates the delta against the locked balance, appends the ledger
// transaction and only then updates the balance, so a duplicate key leaves the
// account untouched.
func (t *postgresTx) ApplyDelta(ctx context.Context, d domain.Delta) (domain.Balances, error) {
	current, err := t.lockAccount(ctx, d.UserID)
	if err != nil {
		return domain.Balances{}, err
	}
	next := domain.Balances{Credits: current.Credits + d.Credits, Score: current.Score + d.Score}
	if next.Credits < 0 {
		return domain.Balances{}, domain.ErrInsufficientFunds
	}
	if next.Score < 0 {
		return domain.Balances{}, domain.ErrInsufficientScore
	}

	var id uuid.UUID
	err = t.tx.QueryRow(ctx, `
		INSERT INTO ledger_transactions
			(id, user_id, kind, credits_delta, score_delta, credits_after, score_after,
			 description, related_token_id, related_holding_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
		RETURNING id`,
		uuid.New(), d.UserID, string(d.Kind), d.Credits, d.Score, next.Credits, next.Score,
		d.Description, nullableString(d.RelatedTokenID), d.RelatedHoldingID, d.IdempotencyKey,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balances{}, domain.ErrDuplicateApplication
		}
		return domain.Balances{}, fmt.Errorf("append ledger transaction: %w", err)
	}

	if _, err := t.tx.Exec(ctx,
		`UPDATE ledger_accounts SET credits = $2, score = $3, updated_at = now() WHERE user_id = $1`,
		d.UserID, next.Credits, next.Score,
	); err != nil {
		return domain.Balances{}, fmt.Errorf("update ledger account: %w", err)
	}
	return next, nil
}

func (t *postgresTx) AddHolding(ctx context.Context, userID, tokenID string, price int64) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate holding id: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO token_holdings (id, token_id, owner_id, purchase_price, acquired_at)
		VALUES ($1, $2, $3, $4, clock_timestamp())`,
		id, tokenID, userID, price,
	); err != nil {
		return uuid.Nil, fmt.Errorf("add holding: %w", err)
	}
	return id, nil
}

func (t *postgresTx) RemoveOldestHolding(ctx context.Context, userID, tokenID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, `
		DELETE FROM token_holdings
		WHERE id = (
			SELECT id FROM token_holdings
			WHERE owner_id = $1 AND token_id = $2
			ORDER BY acquired_at ASC, id ASC
			LIMIT 1
			FOR UPDATE
		)
		RETURNING id`, userID, tokenID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, domain.ErrNoHoldingFound
		}
		return uuid.Nil, fmt.Errorf("remove oldest holding: %w", err)
	}
	return id, nil
}

func (t *postgresTx) TransitionPaymentStatus(ctx context.Context, providerPaymentID string, from []domain.PaymentStatus, to domain.PaymentStatus, at time.Time) (*domain.PaymentRequest, error) {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}
	row := t.tx.QueryRow(ctx, `
		UPDATE payment_requests
		SET status = $3::text,
		    updated_at = $4,
		    completed_at = CASE WHEN $3::text = 'completed' THEN $4 ELSE completed_at END
		WHERE provider_payment_id = $1 AND status = ANY($2::text[])
		RETURNING `+paymentColumns,
		providerPaymentID, allowed, string(to), at)
	p, err := scanPayment(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition payment status: %w", err)
	}
	if _, lookupErr := getPaymentByProviderID(ctx, t.tx, providerPaymentID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, domain.ErrPaymentStateConflict
}

func (t *postgresTx) InsertWithdrawal(ctx context.Context, w *domain.WithdrawalRequest) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO withdrawal_requests
			(id, user_id, points, amount, pix_key, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $8)`,
		w.ID, w.UserID, w.Points, w.Amount.StringFixed(2), w.PixKey, string(w.Status), w.IdempotencyKey, w.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateApplication
		}
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (t *postgresTx) TransitionWithdrawal(ctx context.Context, id uuid.UUID, from, to domain.WithdrawalStatus, reviewer string, at time.Time) (*domain.WithdrawalRequest, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE withdrawal_requests
		SET status = $3, reviewed_by = $4, reviewed_at = $5, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+withdrawalColumns,
		id, string(from), string(to), reviewer, at)
	w, err := scanWithdrawal(row)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition withdrawal: %w", err)
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM withdrawal_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup withdrawal: %w", err)
	}
	if !exists {
		return nil, domain.ErrWithdrawalNotFound
	}
	return nil, domain.ErrWithdrawalStateConflict
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
