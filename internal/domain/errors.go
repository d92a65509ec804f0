package domain

import "errors"

// Errors shared by the store, app and api layers. Callers match them with errors.Is;
// lower layers wrap them with context via fmt.Errorf("...: %w", err).
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidToken         = errors.New("token does not exist")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientScore    = errors.New("insufficient score")
	ErrDuplicateApplication = errors.New("idempotency key already applied")
	ErrIdempotencyMismatch  = errors.New("idempotency key reused with a different payload")
	ErrNoHoldingFound       = errors.New("no holding found")
	ErrLockTimeout          = errors.New("lock wait timed out")
	ErrTransientConflict    = errors.New("transient serialization conflict")
	ErrInvariantViolation   = errors.New("internal invariant violated")

	ErrLedgerTransactionNotFound = errors.New("ledger transaction not found")

	ErrInvalidAmount        = errors.New("invalid amount")
	ErrPaymentNotFound      = errors.New("payment request not found")
	ErrPaymentStateConflict = errors.New("payment request is not in an expected state")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrRateLimited          = errors.New("rate limit exceeded")

	ErrWithdrawalNotFound      = errors.New("withdrawal request not found")
	ErrWithdrawalStateConflict = errors.New("withdrawal request is not pending")
)
