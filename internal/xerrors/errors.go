package xerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("rate limited")
	ErrInvalidState      = errors.New("invalid state")
	ErrMissingReference  = errors.New("settlement reference required")
	ErrMissingReason     = errors.New("rejection reason required")
	ErrPersistence       = errors.New("persistence failure")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
)

const (
	KindNotFound          = "NOT_FOUND"
	KindInsufficientFunds = "INSUFFICIENT_FUNDS"
	KindRateLimited       = "RATE_LIMITED"
	KindInvalidState      = "INVALID_STATE"
	KindMissingReference  = "MISSING_REFERENCE"
	KindMissingReason     = "MISSING_REASON"
	KindPersistence       = "PERSISTENCE_ERROR"
	KindConflict          = "CONFLICT"
	KindInvalidInput      = "INVALID_INPUT"
	KindInternal          = "INTERNAL"
)

// Postgres SQLSTATE codes the retry policy cares about.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgConnectionClass      = "08"
)

// IsSerializationFailure reports a postgres serialization failure or deadlock.
func IsSerializationFailure(err error) bool {
	code := ParsePGErrorCode(err)
	return code == pgSerializationFailure || code == pgDeadlockDetected
}

// RateLimitError is returned when a daily cap or throttle window is exhausted.
type RateLimitError struct {
	Scope   string
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d reached for %s, resets at %s",
		e.Limit, e.Scope, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Kind maps an error onto the stable kind reported to callers.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrMissingReference):
		return KindMissingReference
	case errors.Is(err, ErrMissingReason):
		return KindMissingReason
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindInternal
	}
}

// IsDomain reports whether err belongs to the taxonomy and must be surfaced as-is.
func IsDomain(err error) bool {
	k := Kind(err)
	return k != KindInternal && k != KindPersistence && k != ""
}

func ParsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return "unknown"
}

// IsUniqueViolation covers both raw pg errors and gorm's translated form.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || ParsePGErrorCode(err) == pgUniqueViolation
}

// IsTransient reports whether a storage error is safe to retry, meaning the
// transaction is known not to have committed. A connection lost during COMMIT
// leaves the outcome unknown and is not transient.
func IsTransient(err error) bool {
	if err == nil || IsDomain(err) || IsUniqueViolation(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsSerializationFailure(err) || strings.HasPrefix(ParsePGErrorCode(err), pgConnectionClass) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
