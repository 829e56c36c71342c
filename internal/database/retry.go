package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"reward_wallet/internal/xerrors"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

// WithRetry runs fn up to MaxRetries times. Only transient storage failures
// are retried, with the delay doubling after each attempt. Other storage
// failures and exhausted retries surface as xerrors.ErrPersistence.
func WithRetry(ctx context.Context, log logrus.FieldLogger, op string, fn func() error) error {
	delay := RetryDelay
	var err error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !xerrors.IsTransient(err) {
			if xerrors.IsDomain(err) || xerrors.IsUniqueViolation(err) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("%s: %w: %w", op, xerrors.ErrPersistence, err)
		}
		if attempt == MaxRetries {
			break
		}

		log.WithFields(logrus.Fields{
			"op":            op,
			"attempt":       attempt,
			"delay":         delay,
			"serialization": xerrors.IsSerializationFailure(err),
		}).WithError(err).Warn("transient persistence failure, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", op, xerrors.ErrPersistence, ctx.Err())
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w: %w", op, xerrors.ErrPersistence, err)
}

// InTx runs fn in one database transaction under the retry policy. Each attempt
// gets a fresh transaction, so a rolled back attempt leaves nothing behind.
func InTx(ctx context.Context, db *gorm.DB, log logrus.FieldLogger, op string, fn func(tx *gorm.DB) error) error {
	return WithRetry(ctx, log, op, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
}
