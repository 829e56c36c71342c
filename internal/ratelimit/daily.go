package ratelimit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"reward_wallet/internal/ledger"
	"reward_wallet/internal/xerrors"
)

// StartOfDay returns midnight UTC of t's UTC calendar day. Every instance
// uses the same boundary regardless of its local zone.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func NextReset(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}

// Counter is the ledger query the daily cap is derived from.
type Counter interface {
	CountByCategorySince(ctx context.Context, tx *gorm.DB, userID string, category ledger.Category, since time.Time) (int, error)
}

type Allowance struct {
	Category  ledger.Category `json:"category"`
	Limit     int             `json:"limit"`
	Used      int             `json:"used"`
	Remaining int             `json:"remaining"`
	ResetAt   time.Time       `json:"reset_at"`
}

// DailyCap bounds reward grants per user and category per UTC day. The count
// comes from durable ledger rows, so it survives restarts and is shared by
// every instance writing the same database.
type DailyCap struct {
	counter Counter
	limits  map[ledger.Category]int
	now     func() time.Time
}

func NewDailyCap(counter Counter, limits map[ledger.Category]int, now func() time.Time) *DailyCap {
	if now == nil {
		now = time.Now
	}
	return &DailyCap{counter: counter, limits: limits, now: now}
}

func (d *DailyCap) Limit(category ledger.Category) (int, error) {
	limit, ok := d.limits[category]
	if !ok || !category.IsReward() || limit <= 0 {
		return 0, fmt.Errorf("no daily cap configured for %q: %w", category, xerrors.ErrInvalidInput)
	}
	return limit, nil
}

// Allowance reads the current usage. With a non-nil tx the count is taken
// inside that transaction.
func (d *DailyCap) Allowance(ctx context.Context, tx *gorm.DB, userID string, category ledger.Category) (*Allowance, error) {
	limit, err := d.Limit(category)
	if err != nil {
		return nil, err
	}
	now := d.now()
	used, err := d.counter.CountByCategorySince(ctx, tx, userID, category, StartOfDay(now))
	if err != nil {
		return nil, err
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &Allowance{
		Category:  category,
		Limit:     limit,
		Used:      used,
		Remaining: remaining,
		ResetAt:   NextReset(now),
	}, nil
}

// Check is the advisory fast path taken before any transaction opens.
func (d *DailyCap) Check(ctx context.Context, userID string, category ledger.Category) (*Allowance, error) {
	return d.enforce(ctx, nil, userID, category)
}

// Enforce re-counts inside tx. Callers must already hold the user's wallet row
// lock in tx so concurrent grants for the same user serialize on it.
func (d *DailyCap) Enforce(ctx context.Context, tx *gorm.DB, userID string, category ledger.Category) (*Allowance, error) {
	return d.enforce(ctx, tx, userID, category)
}

func (d *DailyCap) enforce(ctx context.Context, tx *gorm.DB, userID string, category ledger.Category) (*Allowance, error) {
	a, err := d.Allowance(ctx, tx, userID, category)
	if err != nil {
		return nil, err
	}
	if a.Remaining <= 0 {
		return a, &xerrors.RateLimitError{Scope: string(category), Limit: a.Limit, ResetAt: a.ResetAt}
	}
	return a, nil
}
