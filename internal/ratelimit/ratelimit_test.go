package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"reward_wallet/internal/database/dbtest"
	"reward_wallet/internal/ledger"
	"reward_wallet/internal/xerrors"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMemoryWindow(t *testing.T) {
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	w := NewMemoryWindow(3, time.Minute).WithClock(clk.Now)
	ctx := context.Background()

	for i := 2; i >= 0; i-- {
		d, err := w.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Remaining)
	}

	d, err := w.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, clk.Now().Add(time.Minute), d.ResetAt)

	other, err := w.Allow(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	// The window resets only once now is past resetAt.
	clk.Advance(time.Minute)
	d, err = w.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clk.Advance(time.Second)
	d, err = w.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestMemoryWindowConcurrent(t *testing.T) {
	w := NewMemoryWindow(25, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := w.Allow(context.Background(), "user")
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, allowed)
}

func TestMemoryWindowSweep(t *testing.T) {
	clk := &clock{t: time.Now()}
	w := NewMemoryWindow(1, time.Minute).WithClock(clk.Now)

	_, _ = w.Allow(context.Background(), "a")
	clk.Advance(30 * time.Second)
	_, _ = w.Allow(context.Background(), "b")
	clk.Advance(31 * time.Second)

	assert.Equal(t, 1, w.Sweep())
	assert.Equal(t, 0, w.Sweep())
}

func TestRedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	w := NewRedisWindow(client, ClassGame, 2, time.Minute)
	ctx := context.Background()

	d, err := w.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = w.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, err = w.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.ResetAt.After(time.Now()))
	assert.True(t, mr.Exists("ratelimit:game:u1"))

	mr.FastForward(time.Minute + time.Second)
	d, err = w.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisWindowRepairsMissingExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	require.NoError(t, mr.Set("ratelimit:api:u1", "1"))
	w := NewRedisWindow(client, ClassAPI, 5, time.Minute)

	_, err := w.Allow(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:api:u1"))
}

func TestRedisWindowKeepsRunningWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	w := NewRedisWindow(client, ClassAuth, 5, time.Minute)
	ctx := context.Background()

	_, err := w.Allow(ctx, "u1")
	require.NoError(t, err)
	mr.FastForward(40 * time.Second)

	d, err := w.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Remaining)
	assert.Equal(t, 20*time.Second, mr.TTL("ratelimit:auth:u1"))
}

type countFunc func(userID string, category ledger.Category, since time.Time) int

func (f countFunc) CountByCategorySince(_ context.Context, _ *gorm.DB, userID string, category ledger.Category, since time.Time) (int, error) {
	return f(userID, category, since), nil
}

func TestStartOfDayIsUTC(t *testing.T) {
	tz := time.FixedZone("UTC+9", 9*3600)
	local := time.Date(2026, 5, 2, 3, 0, 0, 0, tz) // 2026-05-01 18:00 UTC

	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), StartOfDay(local))
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), NextReset(local))
}

func TestDailyCapCheck(t *testing.T) {
	now := time.Date(2026, 5, 1, 15, 30, 0, 0, time.UTC)
	var gotSince time.Time
	used := 9
	counter := countFunc(func(_ string, _ ledger.Category, since time.Time) int {
		gotSince = since
		return used
	})
	dc := NewDailyCap(counter, map[ledger.Category]int{ledger.CategoryGameWin: 10}, func() time.Time { return now })

	a, err := dc.Check(context.Background(), "u", ledger.CategoryGameWin)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Remaining)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), gotSince)

	used = 10
	_, err = dc.Check(context.Background(), "u", ledger.CategoryGameWin)
	var rl *xerrors.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 10, rl.Limit)
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), rl.ResetAt)
}

func TestDailyCapRejectsUncappedCategories(t *testing.T) {
	dc := NewDailyCap(countFunc(func(string, ledger.Category, time.Time) int { return 0 }),
		map[ledger.Category]int{ledger.CategoryGameWin: 10, ledger.CategoryWithdrawalDebit: 5}, nil)

	_, err := dc.Check(context.Background(), "u", ledger.CategoryAdReward)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
	_, err = dc.Check(context.Background(), "u", ledger.CategoryWithdrawalDebit)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestDailyCapFromLedgerSurvivesNewInstance(t *testing.T) {
	db := dbtest.Open(t, &ledger.Entry{})
	repo := ledger.NewRepository(db)
	ctx := context.Background()
	userID := uuid.NewString()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	// Yesterday's grant does not count toward today.
	_, err := repo.Append(ctx, nil, &ledger.Entry{UserID: userID, Category: ledger.CategoryAdReward, Amount: 5, BalanceAfter: 5, CreatedAt: now.Add(-11 * time.Hour)})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		before := int64(5 + i*5)
		_, err := repo.Append(ctx, nil, &ledger.Entry{UserID: userID, Category: ledger.CategoryAdReward, Amount: 5, BalanceBefore: before, BalanceAfter: before + 5, CreatedAt: now})
		require.NoError(t, err)
	}

	limits := map[ledger.Category]int{ledger.CategoryAdReward: 3}
	first := NewDailyCap(repo, limits, func() time.Time { return now })
	a, err := first.Check(ctx, userID, ledger.CategoryAdReward)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Used)

	_, err = repo.Append(ctx, nil, &ledger.Entry{UserID: userID, Category: ledger.CategoryAdReward, Amount: 5, BalanceBefore: 15, BalanceAfter: 20, CreatedAt: now})
	require.NoError(t, err)

	restarted := NewDailyCap(repo, limits, func() time.Time { return now.Add(time.Hour) })
	_, err = restarted.Check(ctx, userID, ledger.CategoryAdReward)
	assert.ErrorIs(t, err, xerrors.ErrRateLimited)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := restarted.Enforce(ctx, tx, userID, ledger.CategoryAdReward)
		return err
	})
	assert.ErrorIs(t, err, xerrors.ErrRateLimited)
}
