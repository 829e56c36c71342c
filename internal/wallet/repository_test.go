package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"reward_wallet/internal/database/dbtest"
	"reward_wallet/internal/xerrors"
)

func setUpWallet(t *testing.T, balance int64) (*WalletRepositoryImpl, *Wallet) {
	db := dbtest.Open(t, &Wallet{})
	repo := NewWalletRepositoryImpl(db)

	w, err := repo.Create(context.Background(), nil, uuid.NewString())
	require.NoError(t, err)
	if balance > 0 {
		_, err = repo.Credit(context.Background(), nil, w.UserID, balance)
		require.NoError(t, err)
		w.Balance = balance
	}
	return repo, w
}

func TestCreditReportsBalances(t *testing.T) {
	repo, w := setUpWallet(t, 0)

	m, err := repo.Credit(context.Background(), nil, w.UserID, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.BalanceBefore)
	assert.Equal(t, int64(500), m.BalanceAfter)
	assert.Equal(t, int64(500), m.Wallet.TotalEarned)
	assert.Equal(t, 2, m.Wallet.Version)
}

func TestCreditUnknownWallet(t *testing.T) {
	repo, _ := setUpWallet(t, 0)

	_, err := repo.Credit(context.Background(), nil, uuid.NewString(), 10)
	assert.ErrorIs(t, err, ErrWalletNotFound)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestNonPositiveAmountsAreRejected(t *testing.T) {
	repo, w := setUpWallet(t, 100)
	ctx := context.Background()

	_, err := repo.Credit(ctx, nil, w.UserID, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = repo.Debit(ctx, nil, w.UserID, -5)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = repo.Lock(ctx, nil, w.UserID, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreateDuplicateWalletIsConflict(t *testing.T) {
	repo, w := setUpWallet(t, 0)

	_, err := repo.Create(context.Background(), nil, w.UserID)
	assert.ErrorIs(t, err, ErrWalletExists)
	assert.ErrorIs(t, err, xerrors.ErrConflict)
	assert.False(t, xerrors.IsTransient(err))
}

func TestEnsureIsIdempotent(t *testing.T) {
	repo, _ := setUpWallet(t, 0)
	ctx := context.Background()
	userID := uuid.NewString()

	require.NoError(t, repo.Ensure(ctx, nil, userID))
	_, err := repo.Credit(ctx, nil, userID, 70)
	require.NoError(t, err)
	require.NoError(t, repo.Ensure(ctx, nil, userID))

	got, err := repo.Get(ctx, nil, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), got.Balance)
}

func TestDebitInsufficientFunds(t *testing.T) {
	repo, w := setUpWallet(t, 50)

	_, err := repo.Debit(context.Background(), nil, w.UserID, 51)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	got, err := repo.Get(context.Background(), nil, w.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Balance)
}

func TestConcurrentDebits(t *testing.T) {
	repo, w := setUpWallet(t, 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0
	failCount := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Debit(context.Background(), nil, w.UserID, 10)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrInsufficientFunds)
				failCount++
			} else {
				successCount++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 5, successCount, "successCount")
	require.Equal(t, 5, failCount, "failCount")

	final, err := repo.Get(context.Background(), nil, w.UserID)
	require.NoError(t, err)
	require.Equal(t, int64(0), final.Balance, "finalBalance")
}

func TestRaceCondition(t *testing.T) {
	repo, w := setUpWallet(t, 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successDebits := 0
	successCredits := 0

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m, err := repo.Debit(context.Background(), nil, w.UserID, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				assert.GreaterOrEqual(t, m.BalanceAfter, int64(0))
				assert.Equal(t, int64(-1), m.BalanceAfter-m.BalanceBefore)
				successDebits++
			}
		}()
		go func() {
			defer wg.Done()
			m, err := repo.Credit(context.Background(), nil, w.UserID, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				assert.Equal(t, int64(1), m.BalanceAfter-m.BalanceBefore)
				successCredits++
			}
		}()
	}
	wg.Wait()

	final, err := repo.Get(context.Background(), nil, w.UserID)
	require.NoError(t, err)
	require.Equal(t, int64(50+successCredits-successDebits), final.Balance, "finalBalance")
}

func TestLockReleaseRoundTrip(t *testing.T) {
	repo, w := setUpWallet(t, 800)
	ctx := context.Background()

	m, err := repo.Lock(ctx, nil, w.UserID, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(500), m.BalanceAfter)
	assert.Equal(t, int64(300), m.LockedAfter)
	assert.Equal(t, m.HoldingsBefore(), m.HoldingsAfter())

	m, err = repo.UnlockAndRelease(ctx, nil, w.UserID, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(800), m.BalanceAfter)
	assert.Equal(t, int64(0), m.LockedAfter)
}

func TestLockInsufficientFunds(t *testing.T) {
	repo, w := setUpWallet(t, 100)

	_, err := repo.Lock(context.Background(), nil, w.UserID, 101)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestUnlockBeyondLockedIsInvalidState(t *testing.T) {
	repo, w := setUpWallet(t, 100)
	ctx := context.Background()

	_, err := repo.Lock(ctx, nil, w.UserID, 40)
	require.NoError(t, err)

	_, err = repo.UnlockAndRelease(ctx, nil, w.UserID, 41)
	assert.ErrorIs(t, err, xerrors.ErrInvalidState)
	_, err = repo.UnlockAndBurn(ctx, nil, w.UserID, 41)
	assert.ErrorIs(t, err, xerrors.ErrInvalidState)
}

func TestUnlockAndBurn(t *testing.T) {
	repo, w := setUpWallet(t, 100)
	ctx := context.Background()

	_, err := repo.Lock(ctx, nil, w.UserID, 60)
	require.NoError(t, err)
	m, err := repo.UnlockAndBurn(ctx, nil, w.UserID, 60)
	require.NoError(t, err)

	assert.Equal(t, int64(40), m.BalanceAfter)
	assert.Equal(t, int64(0), m.LockedAfter)
	assert.Equal(t, int64(100), m.HoldingsBefore())
	assert.Equal(t, int64(40), m.HoldingsAfter())
	assert.Equal(t, int64(60), m.Wallet.TotalWithdrawn)
	assert.LessOrEqual(t, m.Wallet.Holdings(), m.Wallet.TotalEarned)
}

func TestMovementRollsBackWithTransaction(t *testing.T) {
	repo, w := setUpWallet(t, 100)

	err := repo.db.Transaction(func(tx *gorm.DB) error {
		if _, err := repo.Credit(context.Background(), tx, w.UserID, 900); err != nil {
			return err
		}
		return xerrors.ErrInvalidState
	})
	require.ErrorIs(t, err, xerrors.ErrInvalidState)

	got, err := repo.Get(context.Background(), nil, w.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.Equal(t, int64(100), got.TotalEarned)
}

func TestListAfter(t *testing.T) {
	repo, _ := setUpWallet(t, 0)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, repo.Ensure(ctx, nil, uuid.NewString()))
	}

	first, err := repo.ListAfter(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	rest, err := repo.ListAfter(ctx, first[2].UserID, 3)
	require.NoError(t, err)
	require.NotEmpty(t, rest)
	for _, w := range rest {
		assert.Greater(t, w.UserID, first[2].UserID)
	}
}

func TestServiceGetBalance(t *testing.T) {
	repo, w := setUpWallet(t, 25)
	svc := NewService(repo)

	got, err := svc.GetBalance(context.Background(), w.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.Balance)

	_, err = svc.GetBalance(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrWalletNotFound)
}
