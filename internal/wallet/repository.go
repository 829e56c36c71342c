package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reward_wallet/internal/xerrors"
)

var (
	ErrInsufficientFunds  = xerrors.ErrInsufficientFunds
	ErrWalletNotFound     = fmt.Errorf("wallet %w", xerrors.ErrNotFound)
	ErrWalletExists       = fmt.Errorf("wallet already exists: %w", xerrors.ErrConflict)
	ErrInsufficientLocked = fmt.Errorf("locked balance too low: %w", xerrors.ErrInvalidState)
	ErrInvalidAmount      = fmt.Errorf("amount must be positive: %w", xerrors.ErrInvalidInput)
)

// WalletRepository mutates wallets only through conditional updates. Every
// mutating method accepts the caller's transaction so the wallet change and
// its ledger entry commit together; a nil tx runs in a transaction of its own.
type WalletRepository interface {
	Get(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error)
	Create(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error)
	Ensure(ctx context.Context, tx *gorm.DB, userID string) error
	Credit(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error)
	Debit(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error)
	Lock(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error)
	UnlockAndRelease(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error)
	UnlockAndBurn(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error)
	ListAfter(ctx context.Context, afterUserID string, limit int) ([]Wallet, error)
}

type WalletRepositoryImpl struct {
	db *gorm.DB
}

func NewWalletRepositoryImpl(db *gorm.DB) *WalletRepositoryImpl {
	return &WalletRepositoryImpl{db: db}
}

func (r *WalletRepositoryImpl) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func (r *WalletRepositoryImpl) Get(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error) {
	var w Wallet
	err := r.conn(ctx, tx).Where("user_id = ?", userID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) Create(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error) {
	now := time.Now().UTC()
	w := Wallet{
		WalletID:  uuid.New().String(),
		UserID:    userID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.conn(ctx, tx).Create(&w).Error; err != nil {
		if xerrors.IsUniqueViolation(err) {
			return nil, ErrWalletExists
		}
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &w, nil
}

// Ensure creates the wallet if it does not exist yet, tolerating a concurrent creator.
func (r *WalletRepositoryImpl) Ensure(ctx context.Context, tx *gorm.DB, userID string) error {
	now := time.Now().UTC()
	w := Wallet{
		WalletID:  uuid.New().String(),
		UserID:    userID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.conn(ctx, tx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&w).Error
	if err != nil {
		return fmt.Errorf("failed to ensure wallet: %w", err)
	}
	return nil
}

func (r *WalletRepositoryImpl) Credit(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error) {
	return r.apply(ctx, tx, change{
		userID:  userID,
		amount:  amount,
		balance: amount,
		extra:   map[string]interface{}{"total_earned": gorm.Expr("total_earned + ?", amount)},
	})
}

func (r *WalletRepositoryImpl) Debit(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error) {
	return r.apply(ctx, tx, change{
		userID:   userID,
		amount:   amount,
		balance:  -amount,
		guard:    "balance >= ?",
		guardErr: ErrInsufficientFunds,
	})
}

func (r *WalletRepositoryImpl) Lock(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error) {
	return r.apply(ctx, tx, change{
		userID:   userID,
		amount:   amount,
		balance:  -amount,
		locked:   amount,
		guard:    "balance >= ?",
		guardErr: ErrInsufficientFunds,
	})
}

func (r *WalletRepositoryImpl) UnlockAndRelease(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error) {
	return r.apply(ctx, tx, change{
		userID:   userID,
		amount:   amount,
		balance:  amount,
		locked:   -amount,
		guard:    "locked_balance >= ?",
		guardErr: ErrInsufficientLocked,
	})
}

func (r *WalletRepositoryImpl) UnlockAndBurn(ctx context.Context, tx *gorm.DB, userID string, amount int64) (*Movement, error) {
	return r.apply(ctx, tx, change{
		userID:   userID,
		amount:   amount,
		locked:   -amount,
		guard:    "locked_balance >= ?",
		guardErr: ErrInsufficientLocked,
		extra:    map[string]interface{}{"total_withdrawn": gorm.Expr("total_withdrawn + ?", amount)},
	})
}

// ListAfter pages through wallets ordered by user id, for sweeps.
func (r *WalletRepositoryImpl) ListAfter(ctx context.Context, afterUserID string, limit int) ([]Wallet, error) {
	var wallets []Wallet
	err := r.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Find(&wallets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	return wallets, nil
}

type change struct {
	userID   string
	amount   int64
	balance  int64
	locked   int64
	guard    string
	guardErr error
	extra    map[string]interface{}
}

func (r *WalletRepositoryImpl) apply(ctx context.Context, tx *gorm.DB, c change) (*Movement, error) {
	if c.amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if tx == nil {
		var m *Movement
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			m, err = r.apply(ctx, tx, c)
			return err
		})
		return m, err
	}

	updates := map[string]interface{}{
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}
	if c.balance != 0 {
		updates["balance"] = gorm.Expr("balance + ?", c.balance)
	}
	if c.locked != 0 {
		updates["locked_balance"] = gorm.Expr("locked_balance + ?", c.locked)
	}
	for k, v := range c.extra {
		updates[k] = v
	}

	q := tx.WithContext(ctx).Model(&Wallet{}).Where("user_id = ?", c.userID)
	if c.guard != "" {
		q = q.Where(c.guard, c.amount)
	}
	result := q.Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, tx, c.userID); err != nil {
			return nil, err
		}
		if c.guardErr == nil {
			return nil, ErrWalletNotFound
		}
		return nil, c.guardErr
	}

	// The updated row stays locked until tx ends, so this read is the post-image.
	after, err := r.Get(ctx, tx, c.userID)
	if err != nil {
		return nil, err
	}
	return &Movement{
		UserID:        c.userID,
		Amount:        c.amount,
		BalanceBefore: after.Balance - c.balance,
		BalanceAfter:  after.Balance,
		LockedBefore:  after.LockedBalance - c.locked,
		LockedAfter:   after.LockedBalance,
		Wallet:        after,
	}, nil
}
