package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"reward_wallet/internal/xerrors"
)

var (
	ErrWithdrawalNotFound = fmt.Errorf("withdrawal %w", xerrors.ErrNotFound)
	ErrNotPending         = fmt.Errorf("withdrawal is not pending: %w", xerrors.ErrInvalidState)
	ErrPendingExists      = fmt.Errorf("user already has a pending withdrawal: %w", xerrors.ErrInvalidState)
)

type Repository interface {
	Create(ctx context.Context, tx *gorm.DB, w *Withdrawal) error
	Get(ctx context.Context, tx *gorm.DB, id string) (*Withdrawal, error)
	HasPending(ctx context.Context, tx *gorm.DB, userID string) (bool, error)
	Resolve(ctx context.Context, tx *gorm.DB, id string, res Resolution) (*Withdrawal, error)
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]Withdrawal, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Withdrawal, error)
}

// Resolution is a terminal transition out of PENDING.
type Resolution struct {
	Status    Status
	Reference string
	Reason    string
	At        time.Time
}

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func (r *RepositoryImpl) Create(ctx context.Context, tx *gorm.DB, w *Withdrawal) error {
	if err := r.conn(ctx, tx).Create(w).Error; err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) Get(ctx context.Context, tx *gorm.DB, id string) (*Withdrawal, error) {
	var w Withdrawal
	err := r.conn(ctx, tx).Where("id = ?", id).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return &w, nil
}

func (r *RepositoryImpl) HasPending(ctx context.Context, tx *gorm.DB, userID string) (bool, error) {
	var n int64
	err := r.conn(ctx, tx).
		Model(&Withdrawal{}).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to count pending withdrawals: %w", err)
	}
	return n > 0, nil
}

// Resolve moves a PENDING withdrawal to a terminal status with a conditional
// update. Of two concurrent resolutions exactly one matches the row; the
// other gets ErrNotPending.
func (r *RepositoryImpl) Resolve(ctx context.Context, tx *gorm.DB, id string, res Resolution) (*Withdrawal, error) {
	if !res.Status.Terminal() {
		return nil, fmt.Errorf("cannot resolve withdrawal to %s: %w", res.Status, xerrors.ErrInvalidState)
	}

	at := res.At.UTC()
	updates := map[string]interface{}{
		"status":     res.Status,
		"updated_at": at,
	}
	switch res.Status {
	case StatusCompleted:
		updates["completed_at"] = at
		updates["tx_reference"] = res.Reference
	case StatusRejected:
		updates["failure_reason"] = res.Reason
	}

	result := r.conn(ctx, tx).
		Model(&Withdrawal{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to resolve withdrawal: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, tx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotPending
	}
	return r.Get(ctx, tx, id)
}

func (r *RepositoryImpl) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]Withdrawal, error) {
	var ws []Withdrawal
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(pageSize(limit)).
		Offset(offset).
		Find(&ws).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return ws, nil
}

func (r *RepositoryImpl) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Withdrawal, error) {
	var ws []Withdrawal
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(pageSize(limit)).
		Offset(offset).
		Find(&ws).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return ws, nil
}

func pageSize(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
