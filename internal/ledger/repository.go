package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Append(ctx context.Context, tx *gorm.DB, entry *Entry) (*Entry, error)
	CountByCategorySince(ctx context.Context, tx *gorm.DB, userID string, category Category, since time.Time) (int, error)
	SumByCategoryInRange(ctx context.Context, userID string, from, to time.Time) ([]CategoryTotal, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Entry, error)
	EntriesByUser(ctx context.Context, userID string) ([]Entry, error)
}

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db}
}

// conn prefers the caller's transaction so reads inside a unit of work see its writes.
func (r *RepositoryImpl) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// Append writes one entry. The id is assigned by the database and CreatedAt
// defaults to now; the stored row is never updated afterwards.
func (r *RepositoryImpl) Append(ctx context.Context, tx *gorm.DB, entry *Entry) (*Entry, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.ID = 0

	if err := r.conn(ctx, tx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return entry, nil
}

func (r *RepositoryImpl) CountByCategorySince(ctx context.Context, tx *gorm.DB, userID string, category Category, since time.Time) (int, error) {
	var count int64
	err := r.conn(ctx, tx).
		Model(&Entry{}).
		Where("user_id = ? AND category = ? AND created_at >= ?", userID, category, since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return int(count), nil
}

// SumByCategoryInRange totals entries in [from, to). An empty userID covers all users.
func (r *RepositoryImpl) SumByCategoryInRange(ctx context.Context, userID string, from, to time.Time) ([]CategoryTotal, error) {
	q := r.db.WithContext(ctx).
		Model(&Entry{}).
		Select("category, COUNT(*) AS count, COALESCE(CAST(SUM(amount) AS BIGINT), 0) AS sum").
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC())
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var totals []CategoryTotal
	if err := q.Group("category").Order("category").Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return totals, nil
}

// ListByUser returns a page of the user's history, newest first.
func (r *RepositoryImpl) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// EntriesByUser returns the user's full history in creation order, for replay.
func (r *RepositoryImpl) EntriesByUser(ctx context.Context, userID string) ([]Entry, error) {
	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}
	return entries, nil
}
