package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"reward_wallet/internal/database"
	"reward_wallet/internal/wallet"
	"reward_wallet/internal/xerrors"
)

var (
	ErrUserNotFound = fmt.Errorf("user %w", xerrors.ErrNotFound)
	ErrUserExists   = fmt.Errorf("user already exists: %w", xerrors.ErrConflict)
)

type User struct {
	ID         string    `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	TelegramID int64     `gorm:"column:telegram_id;not null;uniqueIndex" json:"telegram_id"`
	Username   string    `gorm:"column:username;type:varchar(64)" json:"username,omitempty"`
	ReferrerID *string   `gorm:"column:referrer_id;type:varchar(36);index" json:"referrer_id,omitempty"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// Account is what the reward and withdrawal flows need to know about a user.
type Account struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}

type CreateUserRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	Username   string `json:"username"`
	ReferrerID string `json:"referrer_id"`
}

// Directory resolves users for the core flows.
type Directory interface {
	Resolve(ctx context.Context, userID string) (*Account, error)
}

type Service struct {
	db      *gorm.DB
	wallets wallet.WalletRepository
	log     logrus.FieldLogger
}

func NewService(db *gorm.DB, wallets wallet.WalletRepository, log logrus.FieldLogger) *Service {
	return &Service{db: db, wallets: wallets, log: log}
}

// Resolve returns the user with its spendable balance; a user without a
// wallet yet has balance 0.
func (s *Service) Resolve(ctx context.Context, userID string) (*Account, error) {
	var u User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: failed to resolve user: %w", xerrors.ErrPersistence, err)
	}

	acc := &Account{ID: u.ID}
	w, err := s.wallets.Get(ctx, nil, u.ID)
	switch {
	case err == nil:
		acc.Balance = w.Balance
	case errors.Is(err, wallet.ErrWalletNotFound):
	default:
		return nil, fmt.Errorf("%w: %w", xerrors.ErrPersistence, err)
	}
	return acc, nil
}

// Create inserts the user and its wallet in one transaction. Duplicates are
// conflicts and are not retried.
func (s *Service) Create(ctx context.Context, req CreateUserRequest) (*User, error) {
	if req.TelegramID == 0 {
		return nil, fmt.Errorf("telegram id is required: %w", xerrors.ErrInvalidInput)
	}

	u := &User{
		ID:         uuid.New().String(),
		TelegramID: req.TelegramID,
		Username:   strings.TrimSpace(req.Username),
		CreatedAt:  time.Now().UTC(),
	}

	err := database.InTx(ctx, s.db, s.log, "users.create", func(tx *gorm.DB) error {
		if req.ReferrerID != "" {
			var n int64
			if err := tx.Model(&User{}).Where("id = ?", req.ReferrerID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("referrer %w", xerrors.ErrNotFound)
			}
			ref := req.ReferrerID
			u.ReferrerID = &ref
		}

		if err := tx.Create(u).Error; err != nil {
			if xerrors.IsUniqueViolation(err) {
				return ErrUserExists
			}
			return err
		}
		_, err := s.wallets.Create(ctx, tx, u.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user_id":     u.ID,
		"telegram_id": u.TelegramID,
	}).Info("user created")
	return u, nil
}
