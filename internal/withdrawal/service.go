package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"reward_wallet/internal/config"
	"reward_wallet/internal/database"
	"reward_wallet/internal/ledger"
	"reward_wallet/internal/notify"
	"reward_wallet/internal/users"
	"reward_wallet/internal/wallet"
	"reward_wallet/internal/xerrors"
)

const maxDescription = 255

type WithdrawalService interface {
	Request(ctx context.Context, req CreateWithdrawalRequest) (*Withdrawal, error)
	Approve(ctx context.Context, id, reference string) (*Withdrawal, error)
	Reject(ctx context.Context, id, reason string) (*Withdrawal, error)
	Get(ctx context.Context, id string) (*Withdrawal, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]Withdrawal, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Withdrawal, error)
}

type Service struct {
	db        *gorm.DB
	users     users.Directory
	wallets   wallet.WalletRepository
	ledger    ledger.Repository
	repo      Repository
	cfg       config.WithdrawalConfig
	publisher notify.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewService(
	db *gorm.DB,
	directory users.Directory,
	wallets wallet.WalletRepository,
	entries ledger.Repository,
	repo Repository,
	cfg config.WithdrawalConfig,
	publisher notify.Publisher,
	log logrus.FieldLogger,
) *Service {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Service{
		db:        db,
		users:     directory,
		wallets:   wallets,
		ledger:    entries,
		repo:      repo,
		cfg:       cfg,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Request locks the amount and records a PENDING withdrawal in one transaction.
func (s *Service) Request(ctx context.Context, req CreateWithdrawalRequest) (*Withdrawal, error) {
	if req.Amount < s.cfg.Minimum || req.Amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount %d is below the minimum of %d: %w",
			req.Amount, s.cfg.Minimum, xerrors.ErrInvalidInput)
	}
	address := strings.TrimSpace(req.DestinationAddress)
	if address == "" {
		return nil, fmt.Errorf("destination address is required: %w", xerrors.ErrInvalidInput)
	}
	if _, err := s.users.Resolve(ctx, req.UserID); err != nil {
		return nil, err
	}

	now := s.now()
	w := &Withdrawal{
		ID:                 uuid.New().String(),
		UserID:             req.UserID,
		Amount:             req.Amount,
		DestinationAddress: address,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var mv *wallet.Movement
	err := database.InTx(ctx, s.db, s.log, "withdrawal.request", func(tx *gorm.DB) error {
		var err error
		mv, err = s.wallets.Lock(ctx, tx, req.UserID, req.Amount)
		if err != nil {
			if errors.Is(err, wallet.ErrWalletNotFound) {
				return wallet.ErrInsufficientFunds
			}
			return err
		}
		// Checked after the lock so concurrent requests of one user serialize on the wallet row.
		if s.cfg.SinglePending {
			pending, err := s.repo.HasPending(ctx, tx, req.UserID)
			if err != nil {
				return err
			}
			if pending {
				return ErrPendingExists
			}
		}
		return s.repo.Create(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"user_id":       w.UserID,
		"amount":        w.Amount,
	}).Info("withdrawal requested")
	s.publish(ctx, notify.Event{
		Type:         notify.EventWithdrawalRequested,
		UserID:       w.UserID,
		Amount:       w.Amount,
		Balance:      mv.BalanceAfter,
		WithdrawalID: w.ID,
		OccurredAt:   now,
	})
	return w, nil
}

// Approve completes a PENDING withdrawal: the locked funds leave the wallet
// and a debit entry is appended.
func (s *Service) Approve(ctx context.Context, id, reference string) (*Withdrawal, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, xerrors.ErrMissingReference
	}

	var (
		w  *Withdrawal
		mv *wallet.Movement
	)
	err := database.InTx(ctx, s.db, s.log, "withdrawal.approve", func(tx *gorm.DB) error {
		var err error
		w, err = s.repo.Resolve(ctx, tx, id, Resolution{Status: StatusCompleted, Reference: reference, At: s.now()})
		if err != nil {
			return err
		}
		mv, err = s.wallets.UnlockAndBurn(ctx, tx, w.UserID, w.Amount)
		if err != nil {
			return err
		}
		_, err = s.ledger.Append(ctx, tx, &ledger.Entry{
			UserID:        w.UserID,
			Category:      ledger.CategoryWithdrawalDebit,
			Amount:        -w.Amount,
			BalanceBefore: mv.HoldingsBefore(),
			BalanceAfter:  mv.HoldingsAfter(),
			Description:   truncate(fmt.Sprintf("withdrawal %s settled: %s", w.ID, reference)),
			CreatedAt:     s.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"user_id":       w.UserID,
		"amount":        w.Amount,
		"reference":     reference,
	}).Info("withdrawal completed")
	s.publish(ctx, notify.Event{
		Type:         notify.EventWithdrawalCompleted,
		UserID:       w.UserID,
		Amount:       w.Amount,
		Balance:      mv.BalanceAfter,
		WithdrawalID: w.ID,
		Reference:    reference,
		OccurredAt:   w.UpdatedAt,
	})
	return w, nil
}

// Reject returns the locked funds to the spendable balance. Holdings do not
// change, so the refund entry carries amount 0 and names the released amount.
func (s *Service) Reject(ctx context.Context, id, reason string) (*Withdrawal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, xerrors.ErrMissingReason
	}

	var (
		w  *Withdrawal
		mv *wallet.Movement
	)
	err := database.InTx(ctx, s.db, s.log, "withdrawal.reject", func(tx *gorm.DB) error {
		var err error
		w, err = s.repo.Resolve(ctx, tx, id, Resolution{Status: StatusRejected, Reason: reason, At: s.now()})
		if err != nil {
			return err
		}
		mv, err = s.wallets.UnlockAndRelease(ctx, tx, w.UserID, w.Amount)
		if err != nil {
			return err
		}
		_, err = s.ledger.Append(ctx, tx, &ledger.Entry{
			UserID:        w.UserID,
			Category:      ledger.CategoryWithdrawalRefund,
			Amount:        0,
			BalanceBefore: mv.HoldingsBefore(),
			BalanceAfter:  mv.HoldingsAfter(),
			Description:   truncate(fmt.Sprintf("withdrawal %s rejected, released %d: %s", w.ID, w.Amount, reason)),
			CreatedAt:     s.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"user_id":       w.UserID,
		"amount":        w.Amount,
		"reason":        reason,
	}).Info("withdrawal rejected")
	s.publish(ctx, notify.Event{
		Type:         notify.EventWithdrawalRejected,
		UserID:       w.UserID,
		Amount:       w.Amount,
		Balance:      mv.BalanceAfter,
		WithdrawalID: w.ID,
		Reason:       reason,
		OccurredAt:   w.UpdatedAt,
	})
	return w, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return s.repo.Get(ctx, nil, id)
}

func (s *Service) ListByStatus(ctx context.Context, status string, limit, offset int) ([]Withdrawal, error) {
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByStatus(ctx, st, limit, offset)
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Withdrawal, error) {
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.WithFields(logrus.Fields{
			"withdrawal_id": event.WithdrawalID,
			"event":         event.Type,
		}).WithError(err).Warn("failed to publish withdrawal notification")
	}
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxDescription {
		return s
	}
	return string([]rune(s)[:maxDescription])
}
