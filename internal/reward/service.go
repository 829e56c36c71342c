package reward

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"reward_wallet/internal/database"
	"reward_wallet/internal/ledger"
	"reward_wallet/internal/notify"
	"reward_wallet/internal/ratelimit"
	"reward_wallet/internal/users"
	"reward_wallet/internal/wallet"
	"reward_wallet/internal/xerrors"
)

type RewardService interface {
	Grant(ctx context.Context, req GrantRequest) (*GrantResult, error)
	Allowance(ctx context.Context, userID, category string) (*ratelimit.Allowance, error)
}

type Service struct {
	db        *gorm.DB
	users     users.Directory
	wallets   wallet.WalletRepository
	ledger    ledger.Repository
	policies  Policies
	caps      *ratelimit.DailyCap
	publisher notify.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewService(
	db *gorm.DB,
	directory users.Directory,
	wallets wallet.WalletRepository,
	entries ledger.Repository,
	policies Policies,
	publisher notify.Publisher,
	log logrus.FieldLogger,
) *Service {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	s := &Service{
		db:        db,
		users:     directory,
		wallets:   wallets,
		ledger:    entries,
		policies:  policies,
		publisher: publisher,
		log:       log,
	}
	return s.WithClock(time.Now)
}

// WithClock replaces the time source for grants and day boundaries.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = func() time.Time { return now().UTC() }
	s.caps = ratelimit.NewDailyCap(s.ledger, s.policies.DailyLimits(), s.now)
	return s
}

func (s *Service) policy(category string) (ledger.Category, Policy, error) {
	c, err := ledger.ParseCategory(category)
	if err != nil {
		return "", Policy{}, err
	}
	p, ok := s.policies[c]
	if !ok || !c.IsReward() {
		return "", Policy{}, fmt.Errorf("%s cannot be granted: %w", c, xerrors.ErrInvalidInput)
	}
	return c, p, nil
}

func (s *Service) Allowance(ctx context.Context, userID, category string) (*ratelimit.Allowance, error) {
	c, _, err := s.policy(category)
	if err != nil {
		return nil, err
	}
	a, err := s.caps.Allowance(ctx, nil, userID, c)
	if err != nil {
		return nil, persistence(err)
	}
	return a, nil
}

// Grant credits a reward. The advisory cap check fails fast; the binding
// check runs again inside the transaction after the wallet row is locked,
// so concurrent grants for the same user cannot overshoot the daily cap.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	category, policy, err := s.policy(req.Category)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.Resolve(ctx, req.UserID); err != nil {
		return nil, err
	}

	fields := logrus.Fields{"user_id": req.UserID, "category": category}
	if _, err := s.caps.Check(ctx, req.UserID, category); err != nil {
		if xerrors.Kind(err) == xerrors.KindRateLimited {
			s.log.WithFields(fields).Info("reward rejected by daily cap")
		}
		return nil, persistence(err)
	}

	amount, err := policy.Amount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.Amount > amount {
		s.log.WithFields(fields).WithFields(logrus.Fields{
			"requested": req.Amount,
			"amount":    amount,
		}).Warn("requested reward clamped")
	}

	var result GrantResult
	err = database.InTx(ctx, s.db, s.log, "reward.grant", func(tx *gorm.DB) error {
		if err := s.wallets.Ensure(ctx, tx, req.UserID); err != nil {
			return err
		}
		mv, err := s.wallets.Credit(ctx, tx, req.UserID, amount)
		if err != nil {
			return err
		}
		// The credit holds the wallet row lock, so this count is final for the user.
		allowance, err := s.caps.Enforce(ctx, tx, req.UserID, category)
		if err != nil {
			return err
		}
		entry, err := s.ledger.Append(ctx, tx, &ledger.Entry{
			UserID:        req.UserID,
			Category:      category,
			Amount:        amount,
			BalanceBefore: mv.HoldingsBefore(),
			BalanceAfter:  mv.HoldingsAfter(),
			Description:   req.Description,
			CreatedAt:     s.now(),
		})
		if err != nil {
			return err
		}

		result = GrantResult{
			Entry:     *entry,
			Balance:   mv.BalanceAfter,
			Remaining: allowance.Remaining - 1,
		}
		return nil
	})
	if err != nil {
		if xerrors.Kind(err) == xerrors.KindRateLimited {
			s.log.WithFields(fields).Info("reward rejected by daily cap")
		}
		return nil, err
	}

	s.log.WithFields(fields).WithFields(logrus.Fields{
		"amount":    amount,
		"balance":   result.Balance,
		"remaining": result.Remaining,
	}).Info("reward granted")

	remaining := result.Remaining
	if err := s.publisher.Publish(ctx, notify.Event{
		Type:       notify.EventRewardGranted,
		UserID:     req.UserID,
		Category:   string(category),
		Amount:     amount,
		Balance:    result.Balance,
		Remaining:  &remaining,
		OccurredAt: result.Entry.CreatedAt,
	}); err != nil {
		s.log.WithFields(fields).WithError(err).Warn("failed to publish reward notification")
	}
	return &result, nil
}

func persistence(err error) error {
	if err == nil || xerrors.IsDomain(err) {
		return err
	}
	return fmt.Errorf("%w: %w", xerrors.ErrPersistence, err)
}
