package ledger

import (
	"fmt"
	"time"

	"reward_wallet/internal/xerrors"
)

// Category is the closed set of balance-affecting event kinds.
type Category string

const (
	CategoryTaskReward       Category = "task_reward"
	CategoryGameWin          Category = "game_win"
	CategoryAdReward         Category = "ad_reward"
	CategoryReferralReward   Category = "referral_reward"
	CategoryWithdrawalDebit  Category = "withdrawal_debit"
	CategoryWithdrawalRefund Category = "withdrawal_refund"
)

// RewardCategories lists the categories a reward grant may use.
func RewardCategories() []Category {
	return []Category{CategoryTaskReward, CategoryGameWin, CategoryAdReward, CategoryReferralReward}
}

func Categories() []Category {
	return append(RewardCategories(), CategoryWithdrawalDebit, CategoryWithdrawalRefund)
}

func (c Category) Valid() bool {
	switch c {
	case CategoryTaskReward, CategoryGameWin, CategoryAdReward, CategoryReferralReward,
		CategoryWithdrawalDebit, CategoryWithdrawalRefund:
		return true
	default:
		return false
	}
}

func (c Category) IsReward() bool {
	switch c {
	case CategoryTaskReward, CategoryGameWin, CategoryAdReward, CategoryReferralReward:
		return true
	default:
		return false
	}
}

func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown ledger category %q: %w", s, xerrors.ErrInvalidInput)
	}
	return c, nil
}

// Entry is one immutable ledger row. BalanceBefore and BalanceAfter are the
// user's holdings, spendable plus locked, around the event.
type Entry struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID        string    `gorm:"column:user_id;type:varchar(36);not null;index:idx_ledger_user_category_created,priority:1" json:"user_id"`
	Category      Category  `gorm:"column:category;type:varchar(32);not null;index:idx_ledger_user_category_created,priority:2" json:"category"`
	Amount        int64     `gorm:"column:amount;not null" json:"amount"`
	BalanceBefore int64     `gorm:"column:balance_before;not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"column:balance_after;not null" json:"balance_after"`
	Description   string    `gorm:"column:description;type:varchar(255)" json:"description,omitempty"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index:idx_ledger_user_category_created,priority:3" json:"created_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Validate checks an entry before it is written.
func (e *Entry) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("ledger entry without user: %w", xerrors.ErrInvalidInput)
	}
	if !e.Category.Valid() {
		return fmt.Errorf("unknown ledger category %q: %w", e.Category, xerrors.ErrInvalidInput)
	}
	if e.BalanceAfter-e.BalanceBefore != e.Amount {
		return fmt.Errorf("ledger entry balances %d -> %d do not match amount %d: %w",
			e.BalanceBefore, e.BalanceAfter, e.Amount, xerrors.ErrInvalidState)
	}
	if e.BalanceBefore < 0 || e.BalanceAfter < 0 {
		return fmt.Errorf("ledger entry with negative balance: %w", xerrors.ErrInvalidState)
	}

	switch e.Category {
	case CategoryTaskReward, CategoryGameWin, CategoryAdReward, CategoryReferralReward:
		if e.Amount <= 0 {
			return fmt.Errorf("%s must credit a positive amount: %w", e.Category, xerrors.ErrInvalidInput)
		}
	case CategoryWithdrawalDebit:
		if e.Amount >= 0 {
			return fmt.Errorf("%s must debit a negative amount: %w", e.Category, xerrors.ErrInvalidInput)
		}
	case CategoryWithdrawalRefund:
		// Refunds move funds from locked back to spendable, holdings are unchanged.
		if e.Amount != 0 {
			return fmt.Errorf("%s must not change holdings: %w", e.Category, xerrors.ErrInvalidInput)
		}
	}
	return nil
}

type CategoryTotal struct {
	Category Category `json:"category"`
	Count    int64    `json:"count"`
	Sum      int64    `json:"sum"`
}
