package wallet

import (
	"time"
)

type Wallet struct {
	WalletID       string    `gorm:"column:wallet_id;primaryKey;type:varchar(36)" json:"wallet_id"`
	UserID         string    `gorm:"column:user_id;type:varchar(36);not null;uniqueIndex" json:"user_id"`
	Balance        int64     `gorm:"column:balance;not null;default:0;check:chk_wallet_balance,balance >= 0" json:"balance"`
	LockedBalance  int64     `gorm:"column:locked_balance;not null;default:0;check:chk_wallet_locked,locked_balance >= 0" json:"locked_balance"`
	TotalEarned    int64     `gorm:"column:total_earned;not null;default:0" json:"total_earned"`
	TotalWithdrawn int64     `gorm:"column:total_withdrawn;not null;default:0" json:"total_withdrawn"`
	Version        int       `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// Holdings is everything the user still owns: spendable plus locked.
func (w *Wallet) Holdings() int64 {
	return w.Balance + w.LockedBalance
}

// Movement reports a wallet mutation: the balances on both sides of it and
// the resulting row.
type Movement struct {
	UserID        string
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	LockedBefore  int64
	LockedAfter   int64
	Wallet        *Wallet
}

func (m *Movement) HoldingsBefore() int64 { return m.BalanceBefore + m.LockedBefore }

func (m *Movement) HoldingsAfter() int64 { return m.BalanceAfter + m.LockedAfter }

type BalanceResponse struct {
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	LockedBalance  int64  `json:"locked_balance"`
	TotalEarned    int64  `json:"total_earned"`
	TotalWithdrawn int64  `json:"total_withdrawn"`
}
