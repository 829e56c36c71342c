package withdrawal

import (
	"fmt"
	"time"

	"reward_wallet/internal/xerrors"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusRejected  Status = "REJECTED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusCompleted, StatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown withdrawal status %q: %w", s, xerrors.ErrInvalidInput)
	}
}

type Withdrawal struct {
	ID                 string     `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	UserID             string     `gorm:"column:user_id;type:varchar(36);not null;index" json:"user_id"`
	Amount             int64      `gorm:"column:amount;not null;check:chk_withdrawal_amount,amount > 0" json:"amount"`
	DestinationAddress string     `gorm:"column:destination_address;type:varchar(255);not null" json:"destination_address"`
	Status             Status     `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	TxReference        string     `gorm:"column:tx_reference;type:varchar(255)" json:"tx_reference,omitempty"`
	FailureReason      string     `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	CreatedAt          time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	CompletedAt        *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Withdrawal) TableName() string { return "withdrawals" }

type CreateWithdrawalRequest struct {
	UserID             string `json:"user_id" binding:"required"`
	Amount             int64  `json:"amount" binding:"required"`
	DestinationAddress string `json:"destination_address" binding:"required"`
}

type ApproveRequest struct {
	Reference string `json:"reference"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}
