package notify

import (
	"context"
	"errors"
	"time"
)

type EventType string

const (
	EventRewardGranted       EventType = "reward.granted"
	EventWithdrawalRequested EventType = "withdrawal.requested"
	EventWithdrawalCompleted EventType = "withdrawal.completed"
	EventWithdrawalRejected  EventType = "withdrawal.rejected"
)

type Event struct {
	Type         EventType `json:"type"`
	UserID       string    `json:"user_id"`
	Category     string    `json:"category,omitempty"`
	Amount       int64     `json:"amount"`
	Balance      int64     `json:"balance"`
	Remaining    *int      `json:"remaining,omitempty"`
	WithdrawalID string    `json:"withdrawal_id,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher delivers events to a sink. Callers in the core go through Async,
// so a failing sink never affects the operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
