package report

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"reward_wallet/internal/ledger"
	"reward_wallet/internal/xerrors"
)

type CategorySummary struct {
	Category ledger.Category `json:"category"`
	Count    int64           `json:"count"`
	Sum      int64           `json:"sum"`
	// Share of all credited rewards, for reward categories only.
	Share decimal.Decimal `json:"share"`
}

type Summary struct {
	UserID        string            `json:"user_id,omitempty"`
	From          time.Time         `json:"from"`
	To            time.Time         `json:"to"`
	Categories    []CategorySummary `json:"categories"`
	Rewards       int64             `json:"rewards"`
	TotalCredited int64             `json:"total_credited"`
	TotalDebited  int64             `json:"total_debited"`
	AverageReward decimal.Decimal   `json:"average_reward"`
}

type Builder struct {
	ledger ledger.Repository
}

func NewBuilder(entries ledger.Repository) *Builder {
	return &Builder{ledger: entries}
}

// Build summarizes ledger activity in [from, to). Every category is listed,
// including those without entries. An empty userID covers all users.
func (b *Builder) Build(ctx context.Context, userID string, from, to time.Time) (*Summary, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("report range %s..%s is empty: %w", from, to, xerrors.ErrInvalidInput)
	}
	totals, err := b.ledger.SumByCategoryInRange(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", xerrors.ErrPersistence, err)
	}
	byCategory := make(map[ledger.Category]ledger.CategoryTotal, len(totals))
	for _, t := range totals {
		byCategory[t.Category] = t
	}

	s := &Summary{
		UserID:        userID,
		From:          from.UTC(),
		To:            to.UTC(),
		AverageReward: decimal.Zero,
	}
	for _, c := range ledger.Categories() {
		t := byCategory[c]
		s.Categories = append(s.Categories, CategorySummary{Category: c, Count: t.Count, Sum: t.Sum, Share: decimal.Zero})
		switch {
		case c.IsReward():
			s.Rewards += t.Count
			s.TotalCredited += t.Sum
		case c == ledger.CategoryWithdrawalDebit:
			s.TotalDebited -= t.Sum
		}
	}

	if s.TotalCredited > 0 {
		credited := decimal.NewFromInt(s.TotalCredited)
		for i := range s.Categories {
			if s.Categories[i].Category.IsReward() {
				s.Categories[i].Share = decimal.NewFromInt(s.Categories[i].Sum).Div(credited).Round(4)
			}
		}
	}
	if s.Rewards > 0 {
		s.AverageReward = decimal.NewFromInt(s.TotalCredited).Div(decimal.NewFromInt(s.Rewards)).Round(2)
	}
	return s, nil
}
