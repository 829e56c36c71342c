package reward

import (
	"fmt"

	"github.com/shopspring/decimal"

	"reward_wallet/internal/config"
	"reward_wallet/internal/ledger"
	"reward_wallet/internal/xerrors"
)

// Policy is the server-side rule for one reward category.
type Policy struct {
	DailyMax      int
	MaxAmount     int64
	DefaultAmount int64
	Multiplier    decimal.Decimal
}

type Policies map[ledger.Category]Policy

// PoliciesFromConfig maps the configured categories onto reward policies.
// Only reward categories are accepted.
func PoliciesFromConfig(rewards map[string]config.RewardConfig) (Policies, error) {
	p := make(Policies, len(rewards))
	for name, rc := range rewards {
		c, err := ledger.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		if !c.IsReward() {
			return nil, fmt.Errorf("%s is not a reward category: %w", c, xerrors.ErrInvalidInput)
		}
		p[c] = Policy{
			DailyMax:      rc.DailyMax,
			MaxAmount:     rc.MaxAmount,
			DefaultAmount: rc.DefaultAmount,
			Multiplier:    rc.Multiplier,
		}
	}
	return p, nil
}

func (p Policies) DailyLimits() map[ledger.Category]int {
	limits := make(map[ledger.Category]int, len(p))
	for c, policy := range p {
		limits[c] = policy.DailyMax
	}
	return limits
}

// Amount computes the credited amount. A zero request falls back to the
// category default; the result is scaled by the multiplier, floored, and
// clamped to MaxAmount. Caller-reported amounts are never trusted beyond that.
func (p Policy) Amount(requested int64) (int64, error) {
	if requested < 0 {
		return 0, fmt.Errorf("requested amount %d is negative: %w", requested, xerrors.ErrInvalidInput)
	}
	base := requested
	if base == 0 {
		base = p.DefaultAmount
	}

	multiplier := p.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	amount := decimal.NewFromInt(base).Mul(multiplier).Floor().IntPart()
	if amount > p.MaxAmount {
		amount = p.MaxAmount
	}
	if amount <= 0 {
		return 0, fmt.Errorf("reward amount resolves to %d: %w", amount, xerrors.ErrInvalidInput)
	}
	return amount, nil
}

type GrantRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Category    string `json:"category" binding:"required"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type GrantResult struct {
	Entry     ledger.Entry `json:"entry"`
	Balance   int64        `json:"balance"`
	Remaining int          `json:"remaining"`
}
