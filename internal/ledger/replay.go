package ledger

import (
	"fmt"

	"reward_wallet/internal/xerrors"
)

// Replay walks entries in creation order starting from zero and returns the
// resulting holdings. It fails on the first entry whose recorded balances do
// not continue the running total.
func Replay(entries []Entry) (int64, error) {
	var running int64
	for _, e := range entries {
		if e.BalanceBefore != running {
			return running, fmt.Errorf("entry %d starts at %d, replay is at %d: %w",
				e.ID, e.BalanceBefore, running, xerrors.ErrInvalidState)
		}
		if e.BalanceAfter-e.BalanceBefore != e.Amount {
			return running, fmt.Errorf("entry %d moves %d -> %d but records amount %d: %w",
				e.ID, e.BalanceBefore, e.BalanceAfter, e.Amount, xerrors.ErrInvalidState)
		}
		running += e.Amount
	}
	return running, nil
}
