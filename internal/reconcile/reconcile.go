package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"reward_wallet/internal/ledger"
	"reward_wallet/internal/wallet"
)

type DriftKind string

const (
	// DriftBrokenChain: an entry's balanceBefore does not continue the previous entry.
	DriftBrokenChain DriftKind = "broken_chain"
	// DriftHoldings: replayed ledger total differs from balance + locked.
	DriftHoldings  DriftKind = "holdings"
	DriftEarned    DriftKind = "total_earned"
	DriftWithdrawn DriftKind = "total_withdrawn"
	// DriftTotals: balance + locked + withdrawn differs from earned.
	DriftTotals DriftKind = "totals"
)

// stableReads bounds how often CheckWallet re-reads a wallet that keeps
// changing while its ledger is being read.
const stableReads = 3

// ErrUnsettled is returned when a wallet never held still long enough to be
// compared with its ledger.
var ErrUnsettled = errors.New("wallet changed during reconciliation")

type Drift struct {
	UserID   string    `json:"user_id"`
	Kind     DriftKind `json:"kind"`
	Expected int64     `json:"expected"`
	Actual   int64     `json:"actual"`
	Detail   string    `json:"detail,omitempty"`
}

type Result struct {
	Checked  int           `json:"checked"`
	Skipped  int           `json:"skipped"`
	Drifts   []Drift       `json:"drifts"`
	Duration time.Duration `json:"duration"`
}

// Reconciler compares every wallet with its ledger history. It only reports;
// balances are never adjusted after the fact.
type Reconciler struct {
	wallets   wallet.WalletRepository
	ledger    ledger.Repository
	batchSize int
	log       logrus.FieldLogger
}

func New(wallets wallet.WalletRepository, entries ledger.Repository, batchSize int, log logrus.FieldLogger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Reconciler{wallets: wallets, ledger: entries, batchSize: batchSize, log: log}
}

// CheckWallet replays one user's ledger against the wallet row. Every ledger
// write bumps the wallet version in the same transaction, so the comparison
// only runs once the version is unchanged across the ledger read.
func (r *Reconciler) CheckWallet(ctx context.Context, w *wallet.Wallet) ([]Drift, error) {
	for i := 0; i < stableReads; i++ {
		entries, err := r.ledger.EntriesByUser(ctx, w.UserID)
		if err != nil {
			return nil, err
		}
		cur, err := r.wallets.Get(ctx, nil, w.UserID)
		if err != nil {
			return nil, err
		}
		if cur.Version == w.Version {
			return compare(cur, entries), nil
		}
		w = cur
	}
	return nil, fmt.Errorf("user %s: %w", w.UserID, ErrUnsettled)
}

func compare(w *wallet.Wallet, entries []ledger.Entry) []Drift {
	var drifts []Drift
	holdings, err := ledger.Replay(entries)
	if err != nil {
		drifts = append(drifts, Drift{UserID: w.UserID, Kind: DriftBrokenChain, Expected: w.Holdings(), Actual: holdings, Detail: err.Error()})
	} else if holdings != w.Holdings() {
		drifts = append(drifts, Drift{UserID: w.UserID, Kind: DriftHoldings, Expected: w.Holdings(), Actual: holdings})
	}

	var earned, withdrawn int64
	for _, e := range entries {
		switch {
		case e.Category.IsReward():
			earned += e.Amount
		case e.Category == ledger.CategoryWithdrawalDebit:
			withdrawn -= e.Amount
		}
	}
	if earned != w.TotalEarned {
		drifts = append(drifts, Drift{UserID: w.UserID, Kind: DriftEarned, Expected: w.TotalEarned, Actual: earned})
	}
	if withdrawn != w.TotalWithdrawn {
		drifts = append(drifts, Drift{UserID: w.UserID, Kind: DriftWithdrawn, Expected: w.TotalWithdrawn, Actual: withdrawn})
	}
	if sum := w.Balance + w.LockedBalance + w.TotalWithdrawn; sum != w.TotalEarned {
		drifts = append(drifts, Drift{UserID: w.UserID, Kind: DriftTotals, Expected: w.TotalEarned, Actual: sum})
	}
	return drifts
}

// Run sweeps all wallets in user id order, batchSize at a time.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := r.wallets.ListAfter(ctx, after, r.batchSize)
		if err != nil {
			return res, fmt.Errorf("reconcile: %w", err)
		}
		for i := range batch {
			drifts, err := r.CheckWallet(ctx, &batch[i])
			if errors.Is(err, ErrUnsettled) {
				r.log.WithField("user_id", batch[i].UserID).Warn("wallet busy, skipped reconciliation")
				res.Skipped++
				continue
			}
			if err != nil {
				return res, fmt.Errorf("reconcile user %s: %w", batch[i].UserID, err)
			}
			res.Checked++
			for _, d := range drifts {
				r.log.WithFields(logrus.Fields{
					"user_id":  d.UserID,
					"kind":     d.Kind,
					"expected": d.Expected,
					"actual":   d.Actual,
				}).Error("ledger drift detected")
			}
			res.Drifts = append(res.Drifts, drifts...)
		}
		if len(batch) < r.batchSize {
			break
		}
		after = batch[len(batch)-1].UserID
	}

	res.Duration = time.Since(start)
	r.log.WithFields(logrus.Fields{
		"checked":  res.Checked,
		"skipped":  res.Skipped,
		"drifts":   len(res.Drifts),
		"duration": res.Duration,
	}).Info("reconciliation finished")
	return res, nil
}
