// Package payout detects payouts from drops in unpaid earnings and
// reconciles the local ledger against the pool's authoritative
// earnings history.
package payout

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"oceandash/internal/config"
	"oceandash/internal/earnings"
	"oceandash/internal/statestore"
)

// MinPriorBTC is the smallest prior balance (1000 sats) whose drop is
// treated as a payout rather than accounting noise.
const MinPriorBTC = 0.00001

// LedgerSource supplies the authoritative earnings ledger.
type LedgerSource interface {
	Ledger(ctx context.Context) (*earnings.Ledger, error)
	MirrorPayout(ctx context.Context, timestamp time.Time, amountBTC float64)
}

// Tracker watches unpaid earnings and maintains the payout ledger.
type Tracker struct {
	store  *statestore.Store
	source LedgerSource
	cfg    config.PayoutConfig

	mu         sync.Mutex
	lastUnpaid float64
	hasLast    bool
}

// NewTracker creates a payout tracker. source may be nil when no
// authoritative feed is configured; reconciliation then becomes a
// no-op.
func NewTracker(store *statestore.Store, source LedgerSource, cfg config.PayoutConfig) *Tracker {
	if cfg.DropThresholdPct <= 0 || cfg.DropThresholdPct >= 1 {
		cfg.DropThresholdPct = 0.75
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = 5 * time.Minute
	}
	if cfg.ReconcileTolPct <= 0 {
		cfg.ReconcileTolPct = 0.01
	}
	return &Tracker{store: store, source: source, cfg: cfg}
}

// Observe feeds one unpaid-earnings reading (BTC). A drop of at least
// the configured fraction from a prior balance above the minimum
// records a pending payout; the detected record is returned, nil
// otherwise.
func (t *Tracker) Observe(now time.Time, unpaidBTC float64) *statestore.Payout {
	if math.IsNaN(unpaidBTC) || math.IsInf(unpaidBTC, 0) || unpaidBTC < 0 {
		return nil
	}

	t.mu.Lock()
	prior := t.lastUnpaid
	hadPrior := t.hasLast
	t.lastUnpaid = unpaidBTC
	t.hasLast = true
	t.mu.Unlock()

	if !hadPrior || prior < MinPriorBTC {
		return nil
	}
	drop := prior - unpaidBTC
	if drop < prior*t.cfg.DropThresholdPct {
		return nil
	}

	p := statestore.Payout{
		Timestamp: now.UTC(),
		AmountBTC: drop,
		Status:    statestore.PayoutPending,
	}
	inserted, err := t.insertUnlessDuplicate(p)
	if err != nil {
		logrus.WithError(err).Error("failed to record detected payout")
		return nil
	}
	if !inserted {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"amount_btc": drop,
		"prior_btc":  prior,
	}).Info("payout detected from unpaid earnings drop")

	if t.source != nil {
		// Best effort; must not stall the snapshot pipeline.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			t.source.MirrorPayout(ctx, p.Timestamp, p.AmountBTC)
		}()
	}
	return &p
}

// matches applies the proximity rule: timestamps within the reconcile
// window and amounts within the relative tolerance.
func (t *Tracker) matches(a statestore.Payout, ts time.Time, amountBTC float64) bool {
	dt := a.Timestamp.Sub(ts)
	if dt < 0 {
		dt = -dt
	}
	if dt > t.cfg.ReconcileWindow {
		return false
	}
	ref := math.Max(a.AmountBTC, amountBTC)
	if ref == 0 {
		return true
	}
	return math.Abs(a.AmountBTC-amountBTC) <= ref*t.cfg.ReconcileTolPct
}

// insertUnlessDuplicate inserts p when no existing entry matches it.
func (t *Tracker) insertUnlessDuplicate(p statestore.Payout) (bool, error) {
	existing, err := t.store.ListPayouts(0)
	if err != nil {
		return false, err
	}
	for _, e := range existing {
		if t.matches(e, p.Timestamp, p.AmountBTC) {
			return false, nil
		}
	}
	if _, err := t.store.InsertPayout(p); err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile matches local records against the authoritative ledger:
// pending entries with a ledger counterpart become confirmed and gain
// the txid; authoritative payouts missing locally are inserted as
// confirmed.
func (t *Tracker) Reconcile(ctx context.Context) error {
	if t.source == nil {
		return nil
	}
	ledger, err := t.source.Ledger(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch earnings ledger: %w", err)
	}

	local, err := t.store.ListPayouts(0)
	if err != nil {
		return fmt.Errorf("failed to list local payouts: %w", err)
	}

	for _, remote := range ledger.Payouts {
		ts := remote.Time()
		amount := remote.AmountBTC.Float()

		matched := false
		for _, l := range local {
			if !t.matches(l, ts, amount) {
				continue
			}
			matched = true
			if l.Status == statestore.PayoutPending {
				if err := t.store.UpdatePayoutStatus(l.ID, statestore.PayoutConfirmed, remote.TxID); err != nil {
					logrus.WithError(err).Error("failed to confirm payout")
				}
			}
			break
		}
		if matched {
			continue
		}

		if _, err := t.store.InsertPayout(statestore.Payout{
			Timestamp: ts,
			AmountBTC: amount,
			Status:    statestore.PayoutConfirmed,
			TxID:      remote.TxID,
			Lightning: remote.Lightning,
			FeeSats:   remote.FeeSats,
		}); err != nil {
			logrus.WithError(err).Error("failed to insert authoritative payout")
		}
	}
	return nil
}

// History returns the payout ledger, newest first.
func (t *Tracker) History(limit int) ([]statestore.Payout, error) {
	return t.store.ListPayouts(limit)
}

// Clear wipes the payout ledger and detection state.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	t.hasLast = false
	t.lastUnpaid = 0
	t.mu.Unlock()
	return t.store.ClearPayouts()
}
