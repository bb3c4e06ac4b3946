// Package tracker computes up/down indicators for dashboard metrics by
// comparing each reading against the previously seen value.
package tracker

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// Epsilon is the minimum relative change that counts as movement. A
// reading within |new-old|/old <= Epsilon keeps the previous indicator.
const Epsilon = 0.00001

// Indicator directions.
const (
	ArrowNone = ""
	ArrowUp   = "up"
	ArrowDown = "down"
)

// Keys lists every metric the tracker follows. Values arriving under
// other keys are ignored.
var Keys = []string{
	"hashrate_60sec",
	"hashrate_10min",
	"hashrate_3hr",
	"hashrate_24hr",
	"block_number",
	"btc_price",
	"network_hashrate",
	"difficulty",
	"daily_revenue",
	"daily_profit_usd",
	"monthly_profit_usd",
	"daily_mined_sats",
	"monthly_mined_sats",
	"unpaid_earnings",
	"estimated_earnings_per_day",
	"estimated_earnings_next_block",
	"estimated_rewards_in_window",
	"workers_hashing",
	"pool_fees_percentage",
}

// Saver persists tracker state between restarts.
type Saver interface {
	GetJSON(key string, dst any) (bool, error)
	SetJSON(key string, v any) error
	Delete(key string) error
}

const stateKey = "tracker_state"

type entry struct {
	Value float64 `json:"value"`
	Arrow string  `json:"arrow"`
}

// Tracker holds the last seen value and current indicator per key.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]entry
	tracked map[string]struct{}
	store   Saver
}

// New creates a tracker, restoring persisted state when a store is
// provided. A nil store keeps state in memory only.
func New(store Saver) *Tracker {
	t := &Tracker{
		entries: make(map[string]entry),
		tracked: make(map[string]struct{}, len(Keys)),
		store:   store,
	}
	for _, k := range Keys {
		t.tracked[k] = struct{}{}
	}
	if store != nil {
		saved := map[string]entry{}
		if ok, err := store.GetJSON(stateKey, &saved); err != nil {
			logrus.WithError(err).Warn("failed to restore indicator state")
		} else if ok {
			for k, e := range saved {
				if _, known := t.tracked[k]; known {
					t.entries[k] = e
				}
			}
		}
	}
	return t
}

// Observe records a new value for key and returns the indicator to
// display. Unknown keys and non-finite values return ArrowNone without
// changing state.
func (t *Tracker) Observe(key string, value float64) string {
	if _, known := t.tracked[key]; !known {
		return ArrowNone
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return ArrowNone
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.entries[key]
	arrow := ArrowNone
	if seen {
		arrow = direction(prev.Value, value, prev.Arrow)
	}
	t.entries[key] = entry{Value: value, Arrow: arrow}
	return arrow
}

// direction compares a new reading against the old one. The indicator
// flips only when the relative change strictly exceeds Epsilon; a
// change of exactly the threshold holds the previous indicator. A zero
// old value flips on any nonzero change.
func direction(old, new float64, held string) string {
	diff := new - old
	if diff == 0 {
		return held
	}
	if old != 0 && math.Abs(diff)/math.Abs(old) <= Epsilon {
		return held
	}
	if diff > 0 {
		return ArrowUp
	}
	return ArrowDown
}

// ObserveAll processes a batch of readings and returns the indicator
// per key.
func (t *Tracker) ObserveAll(values map[string]float64) map[string]string {
	arrows := make(map[string]string, len(values))
	for k, v := range values {
		arrows[k] = t.Observe(k, v)
	}
	return arrows
}

// Arrow returns the current indicator for key.
func (t *Tracker) Arrow(key string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key].Arrow
}

// Arrows returns a copy of all current indicators.
func (t *Tracker) Arrows() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.entries))
	for k, e := range t.entries {
		out[k] = e.Arrow
	}
	return out
}

// PrepareForRefresh clears all indicators while keeping the last seen
// values, so a forced refresh starts with neutral arrows but still
// compares against real history.
func (t *Tracker) PrepareForRefresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		e.Arrow = ArrowNone
		t.entries[k] = e
	}
}

// Save persists current state through the configured store.
func (t *Tracker) Save() error {
	if t.store == nil {
		return nil
	}
	t.mu.Lock()
	snapshot := make(map[string]entry, len(t.entries))
	for k, e := range t.entries {
		snapshot[k] = e
	}
	t.mu.Unlock()
	return t.store.SetJSON(stateKey, snapshot)
}

// Reset clears all indicators and removes persisted state.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	t.entries = make(map[string]entry)
	t.mu.Unlock()
	if t.store != nil {
		return t.store.Delete(stateKey)
	}
	return nil
}
