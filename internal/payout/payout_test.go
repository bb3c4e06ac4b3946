package payout

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oceandash/internal/config"
	"oceandash/internal/earnings"
	"oceandash/internal/model"
	"oceandash/internal/statestore"
)

type fakeLedger struct {
	ledger *earnings.Ledger
	err    error

	mu       sync.Mutex
	mirrored []float64
	block    chan struct{}
}

func (f *fakeLedger) Ledger(ctx context.Context) (*earnings.Ledger, error) {
	return f.ledger, f.err
}

func (f *fakeLedger) MirrorPayout(ctx context.Context, ts time.Time, amountBTC float64) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	f.mirrored = append(f.mirrored, amountBTC)
	f.mu.Unlock()
}

func (f *fakeLedger) mirroredAmounts() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.mirrored))
	copy(out, f.mirrored)
	return out
}

func setupTracker(t *testing.T, source LedgerSource) *Tracker {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "oceandash-payout-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := statestore.New(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewTracker(store, source, config.PayoutConfig{
		DropThresholdPct: 0.75,
		ReconcileWindow:  5 * time.Minute,
		ReconcileTolPct:  0.01,
	})
}

func TestObserveDetectsLargeDrop(t *testing.T) {
	src := &fakeLedger{}
	tr := setupTracker(t, src)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	assert.Nil(t, tr.Observe(now, 0.004), "first reading has no prior")
	p := tr.Observe(now.Add(time.Minute), 0.0005)
	require.NotNil(t, p, "87.5%% drop must be detected")
	assert.InEpsilon(t, 0.0035, p.AmountBTC, 1e-9)
	assert.Equal(t, statestore.PayoutPending, p.Status)

	history, err := tr.History(0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// The detection is mirrored upstream asynchronously.
	require.Eventually(t, func() bool {
		return len(src.mirroredAmounts()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.InEpsilon(t, 0.0035, src.mirroredAmounts()[0], 1e-9)
}

func TestObserveDoesNotBlockOnSlowMirror(t *testing.T) {
	src := &fakeLedger{block: make(chan struct{})}
	defer close(src.block)
	tr := setupTracker(t, src)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tr.Observe(now, 0.004)

	done := make(chan *statestore.Payout, 1)
	go func() { done <- tr.Observe(now.Add(time.Minute), 0.0005) }()
	select {
	case p := <-done:
		require.NotNil(t, p)
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked on the upstream mirror call")
	}
}

func TestObserveIgnoresSmallDropAndGrowth(t *testing.T) {
	tr := setupTracker(t, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tr.Observe(now, 0.004)
	assert.Nil(t, tr.Observe(now.Add(time.Minute), 0.002), "50%% drop is below threshold")
	assert.Nil(t, tr.Observe(now.Add(2*time.Minute), 0.003), "growth is never a payout")
}

func TestObserveIgnoresDustPrior(t *testing.T) {
	tr := setupTracker(t, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// Prior below 1000 sats: a full drop is noise, not a payout.
	tr.Observe(now, 0.000005)
	assert.Nil(t, tr.Observe(now.Add(time.Minute), 0))
}

func TestObserveDedupesRepeatedDetection(t *testing.T) {
	tr := setupTracker(t, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tr.Observe(now, 0.004)
	require.NotNil(t, tr.Observe(now.Add(time.Minute), 0.0005))

	// The balance snaps back and drops again within the window with
	// the same amount: proximity dedup suppresses the second record.
	tr.Observe(now.Add(2*time.Minute), 0.004)
	assert.Nil(t, tr.Observe(now.Add(3*time.Minute), 0.0005))

	history, err := tr.History(0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestReconcileConfirmsAndBackfills(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	src := &fakeLedger{ledger: &earnings.Ledger{
		Payouts: []earnings.Payout{
			// Matches the locally detected payout within 5min / 1%.
			{Timestamp: model.FlexFloat(now.Add(3 * time.Minute).Unix()), AmountBTC: 0.00351, TxID: "tx-match"},
			// Unknown locally: backfilled as confirmed.
			{Timestamp: model.FlexFloat(now.Add(-24 * time.Hour).Unix()), AmountBTC: 0.01, TxID: "tx-old", Lightning: true},
		},
	}}
	tr := setupTracker(t, src)

	tr.Observe(now, 0.004)
	require.NotNil(t, tr.Observe(now.Add(time.Minute), 0.0005))

	require.NoError(t, tr.Reconcile(context.Background()))

	history, err := tr.History(0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	var confirmed, backfilled *statestore.Payout
	for i := range history {
		switch history[i].TxID {
		case "tx-match":
			confirmed = &history[i]
		case "tx-old":
			backfilled = &history[i]
		}
	}
	require.NotNil(t, confirmed, "pending payout must gain the ledger txid")
	assert.Equal(t, statestore.PayoutConfirmed, confirmed.Status)
	require.NotNil(t, backfilled)
	assert.Equal(t, statestore.PayoutConfirmed, backfilled.Status)
	assert.True(t, backfilled.Lightning)

	// Reconciling again must not duplicate anything.
	require.NoError(t, tr.Reconcile(context.Background()))
	history, _ = tr.History(0)
	assert.Len(t, history, 2)
}

func TestReconcileWithoutSourceIsNoop(t *testing.T) {
	tr := setupTracker(t, nil)
	assert.NoError(t, tr.Reconcile(context.Background()))
}

func TestClear(t *testing.T) {
	tr := setupTracker(t, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	tr.Observe(now, 0.004)
	require.NotNil(t, tr.Observe(now.Add(time.Minute), 0.0005))

	require.NoError(t, tr.Clear())
	history, err := tr.History(0)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Detection state resets too: the next reading is a fresh prior.
	assert.Nil(t, tr.Observe(now.Add(2*time.Minute), 0.000001))
}
