package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "oceandash-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func TestStore(t *testing.T) {
	t.Run("SetAndGet", func(t *testing.T) {
		store, cleanup := setupTestDB(t)
		defer cleanup()

		if err := store.Set("theme", "bitcoin"); err != nil {
			t.Fatalf("failed to set key: %v", err)
		}

		value, ok, err := store.Get("theme")
		if err != nil {
			t.Fatalf("failed to get key: %v", err)
		}
		if !ok {
			t.Fatal("expected key to exist")
		}
		if value != "bitcoin" {
			t.Errorf("expected bitcoin, got %s", value)
		}

		// Overwrite
		if err := store.Set("theme", "deepsea"); err != nil {
			t.Fatalf("failed to overwrite key: %v", err)
		}
		value, _, _ = store.Get("theme")
		if value != "deepsea" {
			t.Errorf("expected deepsea after overwrite, got %s", value)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		store, cleanup := setupTestDB(t)
		defer cleanup()

		_, ok, err := store.Get("nope")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected ok=false for missing key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store, cleanup := setupTestDB(t)
		defer cleanup()

		if err := store.Set("k", "v"); err != nil {
			t.Fatalf("failed to set key: %v", err)
		}
		if err := store.Delete("k"); err != nil {
			t.Fatalf("failed to delete key: %v", err)
		}
		_, ok, _ := store.Get("k")
		if ok {
			t.Error("expected key to be gone after delete")
		}

		// Deleting a missing key is not an error
		if err := store.Delete("k"); err != nil {
			t.Errorf("deleting missing key returned error: %v", err)
		}
	})

	t.Run("JSONRoundTrip", func(t *testing.T) {
		store, cleanup := setupTestDB(t)
		defer cleanup()

		type prefs struct {
			Currency string `json:"currency"`
			Points   int    `json:"points"`
		}

		if err := store.SetJSON("prefs", prefs{Currency: "EUR", Points: 60}); err != nil {
			t.Fatalf("failed to set json: %v", err)
		}

		var got prefs
		ok, err := store.GetJSON("prefs", &got)
		if err != nil {
			t.Fatalf("failed to get json: %v", err)
		}
		if !ok {
			t.Fatal("expected key to exist")
		}
		if got.Currency != "EUR" || got.Points != 60 {
			t.Errorf("unexpected value: %+v", got)
		}
	})

	t.Run("Payouts", func(t *testing.T) {
		store, cleanup := setupTestDB(t)
		defer cleanup()

		id, err := store.InsertPayout(Payout{
			Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			AmountBTC: 0.0021,
			Status:    PayoutPending,
		})
		if err != nil {
			t.Fatalf("failed to insert payout: %v", err)
		}
		if id == 0 {
			t.Fatal("expected non-zero payout id")
		}

		if _, err := store.InsertPayout(Payout{
			Timestamp: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
			AmountBTC: 0.0034,
			Status:    PayoutConfirmed,
			TxID:      "abcd1234",
		}); err != nil {
			t.Fatalf("failed to insert second payout: %v", err)
		}

		payouts, err := store.ListPayouts(0)
		if err != nil {
			t.Fatalf("failed to list payouts: %v", err)
		}
		if len(payouts) != 2 {
			t.Fatalf("expected 2 payouts, got %d", len(payouts))
		}
		// Newest first
		if payouts[0].AmountBTC != 0.0034 {
			t.Errorf("expected newest payout first, got %+v", payouts[0])
		}

		if err := store.UpdatePayoutStatus(id, PayoutConfirmed, "fedc9876"); err != nil {
			t.Fatalf("failed to update payout: %v", err)
		}
		payouts, _ = store.ListPayouts(0)
		if payouts[1].Status != PayoutConfirmed || payouts[1].TxID != "fedc9876" {
			t.Errorf("expected confirmed payout with txid, got %+v", payouts[1])
		}

		if err := store.ClearPayouts(); err != nil {
			t.Fatalf("failed to clear payouts: %v", err)
		}
		payouts, _ = store.ListPayouts(0)
		if len(payouts) != 0 {
			t.Errorf("expected empty ledger after clear, got %d", len(payouts))
		}
	})

	t.Run("ChartPoints", func(t *testing.T) {
		store, cleanup := setupTestDB(t)
		defer cleanup()

		base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		var batch []ChartPoint
		for i := 0; i < 5; i++ {
			batch = append(batch, ChartPoint{
				Label:      base.Add(time.Duration(i) * time.Minute).Format("15:04"),
				ValueTHs:   float64(100 + i),
				RecordedAt: base.Add(time.Duration(i) * time.Minute),
			})
		}
		if err := store.AppendChartPoints(batch); err != nil {
			t.Fatalf("failed to append chart points: %v", err)
		}

		points, err := store.RecentChartPoints(3)
		if err != nil {
			t.Fatalf("failed to read chart points: %v", err)
		}
		if len(points) != 3 {
			t.Fatalf("expected 3 points, got %d", len(points))
		}
		// Chronological order, newest window
		if points[0].ValueTHs != 102 || points[2].ValueTHs != 104 {
			t.Errorf("unexpected window: %+v", points)
		}

		if err := store.PruneChartPoints(2); err != nil {
			t.Fatalf("failed to prune: %v", err)
		}
		points, _ = store.RecentChartPoints(10)
		if len(points) != 2 {
			t.Errorf("expected 2 points after prune, got %d", len(points))
		}

		if err := store.ClearChartPoints(); err != nil {
			t.Fatalf("failed to clear chart points: %v", err)
		}
		points, _ = store.RecentChartPoints(10)
		if len(points) != 0 {
			t.Errorf("expected no points after clear, got %d", len(points))
		}
	})
}

func TestParseTimestamp(t *testing.T) {
	if got := parseTimestamp("2026-03-01 12:00:00"); got.IsZero() {
		t.Error("expected simple format to parse")
	}
	if got := parseTimestamp("2026-03-01T12:00:00Z"); got.IsZero() {
		t.Error("expected RFC3339 to parse")
	}
	if got := parseTimestamp("garbage"); !got.IsZero() {
		t.Errorf("expected zero time for garbage, got %v", got)
	}
}
