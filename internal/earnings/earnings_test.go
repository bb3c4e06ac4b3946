package earnings

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"oceandash/internal/config"
)

func testService(baseURL string) *Service {
	return NewService(config.UpstreamConfig{
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
	})
}

func TestLedgerFetchAndCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/earnings" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{
			"unpaid_btc": "0.00123",
			"payouts": [
				{"timestamp": 1767225600, "amount_btc": 0.005, "txid": "aa11"},
				{"timestamp": 1767312000, "amount_btc": "0.0031", "lightning": true}
			]
		}`)
	}))
	defer srv.Close()

	s := testService(srv.URL)
	ledger, err := s.Ledger(context.Background())
	if err != nil {
		t.Fatalf("ledger fetch failed: %v", err)
	}
	if ledger.UnpaidBTC.Float() != 0.00123 {
		t.Errorf("unexpected unpaid: %v", ledger.UnpaidBTC)
	}
	if len(ledger.Payouts) != 2 {
		t.Fatalf("expected 2 payouts, got %d", len(ledger.Payouts))
	}
	if ledger.Payouts[0].TxID != "aa11" || ledger.Payouts[1].AmountBTC.Float() != 0.0031 {
		t.Errorf("unexpected payouts: %+v", ledger.Payouts)
	}
	if !ledger.Payouts[1].Lightning {
		t.Error("expected lightning flag")
	}

	// Second call within the TTL hits the cache.
	if _, err := s.Ledger(context.Background()); err != nil {
		t.Fatalf("cached fetch failed: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected 1 upstream hit, got %d", got)
	}

	// Invalidation forces a refetch.
	s.Invalidate()
	if _, err := s.Ledger(context.Background()); err != nil {
		t.Fatalf("refetch failed: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("expected 2 upstream hits, got %d", got)
	}
}

func TestLedgerServesStaleCacheOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"unpaid_btc": 0.001, "payouts": []}`)
	}))
	defer srv.Close()

	s := testService(srv.URL)
	if _, err := s.Ledger(context.Background()); err != nil {
		t.Fatalf("initial fetch failed: %v", err)
	}

	fail.Store(true)
	s.Invalidate()
	ledger, err := s.Ledger(context.Background())
	if err != nil {
		t.Fatalf("expected stale cache to be served, got error: %v", err)
	}
	if ledger.UnpaidBTC.Float() != 0.001 {
		t.Errorf("unexpected stale ledger: %+v", ledger)
	}
}

func TestLedgerErrorWithNoCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := testService(srv.URL)
	if _, err := s.Ledger(context.Background()); err == nil {
		t.Fatal("expected error with empty cache")
	}
}

func TestMirrorPayoutBestEffort(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/payout-history" && r.Method == http.MethodPost {
			received <- struct{}{}
		}
	}))
	defer srv.Close()

	s := testService(srv.URL)
	s.MirrorPayout(context.Background(), time.Now(), 0.005)
	select {
	case <-received:
	default:
		t.Error("expected mirror request upstream")
	}

	// A dead upstream must not panic or propagate.
	dead := testService("http://127.0.0.1:1")
	dead.MirrorPayout(context.Background(), time.Now(), 0.005)
}
