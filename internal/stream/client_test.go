package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"oceandash/internal/config"
)

func testConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:        baseURL,
		StreamPath:     "/stream",
		PollPath:       "/api/metrics",
		PollInterval:   50 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
}

func newTestClient(baseURL string) *Client {
	return New(testConfig(baseURL), prometheus.NewRegistry())
}

func TestConsumeStreamDeliversSnapshots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\": \"ping\"}\n\n")
		fmt.Fprint(w, "data: {\"hashrate_60sec\": 100, \"hashrate_60sec_unit\": \"TH/s\", \"btc_price\": 65000}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	connected, err := c.consumeStream(context.Background())
	if !connected {
		t.Fatalf("expected connection, got err=%v", err)
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case snap := <-c.SnapshotChan:
		if snap.Hashrate60sec.Float() != 100 {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
		if snap.BTCPrice.Float() != 65000 {
			t.Errorf("unexpected btc price: %v", snap.BTCPrice)
		}
	default:
		t.Fatal("expected a snapshot on the channel")
	}

	// The ping control frame must not have been delivered.
	select {
	case snap := <-c.SnapshotChan:
		t.Fatalf("unexpected extra snapshot: %+v", snap)
	default:
	}
}

func TestConsumeStreamMultilineData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// A single event split across two data lines.
		fmt.Fprint(w, "data: {\"hashrate_60sec\": 7,\n")
		fmt.Fprint(w, "data: \"hashrate_60sec_unit\": \"TH/s\"}\n\n")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if connected, _ := c.consumeStream(context.Background()); !connected {
		t.Fatal("expected connection")
	}

	select {
	case snap := <-c.SnapshotChan:
		if snap.Hashrate60sec.Float() != 7 {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	default:
		t.Fatal("expected a snapshot")
	}
}

func TestConsumeStreamTimeoutFrameStopsRead(t *testing.T) {
	delivered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\": \"timeout\"}\n\n")
		w.(http.Flusher).Flush()
		// Keep the connection open; the client must bail on its own.
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	defer close(delivered)

	c := newTestClient(srv.URL)
	done := make(chan struct{})
	go func() {
		c.consumeStream(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("client did not disconnect on timeout frame")
	}
}

func TestConsumeStreamBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	connected, err := c.consumeStream(context.Background())
	if connected {
		t.Error("expected connected=false for bad status")
	}
	if err == nil {
		t.Error("expected an error for bad status")
	}
}

func TestDispatchMalformedFrame(t *testing.T) {
	c := newTestClient("http://unused")
	if stop := c.dispatch("{not json"); stop {
		t.Error("malformed frame must not request reconnect")
	}
	select {
	case <-c.SnapshotChan:
		t.Error("malformed frame must not deliver a snapshot")
	default:
	}
}

func TestDispatchErrorFrameRequestsReconnect(t *testing.T) {
	c := newTestClient("http://unused")
	if stop := c.dispatch(`{"type": "error", "error": "overloaded"}`); !stop {
		t.Error("error frame must request reconnect")
	}
	if stop := c.dispatch(`{"type": "timeout_warning"}`); stop {
		t.Error("timeout_warning must not request reconnect")
	}
}

func TestDispatchCapturesRetryHint(t *testing.T) {
	c := newTestClient("http://unused")
	c.dispatch(`{"type": "timeout", "retry": 7}`)
	if got := c.takeRetryHint(); got != 7*time.Second {
		t.Errorf("expected 7s retry hint, got %v", got)
	}
	// The hint is consumed once.
	if got := c.takeRetryHint(); got != 0 {
		t.Errorf("expected hint to be cleared, got %v", got)
	}

	// Oversized hints are capped at the backoff ceiling.
	c.dispatch(`{"type": "error", "retry": 600}`)
	if got := c.takeRetryHint(); got != backoffCap {
		t.Errorf("expected hint capped at %v, got %v", backoffCap, got)
	}
}

func TestDeliverDropsWhenConsumerIsSlow(t *testing.T) {
	c := newTestClient("http://unused")
	for i := 0; i < 150; i++ {
		c.dispatch(`{"hashrate_60sec": 1, "hashrate_60sec_unit": "TH/s"}`)
	}
	if got := len(c.SnapshotChan); got != 100 {
		t.Errorf("expected a full channel of 100, got %d", got)
	}
}

func TestPollOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/metrics" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"hashrate_60sec": "55.5", "hashrate_60sec_unit": "TH/s"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.pollOnce(context.Background())

	select {
	case snap := <-c.SnapshotChan:
		if snap.Hashrate60sec.Float() != 55.5 {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	default:
		t.Fatal("expected a snapshot from the poll")
	}
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoff(attempt)
		if d > backoffCap {
			t.Errorf("attempt %d: backoff %v exceeds cap", attempt, d)
		}
		if d < backoffBase/2 {
			t.Errorf("attempt %d: backoff %v below half the base", attempt, d)
		}
	}
	// Early attempts stay short.
	if d := backoff(1); d > backoffBase {
		t.Errorf("first backoff %v exceeds base", d)
	}
}

func TestResumeIsNonBlocking(t *testing.T) {
	c := newTestClient("http://unused")
	// Repeated calls must never block even with no reader.
	for i := 0; i < 5; i++ {
		c.Resume()
	}
}

func TestTimeSync(t *testing.T) {
	serverNow := float64(time.Now().Add(90*time.Second).UnixNano()) / float64(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/time":
			fmt.Fprintf(w, `{"server_timestamp": %f}`, serverNow)
		case "/api/timezone":
			fmt.Fprint(w, `{"timezone": "Europe/Berlin"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ts := NewTimeSync(testConfig(srv.URL))
	ts.sync(context.Background())

	offset := ts.Offset()
	if offset < 80*time.Second || offset > 100*time.Second {
		t.Errorf("expected ~90s offset, got %v", offset)
	}

	tz, err := ts.FetchTimezone(context.Background())
	if err != nil {
		t.Fatalf("timezone fetch failed: %v", err)
	}
	if tz != "Europe/Berlin" {
		t.Errorf("unexpected timezone: %s", tz)
	}
}
