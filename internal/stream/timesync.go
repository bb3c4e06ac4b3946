package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"oceandash/internal/config"
)

const timeSyncInterval = 30 * time.Second

// TimeSync tracks the offset between the local clock and the upstream
// server clock so staleness checks compare like with like.
type TimeSync struct {
	base string
	rest *http.Client

	mu     sync.Mutex
	offset time.Duration
}

// NewTimeSync creates a syncer against the upstream base URL.
func NewTimeSync(cfg config.UpstreamConfig) *TimeSync {
	return &TimeSync{
		base: cfg.BaseURL,
		rest: newRetryClient(cfg.RequestTimeout),
	}
}

// Offset returns the last measured server-minus-local clock offset.
func (t *TimeSync) Offset() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Now returns the current time corrected to the server clock.
func (t *TimeSync) Now() time.Time {
	return time.Now().Add(t.Offset())
}

// Run refreshes the offset every 30s until ctx is cancelled.
func (t *TimeSync) Run(ctx context.Context) {
	t.sync(ctx)
	ticker := time.NewTicker(timeSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sync(ctx)
		}
	}
}

func (t *TimeSync) sync(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/api/time", nil)
	if err != nil {
		return
	}
	sent := time.Now()
	resp, err := t.rest.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("time sync failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var body struct {
		ServerTimestamp float64 `json:"server_timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.ServerTimestamp <= 0 {
		return
	}
	// Assume symmetric latency and split the round trip.
	rtt := time.Since(sent)
	sec := int64(body.ServerTimestamp)
	nsec := int64((body.ServerTimestamp - float64(sec)) * float64(time.Second))
	serverAt := time.Unix(sec, nsec).Add(rtt / 2)

	t.mu.Lock()
	t.offset = serverAt.Sub(time.Now())
	t.mu.Unlock()
}

// FetchTimezone asks the backend for its configured timezone. Callers
// cache the answer in the statestore.
func (t *TimeSync) FetchTimezone(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/api/timezone", nil)
	if err != nil {
		return "", err
	}
	resp, err := t.rest.Do(req)
	if err != nil {
		return "", fmt.Errorf("timezone fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("timezone fetch returned status %d", resp.StatusCode)
	}
	var body struct {
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("timezone fetch returned undecodable body: %w", err)
	}
	if body.Timezone == "" {
		return "", fmt.Errorf("timezone fetch returned empty timezone")
	}
	return body.Timezone, nil
}
