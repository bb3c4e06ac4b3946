// Package earnings fetches the authoritative earnings and payout
// ledger from the upstream pool backend, with a short cache so
// reconciliation passes don't hammer the API.
package earnings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"oceandash/internal/config"
	"oceandash/internal/model"
)

const cacheTTL = 5 * time.Minute

// Payout is one authoritative payout entry from the pool ledger.
type Payout struct {
	Timestamp model.FlexFloat `json:"timestamp"`
	AmountBTC model.FlexFloat `json:"amount_btc"`
	TxID      string          `json:"txid,omitempty"`
	Lightning bool            `json:"lightning,omitempty"`
	FeeSats   int64           `json:"fee_sats,omitempty"`
}

// Time converts the entry's unix timestamp.
func (p Payout) Time() time.Time {
	return time.Unix(int64(p.Timestamp.Float()), 0).UTC()
}

// Ledger is the /api/earnings response.
type Ledger struct {
	UnpaidBTC model.FlexFloat `json:"unpaid_btc"`
	Payouts   []Payout        `json:"payouts"`
}

// Service fetches and caches the earnings ledger.
type Service struct {
	base   string
	client *http.Client

	mu       sync.Mutex
	cached   *Ledger
	cachedAt time.Time
}

// NewService creates an earnings client for the upstream backend.
func NewService(cfg config.UpstreamConfig) *Service {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = nil
	return &Service{
		base:   cfg.BaseURL,
		client: rc.StandardClient(),
	}
}

// Ledger returns the pool's earnings ledger, served from cache when
// fetched within the last five minutes. A failed refresh returns the
// stale cache when one exists.
func (s *Service) Ledger(ctx context.Context) (*Ledger, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < cacheTTL {
		cached := s.cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	ledger, err := s.fetch(ctx)
	if err != nil {
		s.mu.Lock()
		cached := s.cached
		s.mu.Unlock()
		if cached != nil {
			logrus.WithError(err).Warn("earnings refresh failed, serving stale cache")
			return cached, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cached = ledger
	s.cachedAt = time.Now()
	s.mu.Unlock()
	return ledger, nil
}

// Invalidate expires the cache so the next Ledger call refetches. The
// stale entry is kept as a fallback for a failed refresh.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context) (*Ledger, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/api/earnings", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("earnings fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("earnings fetch returned status %d", resp.StatusCode)
	}
	var ledger Ledger
	if err := json.NewDecoder(resp.Body).Decode(&ledger); err != nil {
		return nil, fmt.Errorf("earnings response undecodable: %w", err)
	}
	return &ledger, nil
}

// MirrorPayout pushes a locally detected payout to the backend's
// payout-history endpoint. Best effort: failures are logged, never
// propagated.
func (s *Service) MirrorPayout(ctx context.Context, timestamp time.Time, amountBTC float64) {
	body, err := json.Marshal(map[string]any{
		"timestamp":  timestamp.Unix(),
		"amount_btc": amountBTC,
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/api/payout-history", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("payout mirror failed")
		return
	}
	resp.Body.Close()
}
