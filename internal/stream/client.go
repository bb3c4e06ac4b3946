// Package stream maintains the connection to the upstream pool
// backend: an SSE subscription with reconnect backoff, a polling
// fallback when the stream stays down, and a watchdog that forces a
// reconnect when frames stop arriving.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"oceandash/internal/config"
	"oceandash/internal/model"
)

const (
	backoffBase    = 1 * time.Second
	backoffFactor  = 1.5
	backoffCap     = 30 * time.Second
	maxAttempts    = 10
	watchdogPeriod = 60 * time.Second
	// A connection that survives this long resets the backoff counter.
	stableAfter = 60 * time.Second
)

// Client consumes the upstream metrics stream and delivers snapshots
// in arrival order on SnapshotChan.
type Client struct {
	cfg     config.UpstreamConfig
	sse     *http.Client
	rest    *http.Client
	metrics *clientMetrics

	// SnapshotChan carries decoded snapshots; sends are non-blocking
	// and drops are counted.
	SnapshotChan chan *model.Snapshot

	resumeCh chan struct{}

	mu        sync.Mutex
	connected bool
	pollMode  bool
	retryHint time.Duration
}

// newRetryClient builds the shared REST client with bounded retries.
func newRetryClient(timeout time.Duration) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return rc.StandardClient()
}

// New creates a stream client. Metrics register against reg.
func New(cfg config.UpstreamConfig, reg prometheus.Registerer) *Client {
	return &Client{
		cfg: cfg,
		// No overall timeout: the SSE response body stays open.
		sse:          &http.Client{},
		rest:         newRetryClient(cfg.RequestTimeout),
		metrics:      newClientMetrics(reg),
		SnapshotChan: make(chan *model.Snapshot, 100),
		resumeCh:     make(chan struct{}, 1),
	}
}

// Connected reports whether the SSE stream is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PollFallback reports whether the client has given up on the stream
// and is polling instead.
func (c *Client) PollFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollMode
}

// Resume cuts any reconnect wait short. Wired to the force-refresh
// endpoint, the page-visibility analogue.
func (c *Client) Resume() {
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

func (c *Client) setRetryHint(d time.Duration) {
	if d > backoffCap {
		d = backoffCap
	}
	c.mu.Lock()
	c.retryHint = d
	c.mu.Unlock()
}

// takeRetryHint returns the server's requested reconnect delay, once.
func (c *Client) takeRetryHint() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.retryHint
	c.retryHint = 0
	return d
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) setPollMode(v bool) {
	c.mu.Lock()
	changed := c.pollMode != v
	c.pollMode = v
	c.mu.Unlock()
	if !changed {
		return
	}
	if v {
		c.metrics.pollFallback.Set(1)
		logrus.Warn("stream unavailable, falling back to polling")
	} else {
		c.metrics.pollFallback.Set(0)
		logrus.Info("stream restored, leaving poll fallback")
	}
}

// Run drives the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		connected, err := c.consumeStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			c.setPollMode(false)
			if time.Since(start) >= stableAfter {
				attempt = 0
			}
		}
		if err != nil {
			logrus.WithError(err).Debug("stream disconnected")
		}

		attempt++
		c.metrics.reconnects.Inc()

		if attempt > maxAttempts {
			c.setPollMode(true)
			c.pollOnce(ctx)
			if !c.wait(ctx, c.cfg.PollInterval, &attempt) {
				return
			}
			continue
		}

		delay := backoff(attempt)
		if hint := c.takeRetryHint(); hint > 0 {
			delay = hint
		}
		if !c.wait(ctx, delay, &attempt) {
			return
		}
	}
}

// wait sleeps for d, returning early on Resume (which also resets the
// attempt counter) or context cancellation. It reports false when the
// context is done.
func (c *Client) wait(ctx context.Context, d time.Duration, attempt *int) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.resumeCh:
		*attempt = 0
		c.setPollMode(false)
		return true
	case <-timer.C:
		return true
	}
}

// backoff computes the wait before reconnect attempt n: exponential
// with factor 1.5 from a 1s base, capped at 30s, with jitter keeping
// the result in [d/2, d].
func backoff(attempt int) time.Duration {
	d := float64(backoffBase) * math.Pow(backoffFactor, float64(attempt-1))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}

// consumeStream opens the SSE connection and dispatches frames until
// the connection drops. It reports whether a connection was
// established at all.
func (c *Client) consumeStream(ctx context.Context) (bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.cfg.BaseURL+c.cfg.StreamPath, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.sse.Do(req)
	if err != nil {
		return false, fmt.Errorf("stream connect failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	c.setConnected(true)
	defer c.setConnected(false)
	logrus.WithField("url", c.cfg.BaseURL+c.cfg.StreamPath).Info("stream connected")

	// Any 60s silence, pings included, kills the connection.
	watchdog := time.AfterFunc(watchdogPeriod, func() {
		logrus.Warn("stream watchdog fired, forcing reconnect")
		cancel()
	})
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			continue
		}
		if line != "" {
			continue // comments and event/id fields
		}
		payload := data.String()
		data.Reset()
		if payload == "" {
			continue
		}
		watchdog.Reset(watchdogPeriod)
		if stop := c.dispatch(payload); stop {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil && streamCtx.Err() == nil {
		return true, fmt.Errorf("stream read failed: %w", err)
	}
	return true, nil
}

// dispatch decodes one SSE payload. Control frames are consumed here;
// data frames become snapshots. It returns true when the frame demands
// a reconnect.
func (c *Client) dispatch(payload string) bool {
	var frame model.StreamFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		c.metrics.frames.WithLabelValues("malformed").Inc()
		logrus.WithError(err).Debug("dropping malformed stream frame")
		return false
	}
	if frame.IsControl() {
		c.metrics.frames.WithLabelValues(frameLabel(frame)).Inc()
		if frame.Retry > 0 {
			c.setRetryHint(time.Duration(frame.Retry) * time.Second)
		}
		switch frame.Type {
		case model.FramePing, model.FrameTimeoutWarning:
			return false
		case model.FrameTimeout:
			logrus.Info("server announced stream timeout, reconnecting")
			return true
		default:
			logrus.WithField("error", frame.Error).Warn("stream error frame, reconnecting")
			return true
		}
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		c.metrics.frames.WithLabelValues("malformed").Inc()
		return false
	}
	c.metrics.frames.WithLabelValues("snapshot").Inc()
	c.deliver(&snap)
	return false
}

func frameLabel(f model.StreamFrame) string {
	if f.Type != "" {
		return f.Type
	}
	return model.FrameError
}

func (c *Client) deliver(snap *model.Snapshot) {
	select {
	case c.SnapshotChan <- snap:
	default:
		c.metrics.dropped.Inc()
	}
}

// pollOnce fetches a single snapshot over REST, used while the stream
// is down.
func (c *Client) pollOnce(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.PollPath, nil)
	if err != nil {
		return
	}
	resp, err := c.rest.Do(req)
	if err != nil {
		logrus.WithError(err).Warn("metrics poll failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logrus.WithField("status", resp.StatusCode).Warn("metrics poll returned error status")
		return
	}
	var snap model.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		logrus.WithError(err).Warn("metrics poll returned undecodable body")
		return
	}
	c.metrics.frames.WithLabelValues("poll").Inc()
	c.deliver(&snap)
}
