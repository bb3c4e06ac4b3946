// Package notify proxies the pool's notification feed: paginated
// listing with a stale-response guard, optimistic local mutations
// with rollback, and a background unread-count poller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"oceandash/internal/config"
)

// ErrSuperseded is returned when a newer ListPage call finished first;
// the stale result must be discarded, not rendered.
var ErrSuperseded = errors.New("notification fetch superseded by a newer request")

// DefaultPageSize is the upstream page length.
const DefaultPageSize = 20

// Notification is one entry in the feed.
type Notification struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
}

// Page is one slice of the feed plus paging state.
type Page struct {
	Notifications []Notification `json:"notifications"`
	Offset        int            `json:"offset"`
	HasMore       bool           `json:"has_more"`
	Filter        string         `json:"filter,omitempty"`
	Unread        int            `json:"unread"`
}

// Service talks to the upstream notification API.
type Service struct {
	base         string
	client       *http.Client
	pollInterval time.Duration
	retention    time.Duration
	maxStored    int

	seq atomic.Uint64

	mu     sync.Mutex
	cache  []Notification
	unread int

	// OnUnread, when set, fires whenever the unread count changes.
	OnUnread func(count int)
}

// NewService creates the notification proxy.
func NewService(upstream config.UpstreamConfig, cfg config.NotificationsConfig) *Service {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = upstream.RequestTimeout
	rc.Logger = nil

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	return &Service{
		base:         upstream.BaseURL,
		client:       rc.StandardClient(),
		pollInterval: interval,
		retention:    retention,
		maxStored:    cfg.MaxStored,
	}
}

// ListPage fetches one page of notifications. Concurrent calls race:
// only the newest request may update the cache, older ones finish
// with ErrSuperseded. A filter change is just a fetch at offset 0
// with the new filter.
func (s *Service) ListPage(ctx context.Context, offset int, filter string) (*Page, error) {
	mySeq := s.seq.Add(1)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(DefaultPageSize))
	q.Set("offset", strconv.Itoa(offset))
	if filter != "" && filter != "all" {
		q.Set("filter", filter)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/api/notifications?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notification fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("notification fetch returned status %d", resp.StatusCode)
	}

	var body struct {
		Notifications []Notification `json:"notifications"`
		Total         int            `json:"total"`
		Unread        int            `json:"unread"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("notification response undecodable: %w", err)
	}

	if s.seq.Load() != mySeq {
		return nil, ErrSuperseded
	}

	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention)
		kept := body.Notifications[:0]
		for _, n := range body.Notifications {
			if !n.Timestamp.IsZero() && n.Timestamp.Before(cutoff) {
				continue
			}
			kept = append(kept, n)
		}
		body.Notifications = kept
	}

	s.mu.Lock()
	if offset == 0 {
		s.cache = body.Notifications
	} else {
		s.cache = append(s.cache, body.Notifications...)
	}
	// The feed arrives newest-first, so a cap drops the oldest tail.
	if s.maxStored > 0 && len(s.cache) > s.maxStored {
		s.cache = s.cache[:s.maxStored]
	}
	s.setUnreadLocked(body.Unread)
	s.mu.Unlock()

	return &Page{
		Notifications: body.Notifications,
		Offset:        offset,
		HasMore:       offset+len(body.Notifications) < body.Total,
		Filter:        filter,
		Unread:        body.Unread,
	}, nil
}

// Cached returns the locally cached notifications.
func (s *Service) Cached() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.cache))
	copy(out, s.cache)
	return out
}

// UnreadCount returns the last known unread count.
func (s *Service) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

func (s *Service) setUnreadLocked(n int) {
	if n < 0 {
		n = 0
	}
	changed := s.unread != n
	s.unread = n
	if changed && s.OnUnread != nil {
		go s.OnUnread(n)
	}
}

// MarkRead flags one notification read: the cache updates immediately
// and rolls back when the upstream call fails.
func (s *Service) MarkRead(ctx context.Context, id int64) error {
	rollback := s.apply(func(n *Notification) bool {
		if n.ID == id && !n.Read {
			n.Read = true
			return true
		}
		return false
	}, -1)

	if err := s.post(ctx, "/api/notifications/mark_read", map[string]any{"id": id}); err != nil {
		rollback()
		return err
	}
	return nil
}

// MarkAllRead flags everything read, optimistically.
func (s *Service) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	prev := make([]Notification, len(s.cache))
	copy(prev, s.cache)
	prevUnread := s.unread
	for i := range s.cache {
		s.cache[i].Read = true
	}
	s.setUnreadLocked(0)
	s.mu.Unlock()

	if err := s.post(ctx, "/api/notifications/mark_read", map[string]any{"all": true}); err != nil {
		s.mu.Lock()
		s.cache = prev
		s.setUnreadLocked(prevUnread)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Delete removes one notification, optimistically.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	prev := make([]Notification, len(s.cache))
	copy(prev, s.cache)
	prevUnread := s.unread
	kept := s.cache[:0]
	for _, n := range s.cache {
		if n.ID == id {
			if !n.Read {
				s.setUnreadLocked(s.unread - 1)
			}
			continue
		}
		kept = append(kept, n)
	}
	s.cache = kept
	s.mu.Unlock()

	if err := s.post(ctx, "/api/notifications/delete", map[string]any{"id": id}); err != nil {
		s.mu.Lock()
		s.cache = prev
		s.setUnreadLocked(prevUnread)
		s.mu.Unlock()
		return err
	}
	return nil
}

// ClearAll empties the feed, optimistically.
func (s *Service) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	prev := s.cache
	prevUnread := s.unread
	s.cache = nil
	s.setUnreadLocked(0)
	s.mu.Unlock()

	if err := s.post(ctx, "/api/notifications/clear", map[string]any{}); err != nil {
		s.mu.Lock()
		s.cache = prev
		s.setUnreadLocked(prevUnread)
		s.mu.Unlock()
		return err
	}
	return nil
}

// apply mutates matching cached entries and adjusts the unread count
// by delta per changed entry. The returned function undoes it all.
func (s *Service) apply(mutate func(*Notification) bool, delta int) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make([]Notification, len(s.cache))
	copy(prev, s.cache)
	prevUnread := s.unread

	changed := 0
	for i := range s.cache {
		if mutate(&s.cache[i]) {
			changed++
		}
	}
	s.setUnreadLocked(s.unread + delta*changed)

	return func() {
		s.mu.Lock()
		s.cache = prev
		s.setUnreadLocked(prevUnread)
		s.mu.Unlock()
	}
}

func (s *Service) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification update failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notification update returned status %d", resp.StatusCode)
	}
	return nil
}

// RunUnreadPoller refreshes the unread count every poll interval until
// ctx is cancelled.
func (s *Service) RunUnreadPoller(ctx context.Context) {
	s.refreshUnread(ctx)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshUnread(ctx)
		}
	}
}

func (s *Service) refreshUnread(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/api/notifications/unread_count", nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("unread count poll failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var body struct {
		Unread int `json:"unread"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return
	}
	s.mu.Lock()
	s.setUnreadLocked(body.Unread)
	s.mu.Unlock()
}
