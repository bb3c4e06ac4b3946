// Package status tracks data freshness and raises the banner shown
// when the dashboard has gone stale.
package status

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StaleAfter is how long the dashboard tolerates silence before the
// banner appears.
const StaleAfter = 120 * time.Second

// Banner is the current freshness state served to clients.
type Banner struct {
	Stale            bool      `json:"stale"`
	Message          string    `json:"message,omitempty"`
	LastUpdate       time.Time `json:"last_update"`
	StaleForSeconds  int       `json:"stale_for_seconds,omitempty"`
	ShowForceRefresh bool      `json:"show_force_refresh"`
}

// Monitor records snapshot deliveries and answers banner queries.
// Timestamps are expected on the server clock (offset corrected).
type Monitor struct {
	mu       sync.Mutex
	lastSeen time.Time
	raised   bool

	now func() time.Time
}

// NewMonitor creates a monitor using the given clock. A nil clock
// means time.Now.
func NewMonitor(now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{now: now}
}

// RecordSuccess marks a successful snapshot delivery, clearing any
// raised banner.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = m.now()
	if m.raised {
		m.raised = false
		logrus.Info("data flow restored, clearing staleness banner")
	}
}

// Banner returns the current freshness state. The banner raises after
// 120s without a delivery and stays until the next success.
func (m *Monitor) Banner() Banner {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastSeen.IsZero() {
		return Banner{
			Stale:            true,
			Message:          "Waiting for first update from the pool",
			ShowForceRefresh: true,
		}
	}

	age := m.now().Sub(m.lastSeen)
	if age < StaleAfter {
		return Banner{LastUpdate: m.lastSeen}
	}

	if !m.raised {
		m.raised = true
		logrus.WithField("age", age).Warn("dashboard data is stale")
	}
	return Banner{
		Stale:            true,
		Message:          "Dashboard data is stale",
		LastUpdate:       m.lastSeen,
		StaleForSeconds:  int(age.Seconds()),
		ShowForceRefresh: true,
	}
}

// LastSeen returns the time of the last successful delivery.
func (m *Monitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}
