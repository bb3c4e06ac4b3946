package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"oceandash/internal/notify"
)

// handleGetDashboard returns the full rendered dashboard state
// GET /api/dashboard
func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.controller.DashboardState())
}

// handleForceRefresh clears indicators and kicks the stream client
// POST /api/force-refresh
func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.refreshLimit.Allow() {
		http.Error(w, "too many refresh requests", http.StatusTooManyRequests)
		return
	}
	banner := s.controller.ForceRefresh()
	s.jsonResponse(w, map[string]any{"status": "ok", "banner": banner})
}

// handleGetChart returns the chart series, annotations and axis
// GET /api/chart
func (s *Server) handleGetChart(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.controller.ChartView())
}

// handleSetChartPoints changes the chart window size
// POST /api/chart/points {"points": 30|60|180}
func (s *Server) handleSetChartPoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Points int `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.controller.SetChartPoints(req.Points) {
		http.Error(w, "points must be 30, 60 or 180", http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, map[string]any{"status": "ok", "points": req.Points})
}

// handleResetChartData wipes the chart series and indicator state
// POST /api/reset-chart-data
func (s *Server) handleResetChartData(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ResetChartData(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// handleGetTheme returns the active theme and its CSS variables
// GET /api/theme
func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.themes.Active())
}

// handleSetTheme switches the theme; an empty body toggles
// POST /api/theme {"theme": "deepsea"|"bitcoin"}
func (s *Server) handleSetTheme(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Theme string `json:"theme"`
	}
	// Body is optional; no theme name means toggle.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.Theme == "" {
		s.jsonResponse(w, s.themes.Toggle())
		return
	}
	st, err := s.themes.Set(req.Theme)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, st)
}

// handleGetConfig returns the running configuration
// GET /api/config
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.cfg)
}

// handleSaveConfig updates display and chart preferences. Server and
// upstream settings require a restart and are not writable here.
// POST /api/config
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency     *string `json:"currency,omitempty"`
		UseLocalTime *bool   `json:"use_local_time,omitempty"`
		ChartPoints  *int    `json:"chart_points,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Currency != nil {
		s.cfg.Display.Currency = *req.Currency
	}
	if req.UseLocalTime != nil {
		s.cfg.Display.UseLocalTime = *req.UseLocalTime
		// Chart labels follow the new zone immediately.
		s.controller.RefreshTimezone()
	}
	if req.ChartPoints != nil {
		if !s.controller.SetChartPoints(*req.ChartPoints) {
			http.Error(w, "chart_points must be 30, 60 or 180", http.StatusBadRequest)
			return
		}
	}
	s.jsonResponse(w, s.cfg)
}

// handleListNotifications proxies one page of the notification feed
// GET /api/notifications?offset=0&filter=all
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = n
	}
	filter := r.URL.Query().Get("filter")

	page, err := s.notifications.ListPage(r.Context(), offset, filter)
	if err != nil {
		if errors.Is(err, notify.ErrSuperseded) {
			// A newer request won the race; tell the client to retry.
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.jsonResponse(w, page)
}

// handleMarkRead marks one notification (or all) read
// POST /api/notifications/mark_read {"id": 5} or {"all": true}
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID  int64 `json:"id"`
		All bool  `json:"all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	if req.All {
		err = s.notifications.MarkAllRead(r.Context())
	} else {
		err = s.notifications.MarkRead(r.Context(), req.ID)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.jsonResponse(w, map[string]any{"status": "ok", "unread": s.notifications.UnreadCount()})
}

// handleDeleteNotification removes one notification
// POST /api/notifications/delete {"id": 5}
func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.notifications.Delete(r.Context(), req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// handleClearNotifications empties the notification feed
// POST /api/notifications/clear
func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.notifications.ClearAll(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// handleUnreadCount returns the last known unread count
// GET /api/notifications/unread_count
func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]int{"unread": s.notifications.UnreadCount()})
}

// handleGetPayoutHistory returns the payout ledger, newest first
// GET /api/payout-history?limit=50
func (s *Server) handleGetPayoutHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	payouts, err := s.payouts.History(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{"payouts": payouts})
}

// handleClearPayoutHistory wipes the payout ledger
// DELETE /api/payout-history
func (s *Server) handleClearPayoutHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.payouts.Clear(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// handleHealth reports liveness plus data freshness
// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	banner := s.controller.Banner()
	s.jsonResponse(w, map[string]any{
		"status": "ok",
		"stale":  banner.Stale,
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("failed to encode JSON response")
	}
}
