package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"oceandash/internal/config"
	"oceandash/internal/dashboard"
	"oceandash/internal/notify"
	"oceandash/internal/payout"
	"oceandash/internal/statestore"
	"oceandash/internal/theme"
)

// Server represents the HTTP API server
type Server struct {
	cfg           *config.Config
	store         *statestore.Store
	controller    *dashboard.Controller
	notifications *notify.Service
	themes        *theme.Manager
	payouts       *payout.Tracker
	hub           *WebSocketHub
	registry      *prometheus.Registry
	refreshLimit  *rate.Limiter
	server        *http.Server
}

// NewServer creates a new API server
func NewServer(
	cfg *config.Config,
	store *statestore.Store,
	controller *dashboard.Controller,
	notifications *notify.Service,
	themes *theme.Manager,
	payouts *payout.Tracker,
	registry *prometheus.Registry,
) *Server {
	s := &Server{
		cfg:           cfg,
		store:         store,
		controller:    controller,
		notifications: notifications,
		themes:        themes,
		payouts:       payouts,
		hub:           NewWebSocketHub(),
		registry:      registry,
		// Force refresh is expensive upstream: one per 5s, burst 3.
		refreshLimit: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}

	// State changes fan out to websocket clients.
	controller.OnBroadcast = func(kind string, payload any) {
		s.hub.Broadcast(Frame{Kind: FrameKind(kind), Data: payload})
	}
	if notifications != nil {
		notifications.OnUnread = func(count int) {
			s.hub.Broadcast(Frame{Kind: KindNotification, Data: map[string]int{"unread": count}})
		}
	}
	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	// Start WebSocket hub
	go s.hub.Run()

	r := s.router()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	logrus.WithField("addr", addr).Info("starting HTTP server")
	return s.server.ListenAndServe()
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		// Dashboard state
		r.Get("/dashboard", s.handleGetDashboard)
		r.Post("/force-refresh", s.handleForceRefresh)

		// Chart
		r.Get("/chart", s.handleGetChart)
		r.Post("/chart/points", s.handleSetChartPoints)
		r.Post("/reset-chart-data", s.handleResetChartData)

		// Theme
		r.Get("/theme", s.handleGetTheme)
		r.Post("/theme", s.handleSetTheme)

		// Config
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleSaveConfig)

		// Notifications
		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/mark_read", s.handleMarkRead)
		r.Post("/notifications/delete", s.handleDeleteNotification)
		r.Post("/notifications/clear", s.handleClearNotifications)
		r.Get("/notifications/unread_count", s.handleUnreadCount)

		// Payouts
		r.Get("/payout-history", s.handleGetPayoutHistory)
		r.Delete("/payout-history", s.handleClearPayoutHistory)

		// Health
		r.Get("/health", s.handleHealth)

		// WebSocket
		r.Get("/ws", s.handleWebSocket)
	})

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return r
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	// Stop WebSocket hub
	s.hub.Stop()

	// Shutdown HTTP server
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// GetHub returns the WebSocket hub for external access
func (s *Server) GetHub() *WebSocketHub {
	return s.hub
}
