package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"oceandash/internal/api"
	"oceandash/internal/config"
	"oceandash/internal/dashboard"
	"oceandash/internal/earnings"
	"oceandash/internal/notify"
	"oceandash/internal/payout"
	"oceandash/internal/statestore"
	"oceandash/internal/stream"
	"oceandash/internal/theme"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	// Load config (use defaults if file doesn't exist)
	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("path", *configPath).Info("config file not found, using defaults")
			cfg = config.DefaultConfig()
			// Save default config so it persists
			if saveErr := cfg.Save(*configPath); saveErr != nil {
				logrus.WithError(saveErr).Warn("could not save default config")
			}
		} else {
			logrus.WithError(err).Fatal("failed to load config")
		}
	}

	setupLogging(cfg)
	logrus.Info("oceandash starting")

	// Ensure parent directory exists for the database file
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "oceandash.db"
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logrus.WithError(err).Fatal("failed to create data directory")
		}
	}

	// Initialize storage
	store, err := statestore.New(dbPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize storage")
	}
	defer store.Close()
	logrus.WithField("path", dbPath).Info("database initialized")

	// Vacuum on startup to reclaim space from previous prunes
	if err := store.Vacuum(); err != nil {
		logrus.WithError(err).Warn("database vacuum failed")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Upstream clients
	streamClient := stream.New(cfg.Upstream, registry)
	timeSync := stream.NewTimeSync(cfg.Upstream)
	earningsSvc := earnings.NewService(cfg.Upstream)

	// Domain services
	payouts := payout.NewTracker(store, earningsSvc, cfg.Payout)
	notifications := notify.NewService(cfg.Upstream, cfg.Notifications)
	themes := theme.NewManager(store, cfg.Display.Theme)
	controller := dashboard.New(cfg, store, payouts, streamClient, timeSync.Now)

	// Label the chart in the backend's timezone. A fetch failure falls
	// back to whatever zone a previous run stored.
	go func() {
		tzCtx, tzCancel := context.WithTimeout(ctx, cfg.Upstream.RequestTimeout)
		defer tzCancel()
		tz, err := timeSync.FetchTimezone(tzCtx)
		if err != nil {
			logrus.WithError(err).Warn("timezone fetch failed, using cached value")
			return
		}
		if err := controller.SetTimezone(tz); err != nil {
			logrus.WithError(err).Warn("failed to apply upstream timezone")
		}
	}()

	go streamClient.Run(ctx)
	go timeSync.Run(ctx)
	go controller.Run(ctx, streamClient.SnapshotChan)
	go notifications.RunUnreadPoller(ctx)

	// Reconcile the payout ledger against the pool's earnings history.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := payouts.Reconcile(ctx); err != nil {
					logrus.WithError(err).Warn("payout reconcile failed")
				}
			}
		}
	}()

	// Initialize and start HTTP server
	server := api.NewServer(cfg, store, controller, notifications, themes, payouts, registry)
	go func() {
		if err := server.Start(); err != nil {
			logrus.WithError(err).Error("HTTP server stopped")
		}
	}()

	logrus.Info("oceandash is running, press Ctrl+C to stop")

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("oceandash shutting down")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Error("server shutdown error")
	}

	logrus.Info("oceandash stopped")
}

// setupLogging configures logrus from the environment, falling back
// to the config file's level. LOG_FORMAT=json switches to structured
// output for log shippers.
func setupLogging(cfg *config.Config) {
	if os.Getenv("LOG_FORMAT") == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		levelStr = cfg.LogLevel
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
