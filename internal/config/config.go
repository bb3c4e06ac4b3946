package config

import (
	"encoding/json"
	"os"
	"time"
)

// UpstreamConfig defines the pool backend this gateway consumes
type UpstreamConfig struct {
	BaseURL        string        `json:"base_url"`        // pool dashboard backend, e.g. https://ocean.example
	StreamPath     string        `json:"stream_path"`     // SSE endpoint path
	PollPath       string        `json:"poll_path"`       // fallback polling endpoint path
	PollInterval   time.Duration `json:"poll_interval"`   // poll cadence when the stream is down
	RequestTimeout time.Duration `json:"request_timeout"` // per-request timeout for REST calls
}

// ChartConfig defines persisted chart behavior
type ChartConfig struct {
	Points           int     `json:"points"`             // sliding window size: 30, 60 or 180
	LowEnterTHs      float64 `json:"low_enter_ths"`      // 60s average below this arms low-hashrate mode
	LowExitTHs       float64 `json:"low_exit_ths"`       // 60s average above this arms recovery
	ExitConfirmObs   int     `json:"exit_confirm_obs"`   // consecutive observations needed to exit
	Use24hrReference bool    `json:"use_24hr_reference"` // draw 24h average reference line
}

// NotificationsConfig defines unread polling and retention
type NotificationsConfig struct {
	PollInterval  time.Duration `json:"poll_interval"`
	RetentionDays int           `json:"retention_days"`
	MaxStored     int           `json:"max_stored"`
}

// PayoutConfig defines payout detection thresholds
type PayoutConfig struct {
	DropThresholdPct float64       `json:"drop_threshold_pct"` // unpaid-earnings drop fraction that flags a payout
	ReconcileWindow  time.Duration `json:"reconcile_window"`   // timestamp tolerance when matching the earnings ledger
	ReconcileTolPct  float64       `json:"reconcile_tol_pct"`  // amount tolerance when matching
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DisplayConfig defines rendering preferences
type DisplayConfig struct {
	Currency     string `json:"currency"` // fiat currency code
	Theme        string `json:"theme"`    // deepsea or bitcoin
	UseLocalTime bool   `json:"use_local_time"`
}

// Config is the main configuration structure
type Config struct {
	Server        ServerConfig        `json:"server"`
	Upstream      UpstreamConfig      `json:"upstream"`
	Chart         ChartConfig         `json:"chart"`
	Notifications NotificationsConfig `json:"notifications"`
	Payout        PayoutConfig        `json:"payout"`
	Display       DisplayConfig       `json:"display"`
	DBPath        string              `json:"db_path"`
	LogLevel      string              `json:"log_level"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://ocean.example",
			StreamPath:     "/stream",
			PollPath:       "/api/metrics",
			PollInterval:   30 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Chart: ChartConfig{
			Points:           60,
			LowEnterTHs:      0.01,
			LowExitTHs:       20.0,
			ExitConfirmObs:   3,
			Use24hrReference: true,
		},
		Notifications: NotificationsConfig{
			PollInterval:  30 * time.Second,
			RetentionDays: 30,
			MaxStored:     500,
		},
		Payout: PayoutConfig{
			DropThresholdPct: 0.75,
			ReconcileWindow:  5 * time.Minute,
			ReconcileTolPct:  0.01,
		},
		Display: DisplayConfig{
			Currency:     "USD",
			Theme:        "deepsea",
			UseLocalTime: false,
		},
		DBPath:   "/data/oceandash.db",
		LogLevel: "info",
	}
}

// Load reads configuration from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	return config, nil
}

// Save writes configuration to a JSON file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
