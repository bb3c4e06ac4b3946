package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for dashboard state:
// a key/value table for settings and caches, plus a payout ledger.
type Store struct {
	db *sql.DB
}

// parseTimestamp parses a timestamp string from SQLite in multiple formats.
// All timestamps are stored in UTC.
func parseTimestamp(s string) time.Time {
	// Try RFC3339 first (modernc/sqlite driver converts DATETIME columns to this format)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	// Fallback to simple format (stored as UTC)
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

// New opens a SQLite database at the given path, runs migrations,
// and enables WAL mode
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Limit to single connection to avoid SQLite locking issues
	db.SetMaxOpenConns(1)

	// Set busy timeout to 5 seconds to handle concurrent writes
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the necessary tables and indexes
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS payouts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		amount_btc REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		txid TEXT NOT NULL DEFAULT '',
		lightning INTEGER NOT NULL DEFAULT 0,
		fee_sats INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_timestamp ON payouts(timestamp);

	CREATE TABLE IF NOT EXISTS chart_points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		value_ths REAL NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chart_points_recorded ON chart_points(recorded_at);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Migration: add fee column to payouts if it doesn't exist
	_, _ = s.db.Exec("ALTER TABLE payouts ADD COLUMN fee_sats INTEGER NOT NULL DEFAULT 0")

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw value for key, or ok=false when absent.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores or replaces the value for key.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key; missing keys are not an error.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// GetJSON unmarshals the stored value for key into dst.
func (s *Store) GetJSON(key string, dst any) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("failed to decode key %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func (s *Store) SetJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode key %s: %w", key, err)
	}
	return s.Set(key, string(raw))
}

// Payout is one detected or confirmed payout event.
type Payout struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AmountBTC float64   `json:"amount_btc"`
	Status    string    `json:"status"`
	TxID      string    `json:"txid,omitempty"`
	Lightning bool      `json:"lightning"`
	FeeSats   int64     `json:"fee_sats"`
}

// Payout statuses.
const (
	PayoutPending   = "pending"
	PayoutConfirmed = "confirmed"
	PayoutRejected  = "rejected"
)

// InsertPayout records a new payout and returns its id.
func (s *Store) InsertPayout(p Payout) (int64, error) {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO payouts (timestamp, amount_btc, status, txid, lightning, fee_sats)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format("2006-01-02 15:04:05"), p.AmountBTC, p.Status, p.TxID, boolToInt(p.Lightning), p.FeeSats)
	if err != nil {
		return 0, fmt.Errorf("failed to insert payout: %w", err)
	}
	return res.LastInsertId()
}

// UpdatePayoutStatus moves a payout to a new status, optionally
// attaching the on-chain transaction id.
func (s *Store) UpdatePayoutStatus(id int64, status, txid string) error {
	_, err := s.db.Exec("UPDATE payouts SET status = ?, txid = ? WHERE id = ?", status, txid, id)
	if err != nil {
		return fmt.Errorf("failed to update payout %d: %w", id, err)
	}
	return nil
}

// ListPayouts returns payouts newest first, up to limit (0 = all).
func (s *Store) ListPayouts(limit int) ([]Payout, error) {
	query := "SELECT id, timestamp, amount_btc, status, txid, lightning, fee_sats FROM payouts ORDER BY timestamp DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []Payout
	for rows.Next() {
		var p Payout
		var ts string
		var lightning int
		if err := rows.Scan(&p.ID, &ts, &p.AmountBTC, &p.Status, &p.TxID, &lightning, &p.FeeSats); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		p.Timestamp = parseTimestamp(ts)
		p.Lightning = lightning != 0
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// ClearPayouts removes the whole payout ledger.
func (s *Store) ClearPayouts() error {
	_, err := s.db.Exec("DELETE FROM payouts")
	if err != nil {
		return fmt.Errorf("failed to clear payouts: %w", err)
	}
	return nil
}

// ChartPoint is one persisted hashrate sample for the 60s chart.
type ChartPoint struct {
	Label      string    `json:"label"`
	ValueTHs   float64   `json:"value_ths"`
	RecordedAt time.Time `json:"recorded_at"`
}

// AppendChartPoints persists a batch of chart points.
func (s *Store) AppendChartPoints(points []ChartPoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO chart_points (label, value_ths, recorded_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		ts := p.RecordedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.Exec(p.Label, p.ValueTHs, ts.UTC().Format("2006-01-02 15:04:05")); err != nil {
			return fmt.Errorf("failed to insert chart point: %w", err)
		}
	}
	return tx.Commit()
}

// RecentChartPoints returns the newest n points in chronological order.
func (s *Store) RecentChartPoints(n int) ([]ChartPoint, error) {
	rows, err := s.db.Query(`
		SELECT label, value_ths, recorded_at FROM (
			SELECT id, label, value_ths, recorded_at FROM chart_points ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query chart points: %w", err)
	}
	defer rows.Close()

	var points []ChartPoint
	for rows.Next() {
		var p ChartPoint
		var ts string
		if err := rows.Scan(&p.Label, &p.ValueTHs, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan chart point: %w", err)
		}
		p.RecordedAt = parseTimestamp(ts)
		points = append(points, p)
	}
	return points, rows.Err()
}

// ClearChartPoints wipes persisted chart history.
func (s *Store) ClearChartPoints() error {
	_, err := s.db.Exec("DELETE FROM chart_points")
	if err != nil {
		return fmt.Errorf("failed to clear chart points: %w", err)
	}
	return nil
}

// PruneChartPoints keeps only the newest n points.
func (s *Store) PruneChartPoints(n int) error {
	_, err := s.db.Exec(`
		DELETE FROM chart_points WHERE id NOT IN (
			SELECT id FROM chart_points ORDER BY id DESC LIMIT ?
		)`, n)
	if err != nil {
		return fmt.Errorf("failed to prune chart points: %w", err)
	}
	return nil
}

// Vacuum reclaims disk space freed by pruning and clears.
func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
