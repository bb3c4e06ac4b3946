package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// FlexFloat decodes a JSON number that the upstream backend sometimes
// serializes as a string ("123.4") and sometimes as a number. Missing,
// null and unparsable values decode to 0.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*f = 0
			return nil
		}
		s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			*f = 0
			return nil
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*f = 0
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	*f = FlexFloat(v)
	return nil
}

// Float returns the plain float64 value.
func (f FlexFloat) Float() float64 { return float64(f) }

// HistorySample is one point of the per-field history the backend
// embeds in a snapshot (arrow_history). Time and Value stay raw
// strings because upstream emits partial or malformed entries; the
// chart reconciler filters them.
type HistorySample struct {
	Time  string `json:"time"`
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
	Arrow string `json:"arrow,omitempty"`
}

// ValueFloat parses the sample value, returning ok=false for missing,
// non-numeric or negative entries.
func (h HistorySample) ValueFloat() (float64, bool) {
	var v float64
	switch x := h.Value.(type) {
	case float64:
		v = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

// BlockEvent is a discrete block-found marker delivered alongside a
// snapshot or fetched from /api/block-events.
type BlockEvent struct {
	Timestamp   FlexFloat `json:"timestamp"`
	BlockHeight int64     `json:"block_height"`
	PoolLuck    FlexFloat `json:"pool_luck,omitempty"`
}

// Time converts the event's unix timestamp.
func (b BlockEvent) Time() time.Time {
	sec := int64(b.Timestamp.Float())
	return time.Unix(sec, 0).UTC()
}

// Snapshot is the flat metrics record received on every stream message
// or poll tick. Field names follow the backend wire format.
type Snapshot struct {
	// Hashrate readings at different averaging windows, each paired
	// with a unit string.
	Hashrate24hr      FlexFloat `json:"hashrate_24hr"`
	Hashrate24hrUnit  string    `json:"hashrate_24hr_unit"`
	Hashrate3hr       FlexFloat `json:"hashrate_3hr"`
	Hashrate3hrUnit   string    `json:"hashrate_3hr_unit"`
	Hashrate10min     FlexFloat `json:"hashrate_10min"`
	Hashrate10minUnit string    `json:"hashrate_10min_unit"`
	Hashrate5min      FlexFloat `json:"hashrate_5min"`
	Hashrate5minUnit  string    `json:"hashrate_5min_unit"`
	Hashrate60sec     FlexFloat `json:"hashrate_60sec"`
	Hashrate60secUnit string    `json:"hashrate_60sec_unit"`

	// Network statistics.
	BlockNumber     FlexFloat `json:"block_number"`
	BlockTime       string    `json:"block_time"`
	Difficulty      FlexFloat `json:"difficulty"`
	NetworkHashrate FlexFloat `json:"network_hashrate"` // EH/s

	// Financial figures, in the selected fiat currency.
	BTCPrice         FlexFloat `json:"btc_price"`
	Currency         string    `json:"currency"`
	ExchangeRate     FlexFloat `json:"exchange_rate"`
	DailyRevenue     FlexFloat `json:"daily_revenue"`
	DailyPowerCost   FlexFloat `json:"daily_power_cost"`
	DailyProfitUSD   FlexFloat `json:"daily_profit_usd"`
	MonthlyProfitUSD FlexFloat `json:"monthly_profit_usd"`
	DailyMinedSats   FlexFloat `json:"daily_mined_sats"`
	MonthlyMinedSats FlexFloat `json:"monthly_mined_sats"`

	// Pool-level figures.
	UnpaidEarnings             FlexFloat `json:"unpaid_earnings"` // BTC
	EstTimeToPayout            string    `json:"est_time_to_payout"`
	EstimatedEarningsPerDay    FlexFloat `json:"estimated_earnings_per_day"`
	EstimatedEarningsNextBlock FlexFloat `json:"estimated_earnings_next_block"`
	EstimatedRewardsInWindow   FlexFloat `json:"estimated_rewards_in_window"`
	PoolFeesPercentage         FlexFloat `json:"pool_fees_percentage"`
	PoolLuckPercentage         FlexFloat `json:"pool_luck_percentage"`
	PoolTotalHashrate          FlexFloat `json:"pool_total_hashrate"`
	PoolTotalHashrateUnit      string    `json:"pool_total_hashrate_unit"`

	WorkersHashing  int64     `json:"workers_hashing"`
	ServerTimestamp FlexFloat `json:"server_timestamp"`

	// Optional embedded history per hashrate field and block events.
	ArrowHistory map[string][]HistorySample `json:"arrow_history,omitempty"`
	BlockEvents  []BlockEvent               `json:"block_events,omitempty"`
}

// ServerTime converts the snapshot's server timestamp; zero time when absent.
func (s *Snapshot) ServerTime() time.Time {
	ts := s.ServerTimestamp.Float()
	if ts <= 0 {
		return time.Time{}
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// StreamFrame is one SSE payload. Data frames have an empty Type and
// carry a full Snapshot; control frames carry only Type and optional
// retry/error hints.
type StreamFrame struct {
	Type  string `json:"type,omitempty"`
	Error string `json:"error,omitempty"`
	Retry int    `json:"retry,omitempty"` // seconds
}

// Control frame types emitted by the backend.
const (
	FramePing           = "ping"
	FrameTimeoutWarning = "timeout_warning"
	FrameTimeout        = "timeout"
	FrameError          = "error"
)

// IsControl reports whether the frame is a control message that must
// not reach downstream consumers.
func (f StreamFrame) IsControl() bool {
	switch f.Type {
	case FramePing, FrameTimeoutWarning, FrameTimeout, FrameError:
		return true
	}
	return f.Error != ""
}
