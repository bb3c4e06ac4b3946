// Package render turns a raw metrics snapshot into display-ready
// strings with per-field severity classes and change indicators.
package render

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"oceandash/internal/model"
	"oceandash/internal/units"
)

// Severity classes attached to rendered fields.
const (
	ClassNone    = ""
	ClassGreen   = "green"
	ClassRed     = "red"
	ClassError   = "error"
	ClassWarning = "warning"
)

// NA is rendered for missing or unusable values.
const NA = "N/A"

// Field is one rendered metric.
type Field struct {
	Value string `json:"value"`
	Arrow string `json:"arrow,omitempty"`
	Class string `json:"class,omitempty"`
}

// View is the complete rendered dashboard state.
type View struct {
	Hashrate60sec Field `json:"hashrate_60sec"`
	Hashrate10min Field `json:"hashrate_10min"`
	Hashrate3hr   Field `json:"hashrate_3hr"`
	Hashrate24hr  Field `json:"hashrate_24hr"`

	BlockNumber     Field `json:"block_number"`
	Difficulty      Field `json:"difficulty"`
	NetworkHashrate Field `json:"network_hashrate"`
	WorkersHashing  Field `json:"workers_hashing"`

	BTCPrice         Field `json:"btc_price"`
	DailyRevenue     Field `json:"daily_revenue"`
	DailyPowerCost   Field `json:"daily_power_cost"`
	DailyProfitUSD   Field `json:"daily_profit_usd"`
	MonthlyProfitUSD Field `json:"monthly_profit_usd"`
	DailyMinedSats   Field `json:"daily_mined_sats"`
	MonthlyMinedSats Field `json:"monthly_mined_sats"`

	UnpaidEarnings             Field `json:"unpaid_earnings"`
	EstTimeToPayout            Field `json:"est_time_to_payout"`
	EstimatedEarningsPerDay    Field `json:"estimated_earnings_per_day"`
	EstimatedEarningsNextBlock Field `json:"estimated_earnings_next_block"`
	EstimatedRewardsInWindow   Field `json:"estimated_rewards_in_window"`
	BlockOdds                  Field `json:"block_odds"`
	PoolFeesPercentage         Field `json:"pool_fees_percentage"`
	PoolLuckPercentage         Field `json:"pool_luck_percentage"`

	LastUpdated string `json:"last_updated"`
}

// Snapshot renders the full view. Arrows come from the indicator
// tracker, keyed by metric name.
func Snapshot(s *model.Snapshot, arrows map[string]string, currency string) View {
	if currency == "" {
		currency = s.Currency
	}
	if currency == "" {
		currency = "USD"
	}

	v := View{
		Hashrate60sec: hashrateField(s.Hashrate60sec.Float(), s.Hashrate60secUnit, arrows["hashrate_60sec"]),
		Hashrate10min: hashrateField(s.Hashrate10min.Float(), s.Hashrate10minUnit, arrows["hashrate_10min"]),
		Hashrate3hr:   hashrateField(s.Hashrate3hr.Float(), s.Hashrate3hrUnit, arrows["hashrate_3hr"]),
		Hashrate24hr:  hashrateField(s.Hashrate24hr.Float(), s.Hashrate24hrUnit, arrows["hashrate_24hr"]),

		BlockNumber:     intField(s.BlockNumber.Float(), arrows["block_number"]),
		Difficulty:      bigNumberField(s.Difficulty.Float(), arrows["difficulty"]),
		NetworkHashrate: Field{Value: networkHashrate(s.NetworkHashrate.Float()), Arrow: arrows["network_hashrate"]},
		WorkersHashing:  intField(float64(s.WorkersHashing), arrows["workers_hashing"]),

		BTCPrice:         currencyField(s.BTCPrice.Float(), currency, arrows["btc_price"], false),
		DailyRevenue:     currencyField(s.DailyRevenue.Float(), currency, arrows["daily_revenue"], false),
		DailyPowerCost:   currencyField(s.DailyPowerCost.Float(), currency, "", false),
		DailyProfitUSD:   currencyField(s.DailyProfitUSD.Float(), currency, arrows["daily_profit_usd"], true),
		MonthlyProfitUSD: currencyField(s.MonthlyProfitUSD.Float(), currency, arrows["monthly_profit_usd"], true),
		DailyMinedSats:   satsField(s.DailyMinedSats.Float(), arrows["daily_mined_sats"]),
		MonthlyMinedSats: satsField(s.MonthlyMinedSats.Float(), arrows["monthly_mined_sats"]),

		UnpaidEarnings:             btcField(s.UnpaidEarnings.Float(), arrows["unpaid_earnings"]),
		EstTimeToPayout:            payoutField(s.EstTimeToPayout),
		EstimatedEarningsPerDay:    btcField(s.EstimatedEarningsPerDay.Float(), arrows["estimated_earnings_per_day"]),
		EstimatedEarningsNextBlock: btcField(s.EstimatedEarningsNextBlock.Float(), arrows["estimated_earnings_next_block"]),
		EstimatedRewardsInWindow:   btcField(s.EstimatedRewardsInWindow.Float(), arrows["estimated_rewards_in_window"]),
		BlockOdds:                  Field{Value: blockOdds(s.Hashrate24hr.Float(), s.Hashrate24hrUnit, s.NetworkHashrate.Float())},
		PoolFeesPercentage:         percentField(s.PoolFeesPercentage.Float(), arrows["pool_fees_percentage"], ClassNone),
		PoolLuckPercentage:         luckField(s.PoolLuckPercentage.Float()),
	}

	if t := s.ServerTime(); !t.IsZero() {
		v.LastUpdated = t.Format(time.RFC3339)
	}
	return v
}

func usable(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func hashrateField(value float64, unit, arrow string) Field {
	if !usable(value) || value < 0 {
		return Field{Value: NA}
	}
	ths := units.Normalize(value, unit)
	scaled, u := units.Format(ths)
	return Field{Value: fmt.Sprintf("%s %s", humanize.CommafWithDigits(scaled, 1), u), Arrow: arrow}
}

func networkHashrate(ehs float64) string {
	if !usable(ehs) || ehs <= 0 {
		return NA
	}
	return fmt.Sprintf("%s EH/s", humanize.CommafWithDigits(ehs, 1))
}

func currencyField(value float64, currency, arrow string, profit bool) Field {
	if !usable(value) {
		return Field{Value: NA}
	}
	class := ClassNone
	if profit && value < 0 {
		class = ClassError
	}
	sign := ""
	if value < 0 {
		sign = "-"
		value = -value
	}
	return Field{
		Value: fmt.Sprintf("%s%s%s", sign, currencySymbol(currency), humanize.CommafWithDigits(value, 2)),
		Arrow: arrow,
		Class: class,
	}
}

func currencySymbol(code string) string {
	switch strings.ToUpper(code) {
	case "USD", "CAD", "AUD":
		return "$"
	case "EUR":
		return "€"
	case "GBP":
		return "£"
	case "JPY":
		return "¥"
	default:
		return strings.ToUpper(code) + " "
	}
}

func satsField(value float64, arrow string) Field {
	if !usable(value) || value < 0 {
		return Field{Value: NA}
	}
	return Field{Value: humanize.Comma(int64(value)) + " sats", Arrow: arrow}
}

func btcField(value float64, arrow string) Field {
	if !usable(value) || value < 0 {
		return Field{Value: NA}
	}
	return Field{Value: fmt.Sprintf("%.8f BTC", value), Arrow: arrow}
}

func intField(value float64, arrow string) Field {
	if !usable(value) || value < 0 {
		return Field{Value: NA}
	}
	return Field{Value: humanize.Comma(int64(value)), Arrow: arrow}
}

func bigNumberField(value float64, arrow string) Field {
	if !usable(value) || value <= 0 {
		return Field{Value: NA}
	}
	return Field{Value: humanize.SIWithDigits(value, 2, ""), Arrow: arrow}
}

func percentField(value float64, arrow, class string) Field {
	if !usable(value) || value < 0 {
		return Field{Value: NA}
	}
	return Field{Value: fmt.Sprintf("%s%%", humanize.CommafWithDigits(value, 1)), Arrow: arrow, Class: class}
}

// luckField colors pool luck: under 90% red, over 101% green.
func luckField(value float64) Field {
	if !usable(value) || value <= 0 {
		return Field{Value: NA}
	}
	class := ClassNone
	switch {
	case value < 90:
		class = ClassRed
	case value > 101:
		class = ClassGreen
	}
	return percentFieldWithClass(value, class)
}

func percentFieldWithClass(value float64, class string) Field {
	return Field{Value: fmt.Sprintf("%s%%", humanize.CommafWithDigits(value, 1)), Class: class}
}

// payoutField renders the estimated time to payout, coloring short
// waits green (<4 days) and long waits red (>20 days).
func payoutField(raw string) Field {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Field{Value: NA}
	}
	days, ok := parseDays(raw)
	class := ClassNone
	if ok {
		switch {
		case days < 4:
			class = ClassGreen
		case days > 20:
			class = ClassRed
		}
	}
	return Field{Value: raw, Class: class}
}

// parseDays extracts a day count from strings like "3 days", "1 day",
// "12 hours" or "2 days, 4 hours".
func parseDays(raw string) (float64, bool) {
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "next block") {
		return 0, true
	}
	// Sscanf counts the %f as scanned even when the literal suffix
	// does not match, so check the word before trusting the number.
	var days, hours float64
	if strings.Contains(lower, "day") {
		if n, _ := fmt.Sscanf(lower, "%f day", &days); n == 1 {
			return days, true
		}
	}
	if strings.Contains(lower, "hour") {
		if n, _ := fmt.Sscanf(lower, "%f hour", &hours); n == 1 {
			return hours / 24, true
		}
	}
	return 0, false
}

// blockOdds estimates the daily chance of solo-finding a block as
// "1 in N" from the miner's share of network hashrate.
func blockOdds(rate float64, unit string, networkEHs float64) string {
	if !usable(rate) || !usable(networkEHs) || rate <= 0 || networkEHs <= 0 {
		return NA
	}
	minerTHs := units.Normalize(rate, unit)
	networkTHs := networkEHs * 1e6
	blocksPerDay := 144.0
	share := minerTHs / networkTHs
	if share <= 0 {
		return NA
	}
	odds := 1 / (share * blocksPerDay)
	if odds < 1 {
		odds = 1
	}
	return fmt.Sprintf("1 in %s", humanize.Comma(int64(math.Round(odds))))
}
