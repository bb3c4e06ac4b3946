// Package units normalizes hashrate readings to a single canonical
// unit (TH/s) so averages, thresholds and chart scales compare like
// with like regardless of the unit the backend reported.
package units

import (
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Canonical is the unit every normalized value is expressed in.
const Canonical = "TH/s"

// factors maps a lowercase unit to its multiplier into TH/s.
var factors = map[string]float64{
	"h/s":  1e-12,
	"kh/s": 1e-9,
	"mh/s": 1e-6,
	"gh/s": 1e-3,
	"th/s": 1,
	"ph/s": 1e3,
	"eh/s": 1e6,
	"zh/s": 1e9,
}

var (
	warnMu   sync.Mutex
	warnSeen = map[string]struct{}{}
)

// Normalize converts value expressed in unit to TH/s. Unknown units
// fall back to treating the value as TH/s already, with a one-time
// warning per distinct unit string. Non-finite values normalize to 0.
func Normalize(value float64, unit string) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	f, ok := lookup(unit)
	if !ok {
		warnOnce(unit)
		return value
	}
	return value * f
}

func lookup(unit string) (float64, bool) {
	key := strings.ToLower(strings.TrimSpace(unit))
	if key == "" {
		return 0, false
	}
	if f, ok := factors[key]; ok {
		return f, true
	}
	// Tolerate spelling variants like "Th/s ", "THS", "TH/S", "th".
	key = strings.ReplaceAll(key, " ", "")
	key = strings.TrimSuffix(key, "/s")
	key = strings.TrimSuffix(key, "s")
	if f, ok := factors[key+"h/s"]; ok && !strings.HasSuffix(key, "h") {
		return f, true
	}
	key = strings.TrimSuffix(key, "h")
	if f, ok := factors[key+"h/s"]; ok {
		return f, true
	}
	return 0, false
}

func warnOnce(unit string) {
	warnMu.Lock()
	defer warnMu.Unlock()
	if _, seen := warnSeen[unit]; seen {
		return
	}
	warnSeen[unit] = struct{}{}
	logrus.WithField("unit", unit).Warn("unrecognized hashrate unit, assuming TH/s")
}

// Format picks a display unit so the mantissa lands in [1, 1000) and
// returns the scaled value with that unit. Zero formats as "0 TH/s".
func Format(th float64) (float64, string) {
	if th <= 0 || math.IsNaN(th) || math.IsInf(th, 0) {
		return 0, Canonical
	}
	type step struct {
		unit   string
		factor float64
	}
	steps := []step{
		{"H/s", 1e-12},
		{"KH/s", 1e-9},
		{"MH/s", 1e-6},
		{"GH/s", 1e-3},
		{"TH/s", 1},
		{"PH/s", 1e3},
		{"EH/s", 1e6},
		{"ZH/s", 1e9},
	}
	best := steps[4]
	for _, s := range steps {
		scaled := th / s.factor
		if scaled >= 1 && scaled < 1000 {
			return scaled, s.unit
		}
		if scaled >= 1 {
			best = s
		}
	}
	return th / best.factor, best.unit
}
