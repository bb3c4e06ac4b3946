// Package chart maintains the sliding hashrate series shown on the
// dashboard, including reconciliation of backend-supplied history,
// the low-hashrate display mode, axis tick selection and block
// annotations.
package chart

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"oceandash/internal/model"
	"oceandash/internal/units"
)

// Display modes for the hashrate series.
type Mode string

const (
	ModeNormal Mode = "normal" // plot the 60s average
	ModeLow    Mode = "low"    // plot the 3hr average instead
)

// State machine timing.
const (
	enterSustain = 60 * time.Second  // low condition must hold this long to enter
	exitSustain  = 120 * time.Second // recovery must hold this long to exit
	minDwell     = 120 * time.Second // minimum time between mode switches
)

// ValidCapacities are the window sizes the dashboard offers.
var ValidCapacities = []int{30, 60, 180}

// Point is one plotted sample.
type Point struct {
	Label string    `json:"label"` // HH:MM minute label
	Value float64   `json:"value"` // TH/s
	Time  time.Time `json:"time"`
}

// Annotation marks a found block on the chart.
type Annotation struct {
	Label       string `json:"label"`
	BlockHeight int64  `json:"block_height"`
}

// Config holds the tunable thresholds.
type Config struct {
	Capacity       int
	LowEnterTHs    float64
	LowExitTHs     float64
	ExitConfirmObs int
}

// Chart is the reconciling series plus its display-mode state machine.
type Chart struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	points []Point
	seen   map[string]struct{}

	mode          Mode
	enterSince    time.Time
	exitSince     time.Time
	exitStreak    int
	modeChangedAt time.Time

	now func() time.Time
}

// New creates an empty chart in normal mode.
func New(cfg Config) *Chart {
	if !validCapacity(cfg.Capacity) {
		cfg.Capacity = 60
	}
	if cfg.LowEnterTHs <= 0 {
		cfg.LowEnterTHs = 0.01
	}
	if cfg.LowExitTHs <= 0 {
		cfg.LowExitTHs = 20.0
	}
	if cfg.ExitConfirmObs <= 0 {
		cfg.ExitConfirmObs = 3
	}
	return &Chart{
		cfg:  cfg,
		loc:  time.UTC,
		seen: make(map[string]struct{}),
		mode: ModeNormal,
		now:  time.Now,
	}
}

func validCapacity(n int) bool {
	for _, c := range ValidCapacities {
		if n == c {
			return true
		}
	}
	return false
}

// Mode returns the current display mode.
func (c *Chart) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Capacity returns the current window size.
func (c *Chart) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Capacity
}

// SetCapacity changes the window size, trimming the series when it
// shrinks. Invalid sizes are rejected.
func (c *Chart) SetCapacity(n int) bool {
	if !validCapacity(n) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Capacity = n
	c.trimLocked()
	return true
}

// SetLocation switches the timezone minute labels are formatted in
// and relabels the existing series. Points collapsing onto the same
// label keep the later value. It reports whether the zone changed.
func (c *Chart) SetLocation(loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loc == loc || c.loc.String() == loc.String() {
		return false
	}
	c.loc = loc

	old := c.points
	c.points = nil
	c.seen = make(map[string]struct{})
	for _, p := range old {
		p.Label = p.Time.In(loc).Format("15:04")
		if _, dup := c.seen[p.Label]; dup {
			for i := len(c.points) - 1; i >= 0; i-- {
				if c.points[i].Label == p.Label {
					c.points[i].Value = p.Value
					break
				}
			}
			continue
		}
		c.points = append(c.points, p)
		c.seen[p.Label] = struct{}{}
	}
	return true
}

// Points returns a copy of the current series in chronological order.
func (c *Chart) Points() []Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Point, len(c.points))
	copy(out, c.points)
	return out
}

// Reset drops the series and returns the state machine to normal mode.
func (c *Chart) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = nil
	c.seen = make(map[string]struct{})
	c.mode = ModeNormal
	c.enterSince = time.Time{}
	c.exitSince = time.Time{}
	c.exitStreak = 0
	c.modeChangedAt = time.Time{}
}

// ForceMode restores a persisted display mode without the usual
// sustain requirements. The dwell timer still applies from now.
func (c *Chart) ForceMode(m Mode, now time.Time) {
	if m != ModeNormal && m != ModeLow {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == m {
		return
	}
	c.mode = m
	c.modeChangedAt = now
	c.enterSince = time.Time{}
	c.exitSince = time.Time{}
	c.exitStreak = 0
}

// Restore seeds the series from persisted points, keeping only the
// newest window.
func (c *Chart) Restore(points []Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = nil
	c.seen = make(map[string]struct{})
	for _, p := range points {
		if _, dup := c.seen[p.Label]; dup {
			// Later entries carry the fresher value for the minute.
			for i := len(c.points) - 1; i >= 0; i-- {
				if c.points[i].Label == p.Label {
					c.points[i].Value = p.Value
					break
				}
			}
			continue
		}
		c.points = append(c.points, p)
		c.seen[p.Label] = struct{}{}
	}
	c.trimLocked()
}

// Reconcile merges backend-supplied history samples into the series.
// Samples already present (by minute label) are skipped, malformed
// entries are dropped, and the window is trimmed to capacity. The
// samples must use the unit given alongside each entry; values are
// normalized to TH/s. It returns the number of points added.
func (c *Chart) Reconcile(samples []model.HistorySample, defaultUnit string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, s := range samples {
		label := minuteLabel(s.Time, c.loc)
		if label == "" {
			continue
		}
		raw, ok := s.ValueFloat()
		if !ok {
			continue
		}
		unit := s.Unit
		if unit == "" {
			unit = defaultUnit
		}
		if _, dup := c.seen[label]; dup {
			continue
		}
		c.points = append(c.points, Point{
			Label: label,
			Value: units.Normalize(raw, unit),
			Time:  labelTime(label, c.now().In(c.loc)),
		})
		c.seen[label] = struct{}{}
		added++
	}
	c.trimLocked()
	if added > 0 {
		c.logOutliersLocked()
	}
	return added
}

// logOutliersLocked flags suspicious series shapes (a max far above
// the mean, or a very wide spread) without affecting rendering.
func (c *Chart) logOutliersLocked() {
	if len(c.points) < 3 {
		return
	}
	var sum, max float64
	for _, p := range c.points {
		sum += p.Value
		if p.Value > max {
			max = p.Value
		}
	}
	mean := sum / float64(len(c.points))
	var variance float64
	for _, p := range c.points {
		d := p.Value - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(c.points)))
	if mean > 0 && max > 10*mean {
		logrus.WithFields(logrus.Fields{"max": max, "mean": mean}).Debug("hashrate series contains outlier samples")
	} else if stddev > 3*mean && mean > 0 {
		logrus.WithFields(logrus.Fields{"stddev": stddev, "mean": mean}).Debug("hashrate series spread is unusually wide")
	}
}

// Append adds a single live sample (already in TH/s) under the given
// timestamp's minute label, replacing an existing point for the same
// minute. It reports whether a new point was created.
func (c *Chart) Append(ts time.Time, ths float64) bool {
	if math.IsNaN(ths) || math.IsInf(ths, 0) || ths < 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	label := ts.In(c.loc).Format("15:04")

	if _, dup := c.seen[label]; dup {
		for i := len(c.points) - 1; i >= 0; i-- {
			if c.points[i].Label == label {
				c.points[i].Value = ths
				break
			}
		}
		return false
	}
	c.points = append(c.points, Point{Label: label, Value: ths, Time: ts})
	c.seen[label] = struct{}{}
	c.trimLocked()
	return true
}

func (c *Chart) trimLocked() {
	if len(c.points) <= c.cfg.Capacity {
		return
	}
	dropped := c.points[:len(c.points)-c.cfg.Capacity]
	c.points = c.points[len(c.points)-c.cfg.Capacity:]
	for _, p := range dropped {
		delete(c.seen, p.Label)
	}
}

// Observe feeds the state machine one reading of the 60s and 3hr
// averages (TH/s) and returns the mode to display.
//
// Low mode engages when the 60s average sits below the enter threshold
// while the 3hr average stays above it, sustained for a full minute.
// It disengages only after the 60s average has exceeded the exit
// threshold for the configured number of consecutive readings, held
// for two minutes, and the chart has dwelt in low mode at least two
// minutes.
func (c *Chart) Observe(now time.Time, avg60, avg3hr float64) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case ModeNormal:
		if avg60 < c.cfg.LowEnterTHs && avg3hr > c.cfg.LowEnterTHs {
			if c.enterSince.IsZero() {
				c.enterSince = now
			}
			if now.Sub(c.enterSince) >= enterSustain &&
				(c.modeChangedAt.IsZero() || now.Sub(c.modeChangedAt) >= minDwell) {
				c.mode = ModeLow
				c.modeChangedAt = now
				c.enterSince = time.Time{}
				c.exitSince = time.Time{}
				c.exitStreak = 0
				logrus.WithFields(logrus.Fields{
					"avg_60s": avg60,
					"avg_3hr": avg3hr,
				}).Info("entering low-hashrate display mode")
			}
		} else {
			c.enterSince = time.Time{}
		}

	case ModeLow:
		if avg60 > c.cfg.LowExitTHs {
			c.exitStreak++
			if c.exitSince.IsZero() {
				c.exitSince = now
			}
			if c.exitStreak >= c.cfg.ExitConfirmObs &&
				now.Sub(c.exitSince) >= exitSustain &&
				now.Sub(c.modeChangedAt) >= minDwell {
				c.mode = ModeNormal
				c.modeChangedAt = now
				c.exitSince = time.Time{}
				c.exitStreak = 0
				logrus.WithField("avg_60s", avg60).Info("leaving low-hashrate display mode")
			}
		} else {
			c.exitStreak = 0
			c.exitSince = time.Time{}
		}
	}
	return c.mode
}

// Annotate matches block events against the current series. An event
// annotates the point with the exact minute label when present,
// otherwise the nearest point within one minute.
func (c *Chart) Annotate(events []model.BlockEvent) []Annotation {
	c.mu.Lock()
	defer c.mu.Unlock()

	var annotations []Annotation
	for _, ev := range events {
		evTime := ev.Time()
		if evTime.IsZero() {
			continue
		}
		label := evTime.In(c.loc).Format("15:04")
		if _, ok := c.seen[label]; ok {
			annotations = append(annotations, Annotation{Label: label, BlockHeight: ev.BlockHeight})
			continue
		}
		best := ""
		bestDist := time.Minute + time.Second
		for _, p := range c.points {
			d := evTime.Sub(p.Time)
			if d < 0 {
				d = -d
			}
			if d <= time.Minute && d < bestDist {
				best = p.Label
				bestDist = d
			}
		}
		if best != "" {
			annotations = append(annotations, Annotation{Label: best, BlockHeight: ev.BlockHeight})
		}
	}
	return annotations
}

// minuteLabel reduces a history timestamp to HH:MM. Upstream emits
// either HH:MM, HH:MM:SS or a full RFC3339 timestamp; only the last
// carries zone information to convert.
func minuteLabel(raw string, loc *time.Location) string {
	if raw == "" {
		return ""
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(loc).Format("15:04")
	}
	if t, err := time.Parse("15:04:05", raw); err == nil {
		return t.Format("15:04")
	}
	if _, err := time.Parse("15:04", raw); err == nil {
		return raw
	}
	return ""
}

// labelTime reconstructs a wall-clock time from an HH:MM label using
// today's date; labels ahead of now roll back a day.
func labelTime(label string, now time.Time) time.Time {
	t, err := time.Parse("15:04", label)
	if err != nil {
		return now
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if candidate.After(now.Add(time.Minute)) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

// Ticks picks a y-axis scale for the given series maximum: the step is
// 1, 2, 5 or 10 times a power of ten, sized so the axis has at most
// maxTicks divisions. It returns the tick values from 0 up to and
// including the first tick at or above max.
func Ticks(max float64, maxTicks int) []float64 {
	if maxTicks < 2 {
		maxTicks = 2
	}
	if max <= 0 || math.IsNaN(max) || math.IsInf(max, 0) {
		return []float64{0, 1}
	}
	rough := max / float64(maxTicks-1)
	mag := math.Pow(10, math.Floor(math.Log10(rough)))
	var step float64
	switch {
	case rough/mag <= 1:
		step = 1 * mag
	case rough/mag <= 2:
		step = 2 * mag
	case rough/mag <= 5:
		step = 5 * mag
	default:
		step = 10 * mag
	}
	var ticks []float64
	for v := 0.0; ; v += step {
		ticks = append(ticks, v)
		if v >= max {
			break
		}
	}
	return ticks
}
