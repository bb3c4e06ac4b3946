// Package dashboard owns the application state: it consumes snapshots
// from the stream client, runs them through the indicator tracker,
// chart reconciler and payout detector, and assembles the state served
// to browser clients.
package dashboard

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"oceandash/internal/chart"
	"oceandash/internal/config"
	"oceandash/internal/model"
	"oceandash/internal/payout"
	"oceandash/internal/render"
	"oceandash/internal/statestore"
	"oceandash/internal/status"
	"oceandash/internal/tracker"
	"oceandash/internal/units"
)

// Persisted state keys.
const (
	keyChartMode   = "chart_mode"
	keyChartPoints = "chart_points_per_view"
	keyAnnotations = "chart_annotations"
	keyLastSnap    = "last_snapshot"
	keyFirstRun    = "first_run_done"
	keyTimezone    = "upstream_timezone"
)

const maxAnnotations = 50

// Refresher lets the controller kick the stream client on a forced
// refresh.
type Refresher interface {
	Resume()
	PollFallback() bool
}

// State is the full dashboard payload for GET /api/dashboard.
type State struct {
	View         render.View       `json:"view"`
	Arrows       map[string]string `json:"arrows"`
	Banner       status.Banner     `json:"banner"`
	ChartMode    chart.Mode        `json:"chart_mode"`
	PollFallback bool              `json:"poll_fallback"`
	FirstRun     bool              `json:"first_run"`
}

// ChartState is the payload for GET /api/chart.
type ChartState struct {
	Points       []chart.Point      `json:"points"`
	Annotations  []chart.Annotation `json:"annotations"`
	Ticks        []float64          `json:"ticks"`
	Mode         chart.Mode         `json:"mode"`
	Capacity     int                `json:"capacity"`
	Reference24h float64            `json:"reference_24h"`
}

// Controller glues the processing pipeline together.
type Controller struct {
	cfg     *config.Config
	store   *statestore.Store
	tracker *tracker.Tracker
	chart   *chart.Chart
	payouts *payout.Tracker
	monitor *status.Monitor
	stream  Refresher
	now     func() time.Time

	mu          sync.Mutex
	latest      *model.Snapshot
	previous    *model.Snapshot
	annotations []chart.Annotation
	firstRun    bool

	// OnBroadcast, when set, receives every state update for the
	// websocket hub. Kind is snapshot or banner.
	OnBroadcast func(kind string, payload any)
}

// New builds the controller and restores persisted state.
func New(cfg *config.Config, store *statestore.Store, payouts *payout.Tracker, stream Refresher, clock func() time.Time) *Controller {
	if clock == nil {
		clock = time.Now
	}
	c := &Controller{
		cfg:     cfg,
		store:   store,
		tracker: tracker.New(store),
		chart: chart.New(chart.Config{
			Capacity:       cfg.Chart.Points,
			LowEnterTHs:    cfg.Chart.LowEnterTHs,
			LowExitTHs:     cfg.Chart.LowExitTHs,
			ExitConfirmObs: cfg.Chart.ExitConfirmObs,
		}),
		payouts:  payouts,
		monitor:  status.NewMonitor(clock),
		stream:   stream,
		now:      clock,
		firstRun: true,
	}
	c.restore()
	return c
}

// restore loads persisted chart state; any failure falls back to
// defaults.
func (c *Controller) restore() {
	if c.store == nil {
		return
	}
	if raw, ok, _ := c.store.Get(keyChartPoints); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			c.chart.SetCapacity(n)
		}
	}
	if raw, ok, _ := c.store.Get(keyChartMode); ok && raw == string(chart.ModeLow) {
		c.chart.ForceMode(chart.ModeLow, c.now())
	}

	points, err := c.store.RecentChartPoints(c.chart.Capacity())
	if err != nil {
		logrus.WithError(err).Warn("failed to restore chart points")
	} else if len(points) > 0 {
		restored := make([]chart.Point, 0, len(points))
		for _, p := range points {
			restored = append(restored, chart.Point{Label: p.Label, Value: p.ValueTHs, Time: p.RecordedAt})
		}
		c.chart.Restore(restored)
	}

	var anns []chart.Annotation
	if ok, err := c.store.GetJSON(keyAnnotations, &anns); err == nil && ok {
		c.annotations = anns
	}

	var snap model.Snapshot
	if ok, err := c.store.GetJSON(keyLastSnap, &snap); err == nil && ok {
		c.latest = &snap
	}

	if _, ok, _ := c.store.Get(keyFirstRun); ok {
		c.firstRun = false
	}

	c.RefreshTimezone()
}

// SetTimezone records the backend's IANA zone and relabels the chart
// in it. Invalid names are rejected so a stored zone always loads.
func (c *Controller) SetTimezone(name string) error {
	if name == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("unusable timezone %q: %w", name, err)
	}
	c.persist(keyTimezone, name)
	c.applyTimezone(name)
	return nil
}

// RefreshTimezone re-applies the persisted zone. Called on startup and
// when the use_local_time preference flips.
func (c *Controller) RefreshTimezone() {
	name := ""
	if c.store != nil {
		if raw, ok, _ := c.store.Get(keyTimezone); ok {
			name = raw
		}
	}
	c.applyTimezone(name)
}

// applyTimezone resolves the label zone: the host zone when the user
// asked for local time, the backend zone otherwise, UTC as fallback.
func (c *Controller) applyTimezone(name string) {
	loc := time.UTC
	if c.cfg.Display.UseLocalTime {
		loc = time.Local
	} else if name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			logrus.WithError(err).WithField("timezone", name).Warn("failed to load timezone, labels stay UTC")
		} else {
			loc = l
		}
	}
	if !c.chart.SetLocation(loc) {
		return
	}
	// Labels changed; rewrite the persisted series.
	if c.store != nil {
		if err := c.store.ClearChartPoints(); err != nil {
			logrus.WithError(err).Warn("failed to clear persisted chart points")
			return
		}
		c.persistChartPoints(len(c.chart.Points()))
	}
}

// Run consumes snapshots until ctx is cancelled. Processing stays in
// arrival order on this single goroutine.
func (c *Controller) Run(ctx context.Context, snapshots <-chan *model.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			c.Handle(snap)
		}
	}
}

// Handle processes one snapshot end to end. Errors in any stage are
// logged and never halt the pipeline.
func (c *Controller) Handle(snap *model.Snapshot) {
	now := c.now()

	c.mu.Lock()
	c.previous = c.latest
	c.latest = snap
	first := c.firstRun
	c.mu.Unlock()

	avg60 := units.Normalize(snap.Hashrate60sec.Float(), snap.Hashrate60secUnit)
	avg3hr := units.Normalize(snap.Hashrate3hr.Float(), snap.Hashrate3hrUnit)

	c.tracker.ObserveAll(trackedValues(snap))
	if err := c.tracker.Save(); err != nil {
		logrus.WithError(err).Warn("failed to persist indicator state")
	}

	prevMode := c.chart.Mode()
	mode := c.chart.Observe(now, avg60, avg3hr)
	if mode != prevMode {
		c.rebuildChart(snap, mode)
		c.persist(keyChartMode, string(mode))
	}

	field, unitField, live := chartSource(snap, mode)
	added := c.chart.Reconcile(field, unitField)
	if c.chart.Append(now, live) {
		added++
	}

	if len(snap.BlockEvents) > 0 {
		c.mergeAnnotations(snap.BlockEvents)
	}

	if c.payouts != nil {
		c.payouts.Observe(now, snap.UnpaidEarnings.Float())
	}

	c.monitor.RecordSuccess()
	c.persistChartPoints(added)

	if first {
		c.mu.Lock()
		c.firstRun = false
		c.mu.Unlock()
		c.persist(keyFirstRun, "1")
	}
	if c.store != nil {
		if err := c.store.SetJSON(keyLastSnap, snap); err != nil {
			logrus.WithError(err).Warn("failed to persist snapshot")
		}
	}

	if c.OnBroadcast != nil {
		c.OnBroadcast("snapshot", c.DashboardState())
	}
}

// chartSource picks the snapshot history and live value feeding the
// chart for the given mode.
func chartSource(snap *model.Snapshot, mode chart.Mode) ([]model.HistorySample, string, float64) {
	if mode == chart.ModeLow {
		return snap.ArrowHistory["hashrate_3hr"], snap.Hashrate3hrUnit,
			units.Normalize(snap.Hashrate3hr.Float(), snap.Hashrate3hrUnit)
	}
	return snap.ArrowHistory["hashrate_60sec"], snap.Hashrate60secUnit,
		units.Normalize(snap.Hashrate60sec.Float(), snap.Hashrate60secUnit)
}

// rebuildChart swaps the plotted series when the display mode flips.
func (c *Controller) rebuildChart(snap *model.Snapshot, mode chart.Mode) {
	c.chart.Reset()
	c.chart.ForceMode(mode, c.now())
	field, unitField, _ := chartSource(snap, mode)
	c.chart.Reconcile(field, unitField)
	if c.store != nil {
		if err := c.store.ClearChartPoints(); err != nil {
			logrus.WithError(err).Warn("failed to clear persisted chart points")
		}
	}
}

func (c *Controller) mergeAnnotations(events []model.BlockEvent) {
	matched := c.chart.Annotate(events)
	if len(matched) == 0 {
		logrus.WithField("events", len(events)).Debug("block events matched no chart label")
		return
	}
	c.mu.Lock()
	for _, a := range matched {
		dup := false
		for _, existing := range c.annotations {
			if existing.Label == a.Label && existing.BlockHeight == a.BlockHeight {
				dup = true
				break
			}
		}
		if !dup {
			c.annotations = append(c.annotations, a)
		}
	}
	if len(c.annotations) > maxAnnotations {
		c.annotations = c.annotations[len(c.annotations)-maxAnnotations:]
	}
	anns := make([]chart.Annotation, len(c.annotations))
	copy(anns, c.annotations)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SetJSON(keyAnnotations, anns); err != nil {
			logrus.WithError(err).Warn("failed to persist annotations")
		}
	}
}

func (c *Controller) persistChartPoints(added int) {
	if c.store == nil || added <= 0 {
		return
	}
	points := c.chart.Points()
	if len(points) == 0 {
		return
	}
	start := len(points) - added
	if start < 0 {
		start = 0
	}
	batch := make([]statestore.ChartPoint, 0, added)
	for _, p := range points[start:] {
		batch = append(batch, statestore.ChartPoint{Label: p.Label, ValueTHs: p.Value, RecordedAt: p.Time})
	}
	if err := c.store.AppendChartPoints(batch); err != nil {
		logrus.WithError(err).Warn("failed to persist chart points")
		return
	}
	if err := c.store.PruneChartPoints(c.chart.Capacity()); err != nil {
		logrus.WithError(err).Warn("failed to prune chart points")
	}
}

func (c *Controller) persist(key, value string) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(key, value); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("failed to persist state")
	}
}

// trackedValues extracts the tracker's metric set from a snapshot,
// hashrates normalized to TH/s first.
func trackedValues(s *model.Snapshot) map[string]float64 {
	return map[string]float64{
		"hashrate_60sec":                units.Normalize(s.Hashrate60sec.Float(), s.Hashrate60secUnit),
		"hashrate_10min":                units.Normalize(s.Hashrate10min.Float(), s.Hashrate10minUnit),
		"hashrate_3hr":                  units.Normalize(s.Hashrate3hr.Float(), s.Hashrate3hrUnit),
		"hashrate_24hr":                 units.Normalize(s.Hashrate24hr.Float(), s.Hashrate24hrUnit),
		"block_number":                  s.BlockNumber.Float(),
		"btc_price":                     s.BTCPrice.Float(),
		"network_hashrate":              s.NetworkHashrate.Float(),
		"difficulty":                    s.Difficulty.Float(),
		"daily_revenue":                 s.DailyRevenue.Float(),
		"daily_profit_usd":              s.DailyProfitUSD.Float(),
		"monthly_profit_usd":            s.MonthlyProfitUSD.Float(),
		"daily_mined_sats":              s.DailyMinedSats.Float(),
		"monthly_mined_sats":            s.MonthlyMinedSats.Float(),
		"unpaid_earnings":               s.UnpaidEarnings.Float(),
		"estimated_earnings_per_day":    s.EstimatedEarningsPerDay.Float(),
		"estimated_earnings_next_block": s.EstimatedEarningsNextBlock.Float(),
		"estimated_rewards_in_window":   s.EstimatedRewardsInWindow.Float(),
		"workers_hashing":               float64(s.WorkersHashing),
		"pool_fees_percentage":          s.PoolFeesPercentage.Float(),
	}
}

// DashboardState assembles the GET /api/dashboard payload.
func (c *Controller) DashboardState() State {
	c.mu.Lock()
	snap := c.latest
	first := c.firstRun
	c.mu.Unlock()

	st := State{
		Arrows:    c.tracker.Arrows(),
		Banner:    c.monitor.Banner(),
		ChartMode: c.chart.Mode(),
		FirstRun:  first,
	}
	if c.stream != nil {
		st.PollFallback = c.stream.PollFallback()
	}
	if snap != nil {
		st.View = render.Snapshot(snap, st.Arrows, c.cfg.Display.Currency)
	}
	return st
}

// ChartView assembles the GET /api/chart payload.
func (c *Controller) ChartView() ChartState {
	points := c.chart.Points()

	max := 0.0
	for _, p := range points {
		if p.Value > max {
			max = p.Value
		}
	}

	c.mu.Lock()
	anns := make([]chart.Annotation, len(c.annotations))
	copy(anns, c.annotations)
	snap := c.latest
	c.mu.Unlock()

	ref := 0.0
	if c.cfg.Chart.Use24hrReference && snap != nil {
		ref = units.Normalize(snap.Hashrate24hr.Float(), snap.Hashrate24hrUnit)
	}
	if ref > max {
		max = ref
	}

	return ChartState{
		Points:       points,
		Annotations:  anns,
		Ticks:        chart.Ticks(max, 6),
		Mode:         c.chart.Mode(),
		Capacity:     c.chart.Capacity(),
		Reference24h: ref,
	}
}

// SetChartPoints changes the window size (30, 60 or 180) and persists
// the choice.
func (c *Controller) SetChartPoints(n int) bool {
	if !c.chart.SetCapacity(n) {
		return false
	}
	c.persist(keyChartPoints, strconv.Itoa(n))

	// A window change rebuilds the series from history so a grown
	// window fills immediately instead of waiting for live samples.
	c.mu.Lock()
	snap := c.latest
	c.mu.Unlock()
	if snap != nil {
		c.rebuildChart(snap, c.chart.Mode())
		c.persistChartPoints(len(c.chart.Points()))
		return true
	}
	if c.store != nil {
		if err := c.store.PruneChartPoints(n); err != nil {
			logrus.WithError(err).Warn("failed to prune chart points")
		}
	}
	return true
}

// ResetChartData wipes the series, annotations, persisted points and
// indicator state.
func (c *Controller) ResetChartData() error {
	c.chart.Reset()

	c.mu.Lock()
	c.annotations = nil
	c.mu.Unlock()

	if err := c.tracker.Reset(); err != nil {
		return err
	}
	if c.store == nil {
		return nil
	}
	if err := c.store.ClearChartPoints(); err != nil {
		return err
	}
	if err := c.store.Delete(keyAnnotations); err != nil {
		return err
	}
	return c.store.Delete(keyChartMode)
}

// ForceRefresh clears indicators, kicks the stream client and reports
// current freshness. Wired to POST /api/force-refresh.
func (c *Controller) ForceRefresh() status.Banner {
	c.tracker.PrepareForRefresh()
	if c.stream != nil {
		c.stream.Resume()
	}
	logrus.Info("force refresh requested")
	return c.monitor.Banner()
}

// Latest returns the most recent snapshot, or nil before first data.
func (c *Controller) Latest() *model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Previous returns the snapshot before the latest one.
func (c *Controller) Previous() *model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}

// Banner exposes the staleness banner for the API layer.
func (c *Controller) Banner() status.Banner {
	return c.monitor.Banner()
}
