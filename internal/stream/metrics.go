package stream

import "github.com/prometheus/client_golang/prometheus"

type clientMetrics struct {
	frames       *prometheus.CounterVec
	reconnects   prometheus.Counter
	dropped      prometheus.Counter
	pollFallback prometheus.Gauge
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oceandash",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Frames received from the upstream stream, by type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oceandash",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Stream reconnect attempts.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oceandash",
			Subsystem: "stream",
			Name:      "dropped_snapshots_total",
			Help:      "Snapshots dropped because the consumer fell behind.",
		}),
		pollFallback: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oceandash",
			Subsystem: "stream",
			Name:      "poll_fallback",
			Help:      "1 while the client polls instead of streaming.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.frames, m.reconnects, m.dropped, m.pollFallback)
	}
	return m
}
