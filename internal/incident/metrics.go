package incident

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/capcode/internal/liveness"
	"github.com/linnemanlabs/capcode/internal/page"
)

// Metrics holds Prometheus metrics for the incident pipeline.
type Metrics struct {
	LinesTotal       *prometheus.CounterVec
	PagesTotal       *prometheus.CounterVec
	ParseDuration    prometheus.Histogram
	LivenessEvents   *prometheus.CounterVec
	LastKeepalive    prometheus.Gauge
	PublishTotal     *prometheus.CounterVec
	NotifyTotal      *prometheus.CounterVec
	StoreErrorsTotal prometheus.Counter
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capcode_lines_total",
			Help: "Input lines by match result.",
		}, []string{"result"}),
		PagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capcode_pages_total",
			Help: "Matched pages by agency and outcome.",
		}, []string{"agency", "outcome"}),
		ParseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capcode_parse_duration_seconds",
			Help:    "Time to match and parse one line.",
			Buckets: prometheus.ExponentialBuckets(0.000005, 2, 12), // 5us .. ~10ms
		}),
		LivenessEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capcode_liveness_events_total",
			Help: "Keepalive monitor transitions by event.",
		}, []string{"event"}),
		LastKeepalive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capcode_last_keepalive_timestamp_seconds",
			Help: "Unix time of the last keepalive page.",
		}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capcode_publish_total",
			Help: "Bus publishes by result.",
		}, []string{"result"}),
		NotifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capcode_notify_total",
			Help: "Notifications by result.",
		}, []string{"result"}),
		StoreErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capcode_store_errors_total",
			Help: "Failed store writes.",
		}),
	}

	reg.MustRegister(
		m.LinesTotal,
		m.PagesTotal,
		m.ParseDuration,
		m.LivenessEvents,
		m.LastKeepalive,
		m.PublishTotal,
		m.NotifyTotal,
		m.StoreErrorsTotal,
	)

	return m
}

// The helpers below are nil-safe so the service runs without metrics in tests.

func (m *Metrics) observeLine(matched bool, seconds float64) {
	if m == nil {
		return
	}
	result := "unmatched"
	if matched {
		result = "matched"
	}
	m.LinesTotal.WithLabelValues(result).Inc()
	m.ParseDuration.Observe(seconds)
}

func (m *Metrics) observePage(inc *page.Incident) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(string(inc.Agency), string(inc.Outcome)).Inc()
	if inc.Outcome == page.OutcomeKeepalive {
		m.LastKeepalive.Set(float64(inc.Timestamp.Unix()))
	}
}

func (m *Metrics) observeLiveness(ev liveness.Event) {
	if m == nil {
		return
	}
	m.LivenessEvents.WithLabelValues(string(ev.Kind)).Inc()
}

func (m *Metrics) observePublish(err error) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) observeNotify(err error) {
	if m == nil {
		return
	}
	m.NotifyTotal.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) storeError() {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
