package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "manipwatch"

// Metrics holds the process collectors on a private registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	checks          *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	fetchErrors     *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	suppressed      prometheus.Counter
	dropped         prometheus.Counter
	sinkFailures    *prometheus.CounterVec
	markets         *prometheus.GaugeVec
	ensembleScore   prometheus.Histogram
	monitorEvents   *prometheus.CounterVec
	pendingDelivery prometheus.Gauge
}

// New registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Detection cycles by market type and outcome",
		}, []string{"market_type", "outcome"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Fetch plus detect cycle duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"market_type"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Market data fetch failures by kind",
		}, []string{"kind"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Emitted manipulation alerts",
		}, []string{"pattern", "risk"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alerts suppressed by the cooldown",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dropped_total",
			Help:      "Buffered alerts dropped after the retention ceiling",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Failed alert deliveries by sink",
		}, []string{"sink"}),
		markets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "markets",
			Help:      "Monitored markets by scheduling state",
		}, []string{"state"}),
		ensembleScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ensemble_score",
			Help:      "Distribution of model ensemble scores",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		monitorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_events_total",
			Help:      "Warning-class monitor events by kind",
		}, []string{"kind"}),
		pendingDelivery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_pending_delivery",
			Help:      "Alerts buffered for sink delivery",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.checks, m.cycleDuration, m.fetchErrors, m.alerts, m.suppressed, m.dropped,
		m.sinkFailures, m.markets, m.ensembleScore, m.monitorEvents, m.pendingDelivery,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveCycle(marketType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(marketType, outcome).Inc()
	m.cycleDuration.WithLabelValues(marketType).Observe(d.Seconds())
}

func (m *Metrics) FetchError(kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) AlertEmitted(pattern, risk string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(pattern, risk).Inc()
}

func (m *Metrics) AlertSuppressed() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

func (m *Metrics) AlertDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) SinkFailure(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) PendingDeliveries(n int) {
	if m == nil {
		return
	}
	m.pendingDelivery.Set(float64(n))
}

func (m *Metrics) EnsembleScore(score float64) {
	if m == nil {
		return
	}
	m.ensembleScore.Observe(score)
}

func (m *Metrics) MonitorEvent(kind string) {
	if m == nil {
		return
	}
	m.monitorEvents.WithLabelValues(kind).Inc()
}

// SetMarkets replaces the per-state market gauge.
func (m *Metrics) SetMarkets(byState map[string]int) {
	if m == nil {
		return
	}
	for state, n := range byState {
		m.markets.WithLabelValues(state).Set(float64(n))
	}
}
