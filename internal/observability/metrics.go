// Package observability provides Prometheus metrics for the tipping pipeline.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// Price oracle
	PriceCycles         *prometheus.CounterVec
	PriceSourceFailures *prometheus.CounterVec
	PriceCycleDuration  prometheus.Histogram

	// Transfers and ledger
	Transfers           *prometheus.CounterVec
	LedgerWriteFailures *prometheus.CounterVec

	// Reward notifications
	ApprovalEdges        prometheus.Counter
	NotificationsSent    *prometheus.CounterVec
	ChangeFeedReconnects prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tipledger"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PriceCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "cycles_total",
			Help:      "Price refresh cycles by result (published, skipped)",
		}, []string{"result"}),
		PriceSourceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "source_failures_total",
			Help:      "Price source failures recovered by fallback",
		}, []string{"source"}),
		PriceCycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one price resolution cycle",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20},
		}),

		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "attempts_total",
			Help:      "Transfer attempts by outcome",
		}, []string{"outcome"}),
		LedgerWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "write_failures_total",
			Help:      "Ledger write failures (retried, escalated)",
		}, []string{"stage"}),

		ApprovalEdges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "approval_edges_total",
			Help:      "Observed reward approved false->true transitions",
		}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "effects_total",
			Help:      "Notification side effects by channel and result",
		}, []string{"channel", "result"}),
		ChangeFeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "changefeed_reconnects_total",
			Help:      "Change feed subscription restarts",
		}),
	}
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PriceCycle(result string) {
	if m != nil {
		m.PriceCycles.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveCycle(seconds float64) {
	if m != nil {
		m.PriceCycleDuration.Observe(seconds)
	}
}

func (m *Metrics) SourceFailure(source string) {
	if m != nil {
		m.PriceSourceFailures.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Transfer(outcome string) {
	if m != nil {
		m.Transfers.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) LedgerWriteFailure(stage string) {
	if m != nil {
		m.LedgerWriteFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) ApprovalEdge() {
	if m != nil {
		m.ApprovalEdges.Inc()
	}
}

func (m *Metrics) Notification(channel, result string) {
	if m != nil {
		m.NotificationsSent.WithLabelValues(channel, result).Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.ChangeFeedReconnects.Inc()
	}
}
