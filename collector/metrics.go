package collector

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the collector's Prometheus instruments.
type Metrics struct {
	DispatchTotal      *prometheus.CounterVec
	HandlerErrorsTotal *prometheus.CounterVec
	PendingRepairDepth prometheus.Gauge
	BookLevels         *prometheus.GaugeVec
}

// NewMetrics constructs and registers the collector's instruments
// against reg. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obmirror",
			Name:      "dispatch_total",
			Help:      "Number of symbol dispatches completed.",
		}, []string{"symbol"}),
		HandlerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obmirror",
			Name:      "handler_errors_total",
			Help:      "Number of handler invocations that returned an error.",
		}, []string{"symbol", "handler"}),
		PendingRepairDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "obmirror",
			Name:      "pending_repair_depth",
			Help:      "Current size of the pending-repair set.",
		}),
		BookLevels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "obmirror",
			Name:      "book_levels",
			Help:      "Resting price levels per symbol and side.",
		}, []string{"symbol", "side"}),
	}
	reg.MustRegister(m.DispatchTotal, m.HandlerErrorsTotal, m.PendingRepairDepth, m.BookLevels)
	return m
}
