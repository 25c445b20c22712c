package payloadstore

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the store subsystem's Prometheus instruments, relabeled
// from the teacher's per-subsystem gauge/counter layout
// (internal/telemetry/metrics.go) onto store-specific names.
type metrics struct {
	usedBytes    prometheus.Gauge
	evictions    prometheus.Counter
	busyRetries  prometheus.Counter
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	writesFailed prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		usedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rhizome", Subsystem: "store", Name: "used_bytes",
			Help: "Total bytes accounted for by the payload store.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rhizome", Subsystem: "store", Name: "evictions_total",
			Help: "Payloads removed by the eviction loop to satisfy quota.",
		}),
		busyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rhizome", Subsystem: "store", Name: "busy_retries_total",
			Help: "Transient backend-busy retries consumed from the retry budget.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rhizome", Subsystem: "store", Name: "reader_cache_hits_total",
			Help: "Cached-reader lookups served without reopening the backend.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rhizome", Subsystem: "store", Name: "reader_cache_misses_total",
			Help: "Cached-reader lookups that required opening a new reader.",
		}),
		writesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rhizome", Subsystem: "store", Name: "writes_failed_total",
			Help: "Writer.Finish calls that did not end in new or stored.",
		}),
	}
}

// Register adds every store metric to reg, matching the teacher's pattern
// of an explicit Register call at node wiring time rather than relying on
// the default global registry.
func (m *metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.usedBytes, m.evictions, m.busyRetries, m.cacheHits, m.cacheMisses, m.writesFailed)
}
