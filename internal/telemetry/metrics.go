package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks the link and control subsystems' observable state. The
// payload store registers its own instruments directly into the shared
// Registry via Store.RegisterMetrics, rather than being duplicated here.
type Metrics struct {
	// Link layer.
	FramesSent      prometheus.Counter
	FramesReceived  prometheus.Counter
	FramesDropped   prometheus.Counter // preamble-triggered or undecodable
	BytesCorrected  prometheus.Counter // Reed-Solomon error-corrected bytes
	HeartbeatsSent  prometheus.Counter
	RemoteRSSI      prometheus.Gauge
	RemainingSpace  prometheus.Gauge

	// Control surface.
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "frames_sent_total",
			Help: "Total data frames transmitted over the link.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "frames_received_total",
			Help: "Total data frames successfully decoded from the link.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "frames_dropped_total",
			Help: "Frames dropped: preamble loss or uncorrectable errors.",
		}),
		BytesCorrected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "bytes_corrected_total",
			Help: "Bytes repaired by Reed-Solomon error correction.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "heartbeats_sent_total",
			Help: "Total heartbeat frames emitted.",
		}),
		RemoteRSSI: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "link", Name: "remote_rssi",
			Help: "Most recently observed remote link RSSI estimate.",
		}),
		RemainingSpace: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "link", Name: "remaining_space_bytes",
			Help: "Peer-reported transmit buffer headroom, as of the last heartbeat.",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "control", Name: "requests_total",
			Help: "Control surface requests by route and status.",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "control", Name: "request_duration_seconds",
			Help:    "Control surface request latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.FramesSent, m.FramesReceived, m.FramesDropped, m.BytesCorrected,
		m.HeartbeatsSent, m.RemoteRSSI, m.RemainingSpace,
		m.RequestsTotal, m.RequestDuration,
	)

	return m
}

// NopMetrics returns a Metrics instance that discards all observations.
func NopMetrics() *Metrics {
	return &Metrics{
		FramesSent:      prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_fs"}),
		FramesReceived:  prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_fr"}),
		FramesDropped:   prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_fd"}),
		BytesCorrected:  prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_bc"}),
		HeartbeatsSent:  prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_hs"}),
		RemoteRSSI:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_rr"}),
		RemainingSpace:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_rs"}),
		RequestsTotal:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "nop_rt"}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "nop_rd"}),
		registry:        prometheus.NewRegistry(),
	}
}

// Registry returns the Prometheus registry for this metrics instance, so
// callers (e.g. the payload store) can register additional instruments into
// the same namespace.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsServer serves Prometheus metrics via HTTP.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a metrics HTTP server.
func NewMetricsServer(addr string, metrics *Metrics, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Start begins serving metrics.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("metrics server starting", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the metrics server.
func (ms *MetricsServer) Stop() error {
	return ms.server.Close()
}
