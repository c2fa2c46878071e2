package lmtp

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds the Prometheus metrics of the LMTP server.
type Metrics struct {
	// Connection metrics
	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram

	Commands *prometheus.CounterVec

	// Recipient metrics, labelled by delivery kind and outcome
	Recipients *prometheus.CounterVec

	AdmissionWait     prometheus.Histogram
	AdmissionRejected prometheus.Counter

	// Message metrics
	MessageSize     prometheus.Histogram
	SpoolPromotions prometheus.Counter

	LocalDeliveries  *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	ProxyResults     *prometheus.CounterVec

	// TLS metrics
	TLSConnections       prometheus.Counter
	TLSHandshakeFailures prometheus.Counter
}

// GetMetrics returns the singleton metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "elemta_lmtp_connections_total",
			Help: "Total number of LMTP connections",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "elemta_lmtp_connections_active",
			Help: "Number of active LMTP connections",
		}),
		ConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "elemta_lmtp_connection_duration_seconds",
			Help:    "Duration of LMTP connections",
			Buckets: prometheus.DefBuckets,
		}),
		Commands: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "elemta_lmtp_commands_total",
			Help: "LMTP commands processed, by command and reply class",
		}, []string{"command", "result"}),
		Recipients: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "elemta_lmtp_recipients_total",
			Help: "RCPT outcomes by delivery kind",
		}, []string{"kind", "result"}),
		AdmissionWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "elemta_lmtp_admission_wait_seconds",
			Help:    "Time spent waiting for the concurrency admission check",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		AdmissionRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "elemta_lmtp_admission_rejected_total",
			Help: "Recipients rejected by the per-user concurrency limit",
		}),
		MessageSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "elemta_lmtp_message_size_bytes",
			Help:    "Size of received messages in bytes",
			Buckets: []float64{1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024},
		}),
		SpoolPromotions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "elemta_lmtp_spool_promotions_total",
			Help: "Message bodies moved from memory to a temporary file",
		}),
		LocalDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "elemta_lmtp_local_deliveries_total",
			Help: "Local mailbox deliveries by result",
		}, []string{"result"}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "elemta_lmtp_delivery_duration_seconds",
			Help:    "Duration of a single local delivery",
			Buckets: prometheus.DefBuckets,
		}),
		ProxyResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "elemta_lmtp_proxy_results_total",
			Help: "Proxied recipient results by reply class",
		}, []string{"result"}),
		TLSConnections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "elemta_lmtp_tls_connections_total",
			Help: "Total number of STARTTLS upgrades",
		}),
		TLSHandshakeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "elemta_lmtp_tls_handshake_failures_total",
			Help: "Total number of TLS handshake failures",
		}),
	}
}

// TrackDeliveryDuration times a local delivery and counts its result.
func (m *Metrics) TrackDeliveryDuration(f func() error) error {
	start := time.Now()
	err := f()
	m.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.LocalDeliveries.WithLabelValues("failed").Inc()
	} else {
		m.LocalDeliveries.WithLabelValues("saved").Inc()
	}
	return err
}

// TrackConnectionDuration wraps the lifetime of a connection.
func (m *Metrics) TrackConnectionDuration(f func()) {
	start := time.Now()
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
	defer func() {
		m.ConnectionDuration.Observe(time.Since(start).Seconds())
		m.ConnectionsActive.Dec()
	}()
	f()
}
