package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine service.
type Metrics struct {
	// --- Operations ---
	OperationsStarted    *prometheus.CounterVec
	OperationsCompleted  *prometheus.CounterVec
	OperationErrors      *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	FlashLoanSize        *prometheus.HistogramVec
	RealizedHealthFactor prometheus.Gauge
	OracleRate           prometheus.Gauge
	EnginePaused         prometheus.Gauge

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// --- Persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchSize   prometheus.Histogram
	PersistBatchDur    prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	PersistRetry       prometheus.Counter

	// --- Publishing & Channels ---
	PublishDrops       prometheus.Counter
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
	}

	return &Metrics{
		OperationsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loop_operations_started_total",
			Help: "Engine operations started",
		}, []string{"kind"}),

		OperationsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loop_operations_completed_total",
			Help: "Engine operations completed by outcome",
		}, []string{"kind", "outcome"}),

		OperationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loop_operation_errors_total",
			Help: "Engine operation failures by error kind",
		}, []string{"kind", "error_kind"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loop_operation_duration_seconds",
			Help:    "End-to-end operation duration",
			Buckets: opBuckets,
		}, []string{"kind"}),

		FlashLoanSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loop_flash_loan_size",
			Help:    "Flash loan principal in debt-asset units",
			Buckets: prometheus.ExponentialBuckets(0.01, 10, 10),
		}, []string{"kind"}),

		RealizedHealthFactor: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "loop_realized_health_factor",
			Help: "Health factor of the most recently opened position",
		}),

		OracleRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "loop_oracle_rate",
			Help: "Current oracle rate, debt units per collateral unit",
		}),

		EnginePaused: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "loop_engine_paused",
			Help: "1 when the engine is paused",
		}),

		// HTTP API
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loop_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loop_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),

		// Persistence
		PersistRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "loop_persist_rows_written_total",
			Help: "Operation records written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "loop_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "loop_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loop_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "loop_persist_retry_total",
			Help: "Persistence retries",
		}),

		// Publishing & Channels
		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "loop_publish_drops_total",
			Help: "Records dropped due to full publish channel",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loop_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loop_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loop_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
