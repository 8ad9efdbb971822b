package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "telemetry_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestTotal   *prometheus.CounterVec
	ingestLatency *prometheus.HistogramVec

	validationRejects *prometheus.CounterVec
	validationWarns   prometheus.Counter

	pipelineDrops *prometheus.CounterVec
	pipelineSkips *prometheus.CounterVec

	storeTotal   *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec

	aggregationQueries *prometheus.CounterVec
	aggregationLatency *prometheus.HistogramVec
	aggregationEvents  prometheus.Gauge

	anomaliesTotal *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec

	healthStatus *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
)

// Init registers engine metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		ingestTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_total",
				Help: "Total tracked events by result",
			},
			[]string{"result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Track call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		validationRejects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "validation_rejects_total",
				Help: "Total validation rejections by field",
			},
			[]string{"field"},
		)
		validationWarns = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "validation_warnings_total",
				Help: "Total validation warnings (PII and similar non-fatal findings)",
			},
		)

		pipelineDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "pipeline_drops_total",
				Help: "Total events dropped by pipeline step",
			},
			[]string{"step"},
		)
		pipelineSkips = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "pipeline_step_skips_total",
				Help: "Total pipeline step failures skipped under continue-on-error",
			},
			[]string{"step"},
		)

		storeTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_total",
				Help: "Total storage writes by result",
			},
			[]string{"result"},
		)
		storeLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "store_latency_seconds",
				Help:    "Storage write latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		aggregationQueries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_queries_total",
				Help: "Total aggregation queries by result",
			},
			[]string{"result"},
		)
		aggregationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "aggregation_query_latency_seconds",
				Help:    "Aggregation query latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		aggregationEvents = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "aggregation_buffered_events",
				Help: "Events currently buffered by the aggregation engine",
			},
		)

		anomaliesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "anomalies_total",
				Help: "Total detected anomalies by type and severity",
			},
			[]string{"type", "severity"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total export executions by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Export execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		healthStatus = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "health_status",
				Help: "Health status per check (1 healthy, 0.5 degraded, 0 unhealthy)",
			},
			[]string{"check"},
		)

		errorsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "errors_total",
				Help: "Total handled errors by category and severity",
			},
			[]string{"category", "severity"},
		)

		prometheus.MustRegister(
			ingestTotal,
			ingestLatency,
			validationRejects,
			validationWarns,
			pipelineDrops,
			pipelineSkips,
			storeTotal,
			storeLatency,
			aggregationQueries,
			aggregationLatency,
			aggregationEvents,
			anomaliesTotal,
			exportTotal,
			exportLatency,
			healthStatus,
			errorsTotal,
		)
	})
}

// ObserveIngest records one tracked event.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestTotal != nil {
		ingestTotal.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncValidationReject counts a rejected field.
func IncValidationReject(field string) {
	if field == "" {
		field = "unknown"
	}
	if validationRejects != nil {
		validationRejects.WithLabelValues(field).Inc()
	}
}

// IncValidationWarning counts a non-fatal validation finding.
func IncValidationWarning() {
	if validationWarns != nil {
		validationWarns.Inc()
	}
}

// IncPipelineDrop counts an event dropped by a pipeline step.
func IncPipelineDrop(step string) {
	if step == "" {
		step = "unknown"
	}
	if pipelineDrops != nil {
		pipelineDrops.WithLabelValues(step).Inc()
	}
}

// IncPipelineSkip counts a failed step skipped under continue-on-error.
func IncPipelineSkip(step string) {
	if step == "" {
		step = "unknown"
	}
	if pipelineSkips != nil {
		pipelineSkips.WithLabelValues(step).Inc()
	}
}

// ObserveStore records one storage write.
func ObserveStore(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if storeTotal != nil {
		storeTotal.WithLabelValues(result).Inc()
	}
	if storeLatency != nil {
		storeLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveAggregationQuery records one aggregation query.
func ObserveAggregationQuery(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if aggregationQueries != nil {
		aggregationQueries.WithLabelValues(result).Inc()
	}
	if aggregationLatency != nil {
		aggregationLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// SetAggregationBuffered sets the buffered event gauge.
func SetAggregationBuffered(n int) {
	if aggregationEvents != nil {
		aggregationEvents.Set(float64(n))
	}
}

// IncAnomaly counts a detected anomaly.
func IncAnomaly(anomalyType, severity string) {
	if anomalyType == "" {
		anomalyType = "unknown"
	}
	if severity == "" {
		severity = "unknown"
	}
	if anomaliesTotal != nil {
		anomaliesTotal.WithLabelValues(anomalyType, severity).Inc()
	}
}

// ObserveExport records one export execution.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// SetHealthStatus records a check verdict as a gauge.
func SetHealthStatus(check string, value float64) {
	if check == "" {
		check = "overall"
	}
	if healthStatus != nil {
		healthStatus.WithLabelValues(check).Set(value)
	}
}

// IncError counts one handled error.
func IncError(category, severity string) {
	if category == "" {
		category = "unknown"
	}
	if severity == "" {
		severity = "unknown"
	}
	if errorsTotal != nil {
		errorsTotal.WithLabelValues(category, severity).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
