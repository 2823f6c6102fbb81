package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, infrastructure calls and jobs take
// - Traffic: Request, transition and notification throughput
// - Errors: Infrastructure failures, failed deliveries, stuck cleanups
// - Saturation: Admitted jobs against the admission limit, notifier queue depth
//
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration        metric.Float64Histogram
	JobsTotal          metric.Int64Counter
	JobTransitions     metric.Int64Counter
	JobsAdmitted       metric.Int64UpDownCounter
	CleanupsExhausted  metric.Int64Counter
	InvalidTransitions metric.Int64Counter

	// Infrastructure metrics (Latency, Errors)
	InfraDuration metric.Float64Histogram
	InfraRetries  metric.Int64Counter
	InfraErrors   metric.Int64Counter

	// Poller metrics
	PollDuration metric.Float64Histogram
	PollQueries  metric.Int64Counter

	// Notifier metrics (Latency, Traffic, Errors, Saturation)
	NotifierDuration   metric.Float64Histogram
	NotifierDelivered  metric.Int64Counter
	NotifierFailed     metric.Int64Counter
	NotifierDropped    metric.Int64Counter
	NotifierRequeued   metric.Int64Counter
	NotifierQueueSize  metric.Int64Gauge
	NotifierBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("pgsorchestrator")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from job creation to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(60, 300, 900, 1800, 3600, 7200, 14400, 28800, 57600, 86400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs received"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitions, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Total number of applied job state transitions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsAdmitted, err = meter.Int64UpDownCounter(
		"jobs_admitted",
		metric.WithDescription("Number of jobs holding an admission slot (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CleanupsExhausted, err = meter.Int64Counter(
		"job_cleanups_exhausted_total",
		metric.WithDescription("Total number of jobs left uncleaned after exhausting cleanup attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.InvalidTransitions, err = meter.Int64Counter(
		"job_invalid_transitions_total",
		metric.WithDescription("Total number of rejected triggers"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Infrastructure metrics
	m.InfraDuration, err = meter.Float64Histogram(
		"infra_call_duration_seconds",
		metric.WithDescription("Resource backend call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.InfraRetries, err = meter.Int64Counter(
		"infra_retries_total",
		metric.WithDescription("Total number of retried resource backend calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.InfraErrors, err = meter.Int64Counter(
		"infra_errors_total",
		metric.WithDescription("Total number of failed resource backend calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Poller metrics
	m.PollDuration, err = meter.Float64Histogram(
		"poll_cycle_duration_seconds",
		metric.WithDescription("Status poll cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollQueries, err = meter.Int64Counter(
		"poll_queries_total",
		metric.WithDescription("Total number of status queries by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifierDuration, err = meter.Float64Histogram(
		"notifier_duration_seconds",
		metric.WithDescription("Notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierDelivered, err = meter.Int64Counter(
		"notifier_delivered_total",
		metric.WithDescription("Total notifications successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierFailed, err = meter.Int64Counter(
		"notifier_failed_total",
		metric.WithDescription("Total notifications failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierDropped, err = meter.Int64Counter(
		"notifier_dropped_total",
		metric.WithDescription("Total notifications dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierRequeued, err = meter.Int64Counter(
		"notifier_requeued_total",
		metric.WithDescription("Total notifications requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierQueueSize, err = meter.Int64Gauge(
		"notifier_queue_size",
		metric.WithDescription("Current number of notifications in queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobReceived records a new job record being created.
func (m *Metrics) RecordJobReceived(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(validAttr(valid)))
}

// RecordTransition records an applied state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(fromAttr(from), toAttr(to)))
}

// RecordInvalidTransition records a trigger rejected by the state machine.
func (m *Metrics) RecordInvalidTransition(ctx context.Context, from, trigger string) {
	if m == nil {
		return
	}
	m.InvalidTransitions.Add(ctx, 1, metric.WithAttributes(fromAttr(from), triggerAttr(trigger)))
}

// RecordJobFinished records a job reaching a terminal state.
func (m *Metrics) RecordJobFinished(ctx context.Context, state string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(toAttr(state)))
}

// RecordAdmitted records an admission slot being taken (delta 1) or released (delta -1).
func (m *Metrics) RecordAdmitted(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.JobsAdmitted.Add(ctx, delta)
}

// RecordCleanupExhausted records a job that could not be cleaned up.
func (m *Metrics) RecordCleanupExhausted(ctx context.Context) {
	if m == nil {
		return
	}
	m.CleanupsExhausted.Add(ctx, 1)
}

// RecordInfraCall records a resource backend call with its outcome.
func (m *Metrics) RecordInfraCall(ctx context.Context, backend, op string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(backendAttr(backend), opAttr(op), successAttr(success))
	m.InfraDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.InfraErrors.Add(ctx, 1, attrs)
	}
}

// RecordInfraRetry records a retried resource backend call.
func (m *Metrics) RecordInfraRetry(ctx context.Context, backend, op string) {
	if m == nil {
		return
	}
	m.InfraRetries.Add(ctx, 1, metric.WithAttributes(backendAttr(backend), opAttr(op)))
}

// RecordPollCycle records one completed poll cycle.
func (m *Metrics) RecordPollCycle(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.PollDuration.Record(ctx, durationSeconds)
}

// RecordPollQuery records a single status query and its outcome
// (running, succeeded, failed, unknown, not_found, error).
func (m *Metrics) RecordPollQuery(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.PollQueries.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordNotifierDelivered records a successful notification delivery with its duration.
func (m *Metrics) RecordNotifierDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.NotifierDelivered.Add(ctx, 1)
	m.NotifierDuration.Record(ctx, durationSeconds)
}

// RecordNotifierFailed records a failed notification delivery.
func (m *Metrics) RecordNotifierFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotifierFailed.Add(ctx, 1)
}

// RecordNotifierDropped records a dropped notification.
func (m *Metrics) RecordNotifierDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotifierDropped.Add(ctx, 1)
}

// RecordNotifierRequeued records a requeued notification.
func (m *Metrics) RecordNotifierRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotifierRequeued.Add(ctx, 1)
}

// RecordNotifierQueueSize records the current queue size.
func (m *Metrics) RecordNotifierQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.NotifierQueueSize.Record(ctx, size)
}
