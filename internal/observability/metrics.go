package observability

import (
	"cloudproc/internal/compute"
	"cloudproc/internal/notify"
	"cloudproc/internal/tracker"
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the golden signals of a cloudproc process:
// - Latency: HTTP requests and call durations
// - Traffic: requests, invocations, notifications
// - Errors: failed requests, invocations and calls
// - Saturation: queue depth and busy workers
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Compute metrics (Latency, Traffic, Errors, Saturation)
	InvocationsTotal      metric.Int64Counter
	InvocationErrorsTotal metric.Int64Counter
	CallDuration          metric.Float64Histogram
	CallsTotal            metric.Int64Counter
	CallErrorsTotal       metric.Int64Counter
	QueueDepth            metric.Int64Gauge
	BusyWorkers           metric.Int64UpDownCounter

	// Runtime metadata cache
	MetaCacheLookups metric.Int64Counter

	// Notifier
	NotificationsTotal metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("cloudproc")
	m := &Metrics{meter: meter}

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

	m.InvocationsTotal, err = meter.Int64Counter(
		"invocations_total",
		metric.WithDescription("Total number of calls handed to a compute backend"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.InvocationErrorsTotal, err = meter.Int64Counter(
		"invocation_errors_total",
		metric.WithDescription("Total number of invocations a backend rejected"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallDuration, err = meter.Float64Histogram(
		"call_duration_seconds",
		metric.WithDescription("Function call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallsTotal, err = meter.Int64Counter(
		"calls_total",
		metric.WithDescription("Total number of completed calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallErrorsTotal, err = meter.Int64Counter(
		"call_errors_total",
		metric.WithDescription("Total number of failed calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"queue_depth",
		metric.WithDescription("Calls waiting for a worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BusyWorkers, err = meter.Int64UpDownCounter(
		"busy_workers",
		metric.WithDescription("Workers currently running a call (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MetaCacheLookups, err = meter.Int64Counter(
		"runtime_meta_cache_lookups_total",
		metric.WithDescription("Runtime metadata cache lookups by hit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationsTotal, err = meter.Int64Counter(
		"notifications_total",
		metric.WithDescription("Call-completion notifications by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
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

// RecordInvocation records a call handed to a backend.
func (m *Metrics) RecordInvocation(ctx context.Context, backend string, err error) {
	attrs := WithBackend(backend)
	m.InvocationsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.InvocationErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordCallCompleted records a finished call.
func (m *Metrics) RecordCallCompleted(ctx context.Context, backend, function string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(backendAttr(backend), functionAttr(function), successAttr(success))
	m.CallDuration.Record(ctx, durationSeconds, attrs)
	m.CallsTotal.Add(ctx, 1, attrs)
	if !success {
		m.CallErrorsTotal.Add(ctx, 1, attrs)
	}
}

// SetQueueDepth records the number of calls waiting on a backend.
func (m *Metrics) SetQueueDepth(ctx context.Context, backend string, depth int) {
	m.QueueDepth.Record(ctx, int64(depth), WithBackend(backend))
}

// AdjustBusyWorkers moves the busy worker count by delta.
func (m *Metrics) AdjustBusyWorkers(ctx context.Context, backend string, delta int) {
	m.BusyWorkers.Add(ctx, int64(delta), WithBackend(backend))
}

// RecordMetaCacheLookup records a runtime metadata cache lookup.
func (m *Metrics) RecordMetaCacheLookup(ctx context.Context, hit bool) {
	m.MetaCacheLookups.Add(ctx, 1, metric.WithAttributes(hitAttr(hit)))
}

// RecordNotification records a notification outcome: delivered, failed,
// dropped or skipped.
func (m *Metrics) RecordNotification(ctx context.Context, outcome string) {
	m.NotificationsTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

var (
	_ compute.MetricsRecorder = (*Metrics)(nil)
	_ tracker.MetricsRecorder = (*Metrics)(nil)
	_ notify.MetricsRecorder  = (*Metrics)(nil)
)
