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

// Metrics holds all worker metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs/callbacks take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: In-flight jobs (a single-flight worker saturates at 1)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Stream metrics (Errors)
	StreamReconnects metric.Int64Counter

	// Artifact metrics (Traffic, Errors)
	ArtifactsTotal     metric.Int64Counter
	StagingErrorsTotal metric.Int64Counter

	// Callback metrics (Latency, Traffic, Errors)
	CallbackDuration metric.Float64Histogram
	CallbacksTotal   metric.Int64Counter
	CallbacksFailed  metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("sidecar")
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
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs accepted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently executing jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Stream metrics
	m.StreamReconnects, err = meter.Int64Counter(
		"stream_reconnects_total",
		metric.WithDescription("Total event-stream reconnections"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Artifact metrics
	m.ArtifactsTotal, err = meter.Int64Counter(
		"artifacts_total",
		metric.WithDescription("Total output artifacts collected, by disposition"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Callback metrics
	m.CallbackDuration, err = meter.Float64Histogram(
		"callback_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbacksTotal, err = meter.Int64Counter(
		"callbacks_delivered_total",
		metric.WithDescription("Total callbacks successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbacksFailed, err = meter.Int64Counter(
		"callbacks_failed_total",
		metric.WithDescription("Total callbacks failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StagingErrorsTotal, err = meter.Int64Counter(
		"staging_errors_total",
		metric.WithDescription("Total input assets that failed to stage"),
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

// RecordJobStarted records a job entering execution.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	m.JobsTotal.Add(ctx, 1)
	m.JobsActive.Add(ctx, 1)
}

// RecordJobFinished records a job reaching its terminal status.
func (m *Metrics) RecordJobFinished(ctx context.Context, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(statusNameAttr(status))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1)

	if status != "completed" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordStreamReconnect records a successful event-stream reconnection.
func (m *Metrics) RecordStreamReconnect(ctx context.Context) {
	m.StreamReconnects.Add(ctx, 1)
}

// RecordArtifact records one collected artifact by disposition.
func (m *Metrics) RecordArtifact(ctx context.Context, disposition string) {
	m.ArtifactsTotal.Add(ctx, 1, metric.WithAttributes(dispositionAttr(disposition)))
}

// RecordCallbackDelivered records a successful callback delivery.
func (m *Metrics) RecordCallbackDelivered(ctx context.Context, durationSeconds float64) {
	m.CallbacksTotal.Add(ctx, 1)
	m.CallbackDuration.Record(ctx, durationSeconds)
}

// RecordCallbackFailed records a callback that exhausted its attempts.
func (m *Metrics) RecordCallbackFailed(ctx context.Context) {
	m.CallbacksFailed.Add(ctx, 1)
}

// RecordStagingError records one input asset that failed to stage.
func (m *Metrics) RecordStagingError(ctx context.Context) {
	m.StagingErrorsTotal.Add(ctx, 1)
}
