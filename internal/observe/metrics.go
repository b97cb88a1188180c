// Package observe provides application-wide observability for Voxline:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported via
// a Prometheus bridge set up by [InitProvider], so the standard /metrics
// endpoint keeps working. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxline metrics.
const meterName = "github.com/voxline-ai/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Histograms ---

	// ResponseLatency tracks time from utterance hand-off to the model's
	// first response audio.
	ResponseLatency metric.Float64Histogram

	// CallDuration tracks wall-clock call length. Use with attribute:
	//   attribute.String("end_reason", ...)
	CallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FramesDropped counts audio frames discarded under back-pressure.
	// Use with attribute: attribute.String("stage", ...)
	FramesDropped metric.Int64Counter

	// DecodeErrors counts inbound carrier payloads that could not be decoded.
	DecodeErrors metric.Int64Counter

	// ModelReconnects counts successful mid-call model reconnections.
	ModelReconnects metric.Int64Counter

	// BargeIns counts caller interruptions of agent speech.
	BargeIns metric.Int64Counter

	// FillerPlays counts filler clips that started playing.
	FillerPlays metric.Int64Counter

	// SetupFailures counts calls that never reached a ready model session.
	// Use with attribute: attribute.String("reason", ...)
	SetupFailures metric.Int64Counter

	// DialRequests counts outbound dial attempts. Use with attribute:
	//   attribute.String("status", ...)
	DialRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram boundaries (in seconds) sized for
// voice-pipeline response latencies.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10, 15,
}

// durationBuckets defines histogram boundaries (in seconds) for call length.
var durationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ResponseLatency, err = m.Float64Histogram("voxline.response.latency",
		metric.WithDescription("Time from caller utterance hand-off to first response audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxline.call.duration",
		metric.WithDescription("Wall-clock call duration by end reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.FramesDropped, err = m.Int64Counter("voxline.frames.dropped",
		metric.WithDescription("Audio frames discarded under back-pressure, by pipeline stage."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxline.carrier.decode_errors",
		metric.WithDescription("Inbound carrier payloads that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.ModelReconnects, err = m.Int64Counter("voxline.model.reconnects",
		metric.WithDescription("Successful mid-call model session reconnections."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxline.barge_ins",
		metric.WithDescription("Caller interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.FillerPlays, err = m.Int64Counter("voxline.filler.plays",
		metric.WithDescription("Filler clips that started playing."),
	); err != nil {
		return nil, err
	}
	if met.SetupFailures, err = m.Int64Counter("voxline.setup.failures",
		metric.WithDescription("Calls that never reached a ready model session, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DialRequests, err = m.Int64Counter("voxline.dial.requests",
		metric.WithDescription("Outbound dial attempts by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("voxline.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from [otel.GetMeterProvider]. Panics if instrument creation fails
// (does not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrameDrop counts one dropped frame at the given pipeline stage
// ("carrier-in", "carrier-out", "model-send", "convo").
func (m *Metrics) RecordFrameDrop(ctx context.Context, stage string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSetupFailure counts one failed call setup with its reason.
func (m *Metrics) RecordSetupFailure(ctx context.Context, reason string) {
	m.SetupFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCallEnd records the duration histogram for a finished call and
// decrements the active-call gauge.
func (m *Metrics) RecordCallEnd(ctx context.Context, endReason string, d time.Duration) {
	m.CallDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("end_reason", endReason)))
	m.ActiveCalls.Add(ctx, -1)
}

// RecordDial counts one outbound dial attempt by status ("ok", "rejected",
// "error").
func (m *Metrics) RecordDial(ctx context.Context, status string) {
	m.DialRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
