// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parley-chat/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long the session connect ladder takes,
	// successful or not.
	ConnectDuration metric.Float64Histogram

	// RevealDuration tracks how long the paced reveal of an agent reply ran.
	RevealDuration metric.Float64Histogram

	// --- Counters ---

	// ConnectAttempts counts connect ladder attempts. Use with attributes:
	//   attribute.String("stage", "direct"|"token"|"signed_url"), attribute.String("status", "ok"|"error")
	ConnectAttempts metric.Int64Counter

	// MessagesSent counts outbound user messages. Use with attribute:
	//   attribute.String("path", "live"|"queued")
	MessagesSent metric.Int64Counter

	// MessagesReceived counts inbound events. Use with attribute:
	//   attribute.String("source", "user"|"agent")
	MessagesReceived metric.Int64Counter

	// EchoesSuppressed counts server echoes dropped by the transcript's
	// duplicate window.
	EchoesSuppressed metric.Int64Counter

	// DictationSessions counts dictation attempts. Use with attribute:
	//   attribute.String("status", "success"|"error"|"aborted")
	DictationSessions metric.Int64Counter

	// ArchiveWrites counts transcript archive writes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ArchiveWrites metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live agent sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueuedMessages tracks the number of messages waiting for a connection.
	QueuedMessages metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both quick connects and slow reveals of long replies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("parley.connect.duration",
		metric.WithDescription("Duration of the session connect ladder."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RevealDuration, err = m.Float64Histogram("parley.reveal.duration",
		metric.WithDescription("Duration of the paced reveal of an agent reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConnectAttempts, err = m.Int64Counter("parley.connect.attempts",
		metric.WithDescription("Total connect ladder attempts by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("parley.messages.sent",
		metric.WithDescription("Total outbound user messages by delivery path."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("parley.messages.received",
		metric.WithDescription("Total inbound session events by source."),
	); err != nil {
		return nil, err
	}
	if met.EchoesSuppressed, err = m.Int64Counter("parley.echoes.suppressed",
		metric.WithDescription("Total server echoes suppressed by the duplicate window."),
	); err != nil {
		return nil, err
	}
	if met.DictationSessions, err = m.Int64Counter("parley.dictation.sessions",
		metric.WithDescription("Total dictation attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveWrites, err = m.Int64Counter("parley.archive.writes",
		metric.WithDescription("Total transcript archive writes by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live agent sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueuedMessages, err = m.Int64UpDownCounter("parley.queued_messages",
		metric.WithDescription("Number of messages waiting for a connection."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnectAttempt records one rung of the connect ladder.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, stage, status string) {
	m.ConnectAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordMessageSent records an outbound user message. path is "live" for a
// direct send or "queued" for a message flushed from the pending queue.
func (m *Metrics) RecordMessageSent(ctx context.Context, path string) {
	m.MessagesSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("path", path)),
	)
}

// RecordMessageReceived records an inbound session event by source.
func (m *Metrics) RecordMessageReceived(ctx context.Context, source string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordDictation records a finished dictation attempt.
func (m *Metrics) RecordDictation(ctx context.Context, status string) {
	m.DictationSessions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordArchiveWrite records a transcript archive write outcome.
func (m *Metrics) RecordArchiveWrite(ctx context.Context, status string) {
	m.ArchiveWrites.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
