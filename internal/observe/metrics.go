// Package observe provides the observability primitives shared by the daemon:
// OpenTelemetry metrics, tracing helpers, trace-aware structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] bridges
// them into a Prometheus registry that the daemon serves on /metrics. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all agentvox metrics.
const meterName = "github.com/MrWong99/agentvox"

// Playback request outcomes recorded by [Metrics.RecordPlayback].
const (
	PlaybackPlayed  = "played"
	PlaybackStopped = "stopped"
	PlaybackCleared = "cleared"
	PlaybackFailed  = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the daemon.
type Metrics struct {
	// STTDuration tracks speech-to-text latency from the final segment of an
	// utterance to its final transcript.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PlaybackDuration tracks the audio duration of played items.
	PlaybackDuration metric.Float64Histogram

	// Segments counts audio segments emitted by segmenters. Use with
	// attribute.Bool("last", ...).
	Segments metric.Int64Counter

	// Utterances counts final transcripts.
	Utterances metric.Int64Counter

	// PlaybackRequests counts completed playback requests by status.
	PlaybackRequests metric.Int64Counter

	// PlaybackSuppressed counts items whose playback was deferred by
	// suppression.
	PlaybackSuppressed metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// playbackBuckets covers spoken replies from a short acknowledgement to a
// long status report.
var playbackBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("agentvox.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("agentvox.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("agentvox.playback.duration",
		metric.WithDescription("Audio duration of played items."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("agentvox.segments",
		metric.WithDescription("Total audio segments emitted by segmenters."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("agentvox.utterances",
		metric.WithDescription("Total final transcripts."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackRequests, err = m.Int64Counter("agentvox.playback.requests",
		metric.WithDescription("Total playback requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSuppressed, err = m.Int64Counter("agentvox.playback.suppressed",
		metric.WithDescription("Total playback items deferred by suppression."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("agentvox.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("agentvox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("agentvox.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("agentvox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSegment counts one emitted segment.
func (m *Metrics) RecordSegment(ctx context.Context, last bool) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("last", strconv.FormatBool(last))))
}

// RecordPlayback counts a completed playback request. played is the audio
// duration in seconds and is only observed for [PlaybackPlayed].
func (m *Metrics) RecordPlayback(ctx context.Context, status string, played float64) {
	m.PlaybackRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status == PlaybackPlayed {
		m.PlaybackDuration.Record(ctx, played)
	}
}
