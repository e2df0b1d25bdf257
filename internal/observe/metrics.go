// Package observe provides application-wide observability primitives for
// Andee: OpenTelemetry metrics with a Prometheus exporter bridge so the
// session core can be scraped via the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all Andee metrics.
const meterName = "github.com/andee-ai/andee"

// Metrics holds all OpenTelemetry metric instruments for the voice session
// core. All fields are safe for concurrent use — the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// FramesCaptured counts microphone frames encoded and handed to the
	// transport.
	FramesCaptured metric.Int64Counter

	// AudioBytesSent counts outbound PCM payload bytes (pre-encoding).
	AudioBytesSent metric.Int64Counter

	// ChunksScheduled counts inbound audio chunks queued for playback.
	ChunksScheduled metric.Int64Counter

	// Interruptions counts agent-issued interruption signals.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolDuration tracks tool handler execution latency.
	ToolDuration metric.Float64Histogram

	// SessionOpens counts session open attempts. Use with attributes:
	//   attribute.String("mode", "user"|"proactive"), attribute.String("status", ...)
	SessionOpens metric.Int64Counter

	// TransportErrors counts transport-level failures that ended a session.
	TransportErrors metric.Int64Counter

	// ActiveSessions tracks the number of currently open call sessions
	// (0 or 1 per controller).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// local handler latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("andee.capture.frames",
		metric.WithDescription("Total microphone frames captured and encoded."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("andee.capture.bytes",
		metric.WithDescription("Total outbound PCM payload bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("andee.playback.chunks",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("andee.playback.interruptions",
		metric.WithDescription("Total interruption signals received from the agent."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("andee.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("andee.tool.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionOpens, err = m.Int64Counter("andee.session.opens",
		metric.WithDescription("Total session open attempts by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("andee.session.transport_errors",
		metric.WithDescription("Total transport failures that ended a session."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("andee.session.active",
		metric.WithDescription("Number of currently open call sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance backed by the
// global OTel meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation cannot fail against the no-op provider.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
