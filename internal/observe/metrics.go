// Package observe provides application-wide observability primitives for
// songsnap: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all songsnap metrics.
const meterName = "github.com/MrWong99/songsnap"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// SessionDuration tracks recognition session wall time. Use with
	// attribute.String("outcome", ...).
	SessionDuration metric.Float64Histogram

	// ChunkSendDuration tracks the time from dequeuing a chunk to its frame
	// being fully written, including waiting for a connection.
	ChunkSendDuration metric.Float64Histogram

	// --- Counters ---

	// Outcomes counts terminal session outcomes. Use with attribute:
	//   attribute.String("outcome", ...)
	Outcomes metric.Int64Counter

	// ChunksSent counts chunks fully written to the recognition service.
	ChunksSent metric.Int64Counter

	// Responses counts service responses. Use with attribute:
	//   attribute.String("outcome", ...)
	Responses metric.Int64Counter

	// ConnectionDrops counts connection attempts that closed or failed.
	ConnectionDrops metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running recognition sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for chunk
// sends, which usually complete in a few milliseconds.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers recognition sessions bounded by the recording limit
// plus the grace period.
var sessionBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 12, 17, 25, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("songsnap.session.duration",
		metric.WithDescription("Wall time of recognition sessions by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkSendDuration, err = m.Float64Histogram("songsnap.chunk.send.duration",
		metric.WithDescription("Latency of sending one audio chunk, including connection waits."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Outcomes, err = m.Int64Counter("songsnap.session.outcomes",
		metric.WithDescription("Total recognition outcomes by kind."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("songsnap.chunks.sent",
		metric.WithDescription("Total audio chunks written to the recognition service."),
	); err != nil {
		return nil, err
	}
	if met.Responses, err = m.Int64Counter("songsnap.responses",
		metric.WithDescription("Total recognition service responses by kind."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionDrops, err = m.Int64Counter("songsnap.connection.drops",
		metric.WithDescription("Total duplex connection attempts that closed or failed."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("songsnap.active_sessions",
		metric.WithDescription("Number of running recognition sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("songsnap.http.request.duration",
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

// RecordSession records the end of a recognition session: its duration and
// its outcome label.
func (m *Metrics) RecordSession(ctx context.Context, d time.Duration, outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.SessionDuration.Record(ctx, d.Seconds(), attrs)
	m.Outcomes.Add(ctx, 1, attrs)
}

// RecordChunkSent records one chunk fully written after d.
func (m *Metrics) RecordChunkSent(ctx context.Context, d time.Duration) {
	m.ChunksSent.Add(ctx, 1)
	m.ChunkSendDuration.Record(ctx, d.Seconds())
}

// RecordResponse records one service response.
func (m *Metrics) RecordResponse(ctx context.Context, outcome string) {
	m.Responses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// CaptureStats is a point-in-time view of the capture source.
type CaptureStats struct {
	Subscribers int64
	Captured    int64
	Overruns    int64
	Level       float64
}

// ObserveCapture registers asynchronous instruments that read stats on every
// collection: the capture subscriber count, the total captured chunks, the
// bytes dropped on overrun and the current loudness level. The returned function unregisters them.
func (m *Metrics) ObserveCapture(stats func() CaptureStats) (unregister func() error, err error) {
	subscribers, err := m.meter.Int64ObservableGauge("songsnap.capture.subscribers",
		metric.WithDescription("Number of consumers subscribed to the capture source."),
	)
	if err != nil {
		return nil, err
	}
	captured, err := m.meter.Int64ObservableCounter("songsnap.capture.chunks",
		metric.WithDescription("Total audio chunks read from capture devices."),
	)
	if err != nil {
		return nil, err
	}
	overruns, err := m.meter.Int64ObservableCounter("songsnap.capture.overrun_bytes",
		metric.WithDescription("Total audio bytes dropped because capture reads fell behind."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	level, err := m.meter.Float64ObservableGauge("songsnap.capture.level",
		metric.WithDescription("Current normalised loudness level in [0,1]."),
	)
	if err != nil {
		return nil, err
	}

	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(subscribers, s.Subscribers)
		o.ObserveInt64(captured, s.Captured)
		o.ObserveInt64(overruns, s.Overruns)
		o.ObserveFloat64(level, s.Level)
		return nil
	}, subscribers, captured, overruns, level)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}
