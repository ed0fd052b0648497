package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the int64 sum data points of name keyed by the value of
// attribute key.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestRecordSession(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSession(ctx, 3*time.Second, "success")
	m.RecordSession(ctx, 9*time.Second, "error.bad_connection")
	m.RecordSession(ctx, 2*time.Second, "success")

	rm := collect(t, reader)
	outcomes := sumByAttr(t, rm, "songsnap.session.outcomes", "outcome")
	if outcomes["success"] != 2 || outcomes["error.bad_connection"] != 1 {
		t.Errorf("outcomes = %v", outcomes)
	}

	met := findMetric(rm, "songsnap.session.duration")
	if met == nil {
		t.Fatal("session.duration not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("session.duration count = %d, want 3", count)
	}
}

func TestRecordChunkSentAndResponse(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	for range 5 {
		m.RecordChunkSent(ctx, 2*time.Millisecond)
	}
	m.RecordResponse(ctx, "no_matches")
	m.RecordResponse(ctx, "success")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "songsnap.chunks.sent", "none")[""]; got != 5 {
		t.Errorf("chunks.sent = %d, want 5", got)
	}
	responses := sumByAttr(t, rm, "songsnap.responses", "outcome")
	if responses["no_matches"] != 1 || responses["success"] != 1 {
		t.Errorf("responses = %v", responses)
	}
	met := findMetric(rm, "songsnap.chunk.send.duration")
	if met == nil {
		t.Fatal("chunk.send.duration not found")
	}
	if dp := met.Data.(metricdata.Histogram[float64]).DataPoints; len(dp) != 1 || dp[0].Count != 5 {
		t.Errorf("chunk.send.duration points = %+v", dp)
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "songsnap.active_sessions", "none")[""]; got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
}

func TestObserveCapture(t *testing.T) {
	m, reader := newTestMetrics(t)

	stats := CaptureStats{Subscribers: 2, Captured: 40, Overruns: 960, Level: 0.25}
	unregister, err := m.ObserveCapture(func() CaptureStats { return stats })
	if err != nil {
		t.Fatalf("ObserveCapture: %v", err)
	}

	rm := collect(t, reader)
	subs := findMetric(rm, "songsnap.capture.subscribers")
	if subs == nil {
		t.Fatal("capture.subscribers not found")
	}
	if g := subs.Data.(metricdata.Gauge[int64]); len(g.DataPoints) != 1 || g.DataPoints[0].Value != 2 {
		t.Errorf("capture.subscribers = %+v", g.DataPoints)
	}
	if got := sumByAttr(t, rm, "songsnap.capture.chunks", "none")[""]; got != 40 {
		t.Errorf("capture.chunks = %d, want 40", got)
	}
	if got := sumByAttr(t, rm, "songsnap.capture.overrun_bytes", "none")[""]; got != 960 {
		t.Errorf("capture.overrun_bytes = %d, want 960", got)
	}
	level := findMetric(rm, "songsnap.capture.level")
	if level == nil {
		t.Fatal("capture.level not found")
	}
	if g := level.Data.(metricdata.Gauge[float64]); len(g.DataPoints) != 1 || g.DataPoints[0].Value != 0.25 {
		t.Errorf("capture.level = %+v", g.DataPoints)
	}

	if err := unregister(); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	rm = collect(t, reader)
	if met := findMetric(rm, "songsnap.capture.level"); met != nil {
		if g := met.Data.(metricdata.Gauge[float64]); len(g.DataPoints) != 0 {
			t.Errorf("capture.level still observed after unregister: %+v", g.DataPoints)
		}
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
