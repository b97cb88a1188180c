package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestResponseLatencyHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ResponseLatency.Record(ctx, 0.8)
	m.ResponseLatency.Record(ctx, 1.2)

	rm := collect(t, reader)
	met := findMetric(rm, "voxline.response.latency")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestRecordFrameDrop(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameDrop(ctx, "carrier-out", 3)
	m.RecordFrameDrop(ctx, "carrier-out", 2)
	m.RecordFrameDrop(ctx, "model-send", 1)
	m.RecordFrameDrop(ctx, "model-send", 0) // no-op

	rm := collect(t, reader)
	met := findMetric(rm, "voxline.frames.dropped")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "stage" && kv.Value.AsString() == "carrier-out" {
				if dp.Value != 5 {
					t.Errorf("carrier-out drops = %d, want 5", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with stage=carrier-out not found")
}

func TestRecordSetupFailure(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSetupFailure(ctx, "setup-timeout")

	rm := collect(t, reader)
	met := findMetric(rm, "voxline.setup.failures")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("sum = %+v, want one point of value 1", sum.DataPoints)
	}
}

func TestRecordCallEnd(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveCalls.Add(ctx, 1)
	m.RecordCallEnd(ctx, "silence-timeout", 42*time.Second)

	rm := collect(t, reader)

	met := findMetric(rm, "voxline.call.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no duration data points")
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 || dp.Sum < 41 || dp.Sum > 43 {
		t.Errorf("duration point = count %d sum %.1f", dp.Count, dp.Sum)
	}
	found := false
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == "end_reason" && kv.Value.AsString() == "silence-timeout" {
			found = true
		}
	}
	if !found {
		t.Error("missing end_reason attribute")
	}

	active := findMetric(rm, "voxline.active_calls")
	if active == nil {
		t.Fatal("active_calls metric not found")
	}
	sum, ok := active.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("active_calls is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 0 {
		t.Errorf("active calls = %+v, want back to 0", sum.DataPoints)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ModelReconnects.Add(ctx, 1)
	m.BargeIns.Add(ctx, 2)
	m.FillerPlays.Add(ctx, 3)
	m.DecodeErrors.Add(ctx, 4)
	m.RecordDial(ctx, "ok")

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"voxline.model.reconnects", 1},
		{"voxline.barge_ins", 2},
		{"voxline.filler.plays", 3},
		{"voxline.carrier.decode_errors", 4},
		{"voxline.dial.requests", 1},
	}
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("counter value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "voxline.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
