package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if EventsNormalized == nil {
		t.Error("EventsNormalized counter not initialized")
	}
	if DecodeFailures == nil {
		t.Error("DecodeFailures counter not initialized")
	}
	if Reconnects == nil {
		t.Error("Reconnects counter not initialized")
	}
	if ActiveConnections == nil {
		t.Error("ActiveConnections gauge not initialized")
	}
	if DiscoveryPageDuration == nil {
		t.Error("DiscoveryPageDuration histogram not initialized")
	}
	if ConnectDuration == nil {
		t.Error("ConnectDuration histogram not initialized")
	}
}

func TestHelpersNilSafeBeforeInit(t *testing.T) {
	// Helpers must be callable even when Init was never run (unit tests of
	// adapter packages rely on this). Init may already have run from another
	// test; either way nothing here should panic.
	CountEvent("chzzk")
	CountDecodeFailure("soop")
	CountReconnect("chzzk")
	CountConnectFailure("soop")
	ConnectionUp("chzzk")
	ConnectionDown("chzzk")
	SetViewerCount("soop", "ch1", 42)
}

func TestCounterIncrements(t *testing.T) {
	Init()

	before := counterValue(t, EventsNormalized.WithLabelValues("chzzk"))
	CountEvent("chzzk")
	CountEvent("chzzk")
	after := counterValue(t, EventsNormalized.WithLabelValues("chzzk"))
	if after-before != 2 {
		t.Errorf("EventsNormalized delta = %v, want 2", after-before)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || *metric.Histogram.SampleCount == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("empty context should have no correlation id")
	}
	ctx = WithCorrelation(ctx, "corr-1")
	if GetCorrelation(ctx) != "corr-1" {
		t.Errorf("GetCorrelation = %q, want corr-1", GetCorrelation(ctx))
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
