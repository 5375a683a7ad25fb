// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters (labelled by platform)
	EventsNormalized *prometheus.CounterVec
	DecodeFailures   *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	ConnectFailures  *prometheus.CounterVec
	EventsStored     prometheus.Counter
	StoreFailures    prometheus.Counter

	// Gauges
	ActiveConnections *prometheus.GaugeVec
	ViewerCount       *prometheus.GaugeVec

	// Histograms (seconds)
	DiscoveryPageDuration prometheus.Observer
	ConnectDuration       prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsNormalized = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamfeed_events_normalized_total", Help: "Normalized events emitted"}, []string{"platform"})
		DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamfeed_decode_failures_total", Help: "Frames or records dropped during decode/normalize"}, []string{"platform"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamfeed_reconnects_total", Help: "Reconnection attempts after unexpected close"}, []string{"platform"})
		ConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamfeed_connect_failures_total", Help: "Failed connect() calls"}, []string{"platform"})
		EventsStored = promauto.NewCounter(prometheus.CounterOpts{Name: "streamfeed_events_stored_total", Help: "Events persisted to the store"})
		StoreFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "streamfeed_store_failures_total", Help: "Event persistence failures"})
		ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "streamfeed_active_connections", Help: "Currently connected chat channels"}, []string{"platform"})
		ViewerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "streamfeed_viewer_count", Help: "Last observed concurrent viewer count"}, []string{"platform", "channel"})
		DiscoveryPageDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamfeed_discovery_page_duration_seconds", Help: "Discovery REST page round-trip seconds", Buckets: prometheus.DefBuckets})
		ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamfeed_connect_duration_seconds", Help: "Time from connect() to usable connection", Buckets: prometheus.DefBuckets})
	})
}

// The helpers below are nil-safe so adapter code can run without Init (tests).

// CountEvent records one normalized event for a platform.
func CountEvent(platform string) {
	if EventsNormalized != nil {
		EventsNormalized.WithLabelValues(platform).Inc()
	}
}

// CountDecodeFailure records one dropped frame/record.
func CountDecodeFailure(platform string) {
	if DecodeFailures != nil {
		DecodeFailures.WithLabelValues(platform).Inc()
	}
}

// CountReconnect records one reconnection signal.
func CountReconnect(platform string) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(platform).Inc()
	}
}

// CountConnectFailure records one failed connect call.
func CountConnectFailure(platform string) {
	if ConnectFailures != nil {
		ConnectFailures.WithLabelValues(platform).Inc()
	}
}

// ConnectionUp / ConnectionDown track the active connection gauge.
func ConnectionUp(platform string) {
	if ActiveConnections != nil {
		ActiveConnections.WithLabelValues(platform).Inc()
	}
}

func ConnectionDown(platform string) {
	if ActiveConnections != nil {
		ActiveConnections.WithLabelValues(platform).Dec()
	}
}

// CountEventStored records one event persisted to the store.
func CountEventStored() {
	if EventsStored != nil {
		EventsStored.Inc()
	}
}

// CountStoreFailure records one failed event insert.
func CountStoreFailure() {
	if StoreFailures != nil {
		StoreFailures.Inc()
	}
}

// SetViewerCount records the latest concurrent viewer count for a channel.
func SetViewerCount(platform, channel string, n int) {
	if ViewerCount != nil {
		ViewerCount.WithLabelValues(platform, channel).Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns the default logger annotated with the context's
// correlation id, when present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if corr := GetCorrelation(ctx); corr != "" {
		return slog.Default().With(slog.String("corr", corr))
	}
	return slog.Default()
}
