// Command streamfeed is the main entrypoint for the live-chat ingestion
// service. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts one chat adapter per configured channel (Chzzk and SOOP),
//     persisting every normalized event through the store sink.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status,
//     /events, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hyeonlog/streamfeed/chzzk"
	"github.com/hyeonlog/streamfeed/config"
	"github.com/hyeonlog/streamfeed/platform"
	"github.com/hyeonlog/streamfeed/server"
	"github.com/hyeonlog/streamfeed/soop"
	"github.com/hyeonlog/streamfeed/store"
	"github.com/hyeonlog/streamfeed/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateIngestReady(); err != nil {
		slog.Warn("starting without channels; only the HTTP surface will be active", slog.Any("err", err))
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamfeed", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := store.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := store.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := store.New(database)
	policy := platform.FixedDelay{Delay: cfg.ReconnectDelay, MaxAttempts: cfg.ReconnectMaxAttempts}
	registry := platform.NewRegistry()

	slog.Info("starting adapters",
		slog.Int("chzzk_channels", len(cfg.ChzzkChannels)),
		slog.Int("soop_channels", len(cfg.SoopChannels)))

	for _, ch := range cfg.ChzzkChannels {
		key := platform.ChannelKey{Platform: platform.PlatformChzzk, ChannelID: ch}
		c := chzzk.New(ch, chzzk.Options{Sink: sink, Policy: policy})
		if !registry.Add(key, c) {
			slog.Warn("duplicate channel ignored", slog.String("channel", key.String()))
			continue
		}
		go startAdapter(ctx, key, c, policy)
	}
	for _, ch := range cfg.SoopChannels {
		key := platform.ChannelKey{Platform: platform.PlatformSoop, ChannelID: ch}
		c := soop.New(ch, soop.Options{Sink: sink, Policy: policy})
		if !registry.Add(key, c) {
			slog.Warn("duplicate channel ignored", slog.String("channel", key.String()))
			continue
		}
		go startAdapter(ctx, key, c, policy)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/events/metrics)
	go func() {
		if err := server.Start(ctx, server.Deps{Registry: registry, DB: database, Events: sink}, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	registry.DisconnectAll()
}

// startAdapter drives the initial connect. Channels that are offline at boot
// are retried on the reconnect policy schedule; once connected, the adapter
// handles its own reconnection.
func startAdapter(ctx context.Context, key platform.ChannelKey, a platform.Adapter, policy platform.ReconnectPolicy) {
	for attempt := 1; ; attempt++ {
		err := a.Connect(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, platform.ErrClosed) || ctx.Err() != nil {
			return
		}
		delay, retry := policy.Next(attempt)
		if !retry {
			slog.Error("giving up on initial connect", slog.String("channel", key.String()), slog.Any("err", err))
			return
		}
		lvl := slog.LevelWarn
		if platform.IsFatalConnect(err) {
			// Channel simply not live yet; keep polling quietly.
			lvl = slog.LevelInfo
		}
		slog.Log(ctx, lvl, "initial connect failed",
			slog.String("channel", key.String()), slog.Int("attempt", attempt), slog.Any("err", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
