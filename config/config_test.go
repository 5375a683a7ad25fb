package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHZZK_CHANNELS", "")
	t.Setenv("SOOP_CHANNELS", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("RECONNECT_DELAY", "")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.ReconnectDelay != 5*time.Second || cfg.ReconnectMaxAttempts != 10 {
		t.Errorf("reconnect defaults = %v/%d", cfg.ReconnectDelay, cfg.ReconnectMaxAttempts)
	}
	if cfg.DBDsn == "" {
		t.Error("expected default DSN, got empty")
	}
}

func TestLoadChannelLists(t *testing.T) {
	t.Setenv("CHZZK_CHANNELS", "abc, def ,,ghi")
	t.Setenv("SOOP_CHANNELS", " s1 ")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.ChzzkChannels) != 3 || cfg.ChzzkChannels[1] != "def" {
		t.Errorf("ChzzkChannels = %q", cfg.ChzzkChannels)
	}
	if len(cfg.SoopChannels) != 1 || cfg.SoopChannels[0] != "s1" {
		t.Errorf("SoopChannels = %q", cfg.SoopChannels)
	}
}

func TestLoadReconnectOverrides(t *testing.T) {
	t.Setenv("RECONNECT_DELAY", "250ms")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "3")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ReconnectDelay != 250*time.Millisecond || cfg.ReconnectMaxAttempts != 3 {
		t.Errorf("overrides = %v/%d", cfg.ReconnectDelay, cfg.ReconnectMaxAttempts)
	}

	t.Setenv("RECONNECT_DELAY", "junk")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid RECONNECT_DELAY")
	}
}

func TestValidateIngestReady(t *testing.T) {
	t.Setenv("CHZZK_CHANNELS", "")
	t.Setenv("SOOP_CHANNELS", "")
	cfg, _ := Load()
	if err := cfg.ValidateIngestReady(); err == nil {
		t.Error("expected error when no channels configured")
	}

	t.Setenv("SOOP_CHANNELS", "s1")
	cfg, _ = Load()
	if err := cfg.ValidateIngestReady(); err != nil {
		t.Errorf("expected valid ingest config, got %v", err)
	}
}
