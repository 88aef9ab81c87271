// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("WORKER_CONCURRENCY")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Concurrency["high"] != 5 {
		t.Fatalf("expected default high concurrency 5, got %d", cfg.Worker.Concurrency["high"])
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Retention.ResultMediaDays != 30 {
		t.Fatalf("expected default retention of 30 days, got %d", cfg.Retention.ResultMediaDays)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Concurrency["low"] = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.concurrency[low] < 1")
	}

	cfg = defaultConfig()
	delete(cfg.Worker.Backoff, "normal")
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing backoff entry")
	}

	cfg = defaultConfig()
	cfg.Worker.HeartbeatTTL = 3 * 1e9 // 3s
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for heartbeat ttl < 5s")
	}

	cfg = defaultConfig()
	cfg.Worker.BRPopLPushTimeout = cfg.Worker.HeartbeatTTL
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for brpoplpush_timeout > heartbeat_ttl/2")
	}

	cfg = defaultConfig()
	cfg.Retention.ResultMediaDays = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for non-positive retention")
	}
}

func TestTierOrderingStable(t *testing.T) {
	if len(Tiers) != 3 || Tiers[0] != "high" || Tiers[2] != "low" {
		t.Fatalf("unexpected tier ordering: %v", Tiers)
	}
}
