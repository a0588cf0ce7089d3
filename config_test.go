package server

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.LocalTTL != 10*time.Second || cfg.SharedTTL != 30*time.Second || cfg.StoreTimeout != 3*time.Second {
		t.Fatalf("unexpected ttl defaults: %+v", cfg)
	}
	if cfg.BatchSize != 50 || cfg.BatchInterval != time.Second {
		t.Fatalf("unexpected batch defaults: %+v", cfg)
	}
	if cfg.InstanceID == "" {
		t.Fatalf("instance id not generated")
	}
	// No secret means validation cannot be enforced.
	if !cfg.AuthOptional {
		t.Fatalf("missing JWT secret must force optional auth")
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("FIELD_ADDR", ":9999")
	t.Setenv("FIELD_INSTANCE_ID", "instance-7")
	t.Setenv("FIELD_JWT_SECRET", "s3cret")
	t.Setenv("FIELD_BATCH_SIZE", "25")
	t.Setenv("FIELD_BATCH_INTERVAL", "250ms")
	t.Setenv("FIELD_RATE_SACRED_PHRASES", "9")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.InstanceID != "instance-7" {
		t.Fatalf("environment ignored: %+v", cfg)
	}
	if cfg.BatchSize != 25 || cfg.BatchInterval != 250*time.Millisecond {
		t.Fatalf("batch knobs ignored: %+v", cfg)
	}
	if cfg.SacredPhrasesPerMinute != 9 {
		t.Fatalf("rate knob ignored: %+v", cfg)
	}
	if cfg.AuthOptional {
		t.Fatalf("auth should be enforced when a secret is configured")
	}
}
