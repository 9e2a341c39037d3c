package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults to load, got error: %v", err)
	}

	if cfg.Server.Port != "8090" {
		t.Errorf("expected default port '8090', got '%s'", cfg.Server.Port)
	}
	if cfg.Discovery.RetryCount != 3 {
		t.Errorf("expected 3 discovery retries by default, got %d", cfg.Discovery.RetryCount)
	}
	if cfg.Relay.MaxConsumers != 8 {
		t.Errorf("expected 8 max consumers by default, got %d", cfg.Relay.MaxConsumers)
	}
	if cfg.Relay.ProducerTimeout() != 10*time.Second {
		t.Errorf("expected producer timeout 10s, got %v", cfg.Relay.ProducerTimeout())
	}
	if cfg.Events.Lease() != time.Hour {
		t.Errorf("expected default lease 1h, got %v", cfg.Events.Lease())
	}
}

func TestLoadFromEnv(t *testing.T) {
	_ = os.Setenv("CASTBRIDGE_RELAY_MAX_CONSUMERS", "2")
	defer func() { _ = os.Unsetenv("CASTBRIDGE_RELAY_MAX_CONSUMERS") }()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.MaxConsumers != 2 {
		t.Errorf("expected env override to set max consumers to 2, got %d", cfg.Relay.MaxConsumers)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "castbridge.yaml")
	contents := []byte("server:\n  port: \"9999\"\nrelay:\n  max_buffer_frames: 16\n")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("expected port '9999' from file, got '%s'", cfg.Server.Port)
	}
	if cfg.Relay.MaxBufferFrames != 16 {
		t.Errorf("expected 16 buffer frames from file, got %d", cfg.Relay.MaxBufferFrames)
	}
	// Untouched sections keep their defaults.
	if cfg.Relay.MaxConsumers != 8 {
		t.Errorf("expected default max consumers, got %d", cfg.Relay.MaxConsumers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero consumers", func(c *Config) { c.Relay.MaxConsumers = 0 }},
		{"zero buffer", func(c *Config) { c.Relay.MaxBufferFrames = 0 }},
		{"zero retries", func(c *Config) { c.Discovery.RetryCount = 0 }},
		{"zero producer timeout", func(c *Config) { c.Relay.ProducerTimeoutSec = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
