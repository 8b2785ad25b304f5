package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/aria/internal/config"
)

// Environment tests use t.Setenv and therefore must not run in parallel.

func TestLoadFromReader_EnvOverridesFile(t *testing.T) {
	t.Setenv("ARIA_BACKEND_URL", "wss://env.example.com")
	t.Setenv("ARIA_LOG_LEVEL", "error")

	yaml := `
server:
  backend_url: ws://file.example.com
  log_level: debug
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.BackendURL != "wss://env.example.com" {
		t.Errorf("backend_url: got %q, want the environment value", cfg.Server.BackendURL)
	}
	if cfg.Server.LogLevel != config.LogError {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogError)
	}
}

func TestLoadFromReader_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("ARIA_AUTH_TOKEN", "from-env")
	t.Setenv("ARIA_METRICS_ADDR", "0.0.0.0:9999")

	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.AuthToken != "from-env" {
		t.Errorf("auth_token: got %q, want %q", cfg.Server.AuthToken, "from-env")
	}
	if cfg.Server.MetricsAddr != "0.0.0.0:9999" {
		t.Errorf("metrics_addr: got %q, want %q", cfg.Server.MetricsAddr, "0.0.0.0:9999")
	}
}

func TestLoadFromReader_EnvValueIsValidated(t *testing.T) {
	t.Setenv("ARIA_LOG_LEVEL", "chatty")

	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected error for invalid log level from environment, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	yaml := `
server:
  backend_url: wss://chat.example.com
  auth_token: secret
  metrics_addr: ""
  log_level: warn
audio:
  host: mock
  source_rate: 24000
  capture_rate: 8000
  output:
    device: "USB Speakers"
    sample_rate: 44100
    block_size: 256
  input:
    device: "Headset Mic"
    sample_rate: 16000
    block_size: 320
    enabled: false
history:
  enabled: false
  path: /tmp/aria-history
reconnect:
  max_retries: 3
  backoff: 250ms
  max_backoff: 4s
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	off := false
	want := &config.Config{
		Server: config.ServerConfig{
			BackendURL: "wss://chat.example.com",
			AuthToken:  "secret",
			LogLevel:   config.LogWarn,
		},
		Audio: config.AudioConfig{
			Host:        "mock",
			SourceRate:  24000,
			CaptureRate: 8000,
			Output:      config.OutputConfig{Device: "USB Speakers", SampleRate: 44100, BlockSize: 256},
			Input:       config.InputConfig{Device: "Headset Mic", SampleRate: 16000, BlockSize: 320, Enabled: &off},
		},
		History: config.HistoryConfig{
			Enabled: &off,
			Path:    "/tmp/aria-history",
		},
		Reconnect: config.ReconnectConfig{
			MaxRetries: 3,
			Backoff:    config.Duration(250 * time.Millisecond),
			MaxBackoff: config.Duration(4 * time.Second),
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	yaml := `
server:
  backend_url: ""
  log_level: verbose
audio:
  capture_rate: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	// All failures should be joined into one error.
	errStr := err.Error()
	for _, want := range []string{"backend_url", "log_level", "capture_rate"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidHostNames(t *testing.T) {
	// Sanity-check that the list is populated.
	if len(config.ValidHostNames) == 0 {
		t.Fatal("ValidHostNames should not be empty")
	}
	if !slices.Contains(config.ValidHostNames, "miniaudio") {
		t.Error(`ValidHostNames should contain "miniaudio"`)
	}
}
