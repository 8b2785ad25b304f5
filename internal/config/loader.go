package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// ValidHostNames lists the audio host names shipped with Aria.
// Used by [Validate] to warn about unrecognised host names.
var ValidHostNames = []string{"miniaudio", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// the ARIA_* environment overlay, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: environment overlay: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.BackendURL == "" {
		errs = append(errs, errors.New("server.backend_url is required"))
	} else if u, err := url.Parse(cfg.Server.BackendURL); err != nil {
		errs = append(errs, fmt.Errorf("server.backend_url %q is not a valid URL: %w", cfg.Server.BackendURL, err))
	} else if !slices.Contains([]string{"ws", "wss", "http", "https"}, u.Scheme) {
		errs = append(errs, fmt.Errorf("server.backend_url scheme %q is invalid; valid schemes: ws, wss, http, https", u.Scheme))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio host: warn for unknown names, externally registered hosts are legal.
	validateHostName(cfg.Audio.Host)

	// Wire rates parameterize the resampling math and must be concrete.
	if cfg.Audio.SourceRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.source_rate %d must be positive", cfg.Audio.SourceRate))
	}
	if cfg.Audio.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}

	// Device parameters may be zero (host chooses) but never negative.
	if cfg.Audio.Output.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output.sample_rate %d must not be negative", cfg.Audio.Output.SampleRate))
	}
	if cfg.Audio.Output.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.output.block_size %d must not be negative", cfg.Audio.Output.BlockSize))
	}
	if cfg.Audio.Input.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input.sample_rate %d must not be negative", cfg.Audio.Input.SampleRate))
	}
	if cfg.Audio.Input.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.input.block_size %d must not be negative", cfg.Audio.Input.BlockSize))
	}

	// Capture never upsamples; frames stay at the device rate in that case.
	if cfg.Audio.Input.SampleRate > 0 && cfg.Audio.CaptureRate > cfg.Audio.Input.SampleRate {
		slog.Warn("audio.capture_rate exceeds audio.input.sample_rate; capture frames will keep the device rate",
			"capture_rate", cfg.Audio.CaptureRate,
			"input_sample_rate", cfg.Audio.Input.SampleRate,
		)
	}

	// History
	if cfg.History.IsEnabled() && cfg.History.Path == "" {
		errs = append(errs, errors.New("history.path is required when history is enabled"))
	}

	// Reconnect
	if cfg.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", cfg.Reconnect.MaxRetries))
	}
	if cfg.Reconnect.Backoff <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.backoff %s must be positive", cfg.Reconnect.Backoff))
	}
	if cfg.Reconnect.MaxBackoff < cfg.Reconnect.Backoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %s must be at least reconnect.backoff %s", cfg.Reconnect.MaxBackoff, cfg.Reconnect.Backoff))
	}

	return errors.Join(errs...)
}

// validateHostName logs a warning if name is non-empty and not a host name
// shipped with Aria.
func validateHostName(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidHostNames, name) {
		return
	}
	slog.Warn("unknown audio host name; may be a typo or an externally registered host",
		"name", name,
		"known", ValidHostNames,
	)
}
