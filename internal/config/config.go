// Package config provides the configuration schema, loader, and audio host
// registry for the Aria desktop client.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Aria client.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to its log/slog level. Unknown values map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a time.Duration that unmarshals from YAML strings such as
// "250ms" or "1s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler using [time.ParseDuration] syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration structure for Aria.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// fields absent from the file keep the values from [Default].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	History   HistoryConfig   `yaml:"history"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ServerConfig holds connection and logging settings for the companion
// server session.
type ServerConfig struct {
	// BackendURL is the companion server base URL (e.g., "ws://localhost:8000").
	// http/https URLs are accepted and converted to the WebSocket scheme.
	BackendURL string `yaml:"backend_url" env:"ARIA_BACKEND_URL"`

	// AuthToken is sent as a Bearer token on connect when non-empty.
	AuthToken string `yaml:"auth_token" env:"ARIA_AUTH_TOKEN"`

	// MetricsAddr is the TCP address serving /metrics, /healthz, and /readyz
	// (e.g., "127.0.0.1:9464"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr" env:"ARIA_METRICS_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"ARIA_LOG_LEVEL"`
}

// AudioConfig holds the audio backend selection and both stream directions.
type AudioConfig struct {
	// Host selects the audio backend registered in the [Registry]
	// (e.g., "miniaudio").
	Host string `yaml:"host"`

	// SourceRate is the sample rate in Hz of the PCM the server streams to
	// us. Playback resamples from this rate to the output device rate.
	SourceRate int `yaml:"source_rate"`

	// CaptureRate is the sample rate in Hz of the microphone PCM sent to the
	// server. Capture decimates from the input device rate to this rate.
	CaptureRate int `yaml:"capture_rate"`

	// Output configures the playback stream.
	Output OutputConfig `yaml:"output"`

	// Input configures the capture stream.
	Input InputConfig `yaml:"input"`
}

// OutputConfig configures the playback device.
type OutputConfig struct {
	// Device selects an output device by name. Empty selects the default.
	Device string `yaml:"device"`

	// SampleRate is the requested device rate in Hz. Zero lets the host
	// choose; the honored rate may differ from the request either way.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the requested callback block length in samples. Zero lets
	// the host choose.
	BlockSize int `yaml:"block_size"`
}

// InputConfig configures the capture device.
type InputConfig struct {
	// Device selects an input device by name. Empty selects the default.
	Device string `yaml:"device"`

	// SampleRate is the requested device rate in Hz. Zero lets the host
	// choose; the honored rate may differ from the request either way.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the requested callback block length in samples. Zero lets
	// the host choose.
	BlockSize int `yaml:"block_size"`

	// Enabled toggles microphone capture. When nil, capture is enabled.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether capture is enabled. Unset means enabled.
func (c InputConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HistoryConfig holds settings for the local conversation transcript store.
type HistoryConfig struct {
	// Enabled toggles transcript persistence. When nil, history is enabled.
	Enabled *bool `yaml:"enabled"`

	// Path is the transcript database directory
	// (e.g., "~/.local/share/aria/history"). A leading "~/" expands to the
	// user's home directory.
	Path string `yaml:"path"`
}

// IsEnabled reports whether history is enabled. Unset means enabled.
func (c HistoryConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ReconnectConfig shapes the automatic reconnect loop for the server session.
type ReconnectConfig struct {
	// MaxRetries is the number of consecutive failed dials before giving up.
	// Zero retries forever.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the delay before the first redial attempt; it doubles per
	// consecutive failure.
	Backoff Duration `yaml:"backoff"`

	// MaxBackoff caps the per-attempt delay.
	MaxBackoff Duration `yaml:"max_backoff"`
}

// Default returns the built-in configuration: local companion server,
// miniaudio devices at their 48 kHz defaults, history under the XDG data dir.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BackendURL:  "ws://localhost:8000",
			MetricsAddr: "127.0.0.1:9464",
			LogLevel:    LogInfo,
		},
		Audio: AudioConfig{
			Host:        "miniaudio",
			SourceRate:  32000,
			CaptureRate: 16000,
			Output:      OutputConfig{SampleRate: 48000, BlockSize: 512},
			Input:       InputConfig{SampleRate: 48000, BlockSize: 1024},
		},
		History: HistoryConfig{
			Path: defaultHistoryPath(),
		},
		Reconnect: ReconnectConfig{
			MaxRetries: 10,
			Backoff:    Duration(time.Second),
			MaxBackoff: Duration(30 * time.Second),
		},
	}
}

// defaultHistoryPath follows the XDG base directory convention, falling back
// to a relative directory when no home directory is resolvable.
func defaultHistoryPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "aria", "history")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("aria-data", "history")
	}
	return filepath.Join(home, ".local", "share", "aria", "history")
}

// ExpandPath resolves a leading "~/" in path against the user's home
// directory. Paths without the prefix are returned unchanged.
func ExpandPath(path string) string {
	if len(path) < 2 || path[0] != '~' || !os.IsPathSeparator(path[1]) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
