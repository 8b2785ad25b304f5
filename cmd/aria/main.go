// Command aria is the desktop client for the Aria voice companion: it
// connects to the chat backend, plays inbound speech, and streams the
// microphone back.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/aria/internal/app"
	"github.com/MrWong99/aria/internal/config"
	"github.com/MrWong99/aria/internal/observe"
	"github.com/MrWong99/aria/pkg/audio/host"
	"github.com/MrWong99/aria/pkg/audio/host/miniaudio"
	hostmock "github.com/MrWong99/aria/pkg/audio/host/mock"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("devices", false, "list audio devices and exit")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// A .env file may carry ARIA_* overrides such as the auth token.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "aria: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aria: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aria: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("aria starting",
		"config", *configPath,
		"backend_url", cfg.Server.BackendURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Audio host registry ───────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinHosts(reg)

	if *listDevices {
		return printDevices(cfg, reg)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "aria",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, reg,
		app.WithLogLevel(level),
		app.WithConfigFile(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Typed lines become text turns, so the client stays usable without a
	// microphone. The goroutine blocks in stdin reads; process exit reaps it.
	go readStdin(ctx, application)

	// SIGHUP skips the poll delay and re-reads the config file right away.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			slog.Info("SIGHUP received, reloading configuration")
			application.ReloadConfig()
		}
	}()

	slog.Info("client ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Audio host wiring ─────────────────────────────────────────────────────────

// registerBuiltinHosts wires the audio backends that ship with Aria into reg.
func registerBuiltinHosts(reg *config.Registry) {
	// miniaudio drives the real platform devices through malgo.
	reg.RegisterHost("miniaudio", func(config.AudioConfig) (host.Host, error) {
		return miniaudio.New()
	})

	// mock performs no device I/O. Useful for headless runs and for
	// debugging the session path on machines without audio hardware.
	reg.RegisterHost("mock", func(config.AudioConfig) (host.Host, error) {
		return &hostmock.Host{}, nil
	})

	for _, name := range reg.Hosts() {
		slog.Debug("registered audio host", "name", name)
	}
}

// printDevices enumerates the playback and capture devices of the configured
// audio host, for the -devices flag.
func printDevices(cfg *config.Config, reg *config.Registry) int {
	h, err := reg.CreateHost(cfg.Audio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria: %v\n", err)
		return 1
	}
	defer h.Close()

	outputs, err := h.OutputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria: list playback devices: %v\n", err)
		return 1
	}
	inputs, err := h.InputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria: list capture devices: %v\n", err)
		return 1
	}

	fmt.Printf("Audio host: %s\n\n", cfg.Audio.Host)
	printDeviceList("Playback devices", outputs)
	printDeviceList("Capture devices", inputs)
	return 0
}

func printDeviceList(heading string, devices []host.DeviceInfo) {
	fmt.Printf("%s:\n", heading)
	if len(devices) == 0 {
		fmt.Println("  (none found)")
		fmt.Println()
		return
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, d.Name)
	}
	fmt.Println()
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        Aria — startup summary        ║")
	fmt.Println("╠══════════════════════════════════════╣")
	printRow("Backend", cfg.Server.BackendURL)
	printRow("Audio host", cfg.Audio.Host)
	printRow("Output", deviceLabel(cfg.Audio.Output.Device, true))
	printRow("Input", deviceLabel(cfg.Audio.Input.Device, cfg.Audio.Input.IsEnabled()))
	if cfg.History.IsEnabled() {
		printRow("History", cfg.History.Path)
	} else {
		printRow("History", "(disabled)")
	}
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics", cfg.Server.MetricsAddr)
	} else {
		printRow("Metrics", "(disabled)")
	}
	if cfg.Reconnect.MaxRetries > 0 {
		printRow("Reconnect", fmt.Sprintf("up to %d attempts", cfg.Reconnect.MaxRetries))
	} else {
		printRow("Reconnect", "forever")
	}
	fmt.Println("╚══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 22 {
		value = value[:19] + "…"
	}
	fmt.Printf("║  %-10s : %-22s ║\n", label, value)
}

func deviceLabel(device string, enabled bool) string {
	if !enabled {
		return "(disabled)"
	}
	if device == "" {
		return "(default)"
	}
	return device
}

// ── Text input ────────────────────────────────────────────────────────────────

// readStdin forwards typed lines to the companion as text turns. Delivery
// errors are logged and dropped; a line typed while the session is down is
// not queued for later.
func readStdin(ctx context.Context, a *app.App) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if err := a.SendText(ctx, text); err != nil {
			slog.Warn("text input not delivered", "err", err)
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned level is shared with the
// application so config reloads can adjust verbosity without a restart.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level.Slog())
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(h), lvl
}
