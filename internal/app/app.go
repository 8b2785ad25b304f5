// Package app wires all Aria subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the session and capture pumps, and Shutdown
// tears everything down in order.
//
// For testing, inject fakes via functional options (WithHost, WithDialer,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aria/internal/config"
	"github.com/MrWong99/aria/internal/health"
	"github.com/MrWong99/aria/internal/history"
	"github.com/MrWong99/aria/internal/observe"
	"github.com/MrWong99/aria/internal/session"
	"github.com/MrWong99/aria/pkg/audio"
	"github.com/MrWong99/aria/pkg/audio/host"
	"github.com/MrWong99/aria/pkg/chat"
)

// captureQueueDepth bounds the microphone frames buffered between the device
// callback and the session write pump. At the default rates one frame covers
// roughly 21 ms, so the queue absorbs well over half a second of hiccup.
const captureQueueDepth = 32

// App owns all subsystem lifetimes and runs the Aria voice client.
type App struct {
	cfg      *config.Config
	cfgPath  string
	watcher  *config.Watcher
	logLevel *slog.LevelVar

	metrics   *observe.Metrics
	hist      *history.Store
	host      host.Host
	engine    *audio.Engine
	dial      session.Dialer
	recon     *session.Reconnector
	healthSrv *health.Server

	// sessions carries freshly dialed sessions from the reconnect monitor
	// to the pump loop.
	sessions chan *chat.Session

	// frames carries microphone frames off the device callback thread.
	frames chan []byte

	// closers are run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHost injects an audio host instead of creating one from the registry.
// The caller keeps ownership; Shutdown will not close it.
func WithHost(h host.Host) Option {
	return func(a *App) { a.host = h }
}

// WithEngine injects an audio engine instead of creating one from the config.
// The caller keeps ownership; Shutdown will not close it.
func WithEngine(e *audio.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithDialer injects a session dialer instead of building one from
// server.backend_url.
func WithDialer(d session.Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithHistory injects a transcript store instead of opening one from
// history.path. The caller keeps ownership; Shutdown will not close it.
func WithHistory(s *history.Store) Option {
	return func(a *App) { a.hist = s }
}

// WithLogLevel hands the app the level var backing the slog handler so the
// config watcher can apply log-level changes without a restart.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConfigFile enables hot reloading of the file at path. Without it the
// config watcher is not started.
func WithConfigFile(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry supplies
// audio host factories and may be nil when WithHost is used. Use Option
// functions to inject test doubles for any subsystem.
//
// The OTel provider is process-global and is initialised by main, not here.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		metrics:  observe.DefaultMetrics(),
		sessions: make(chan *chat.Session, 2),
		frames:   make(chan []byte, captureQueueDepth),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Conversation history ──────────────────────────────────────────
	if err := a.initHistory(); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Audio host + engine ───────────────────────────────────────────
	if err := a.initAudio(reg); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 3. Session supervision ───────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 4. Monitoring endpoints ──────────────────────────────────────────
	a.initHealth()

	// ── 5. Config hot reload ─────────────────────────────────────────────
	a.initWatcher()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory opens the transcript store unless one was injected or history
// is disabled in the config.
func (a *App) initHistory() error {
	if a.hist != nil || !a.cfg.History.IsEnabled() {
		if a.hist == nil {
			slog.Info("conversation history disabled")
		}
		return nil
	}

	store, err := history.Open(history.Options{Dir: config.ExpandPath(a.cfg.History.Path)})
	if err != nil {
		return err
	}
	a.hist = store
	a.closers = append(a.closers, store.Close)

	slog.Info("conversation history open", "path", a.cfg.History.Path)
	return nil
}

// initAudio creates the audio host from the registry and the engine on top of
// it, unless either was injected.
func (a *App) initAudio(reg *config.Registry) error {
	if a.host == nil {
		if reg == nil {
			return errors.New("no audio host injected and no registry provided")
		}
		h, err := reg.CreateHost(a.cfg.Audio)
		if err != nil {
			return err
		}
		a.host = h
		a.closers = append(a.closers, h.Close)
	}

	if a.engine == nil {
		eng, err := audio.NewEngine(audio.EngineConfig{
			Host:        a.host,
			SourceRate:  a.cfg.Audio.SourceRate,
			CaptureRate: a.cfg.Audio.CaptureRate,
			Output: host.Params{
				Device:     a.cfg.Audio.Output.Device,
				SampleRate: a.cfg.Audio.Output.SampleRate,
				BlockSize:  a.cfg.Audio.Output.BlockSize,
			},
			Input: host.Params{
				Device:     a.cfg.Audio.Input.Device,
				SampleRate: a.cfg.Audio.Input.SampleRate,
				BlockSize:  a.cfg.Audio.Input.BlockSize,
			},
			Observer: observe.NewAudioObserver(a.metrics),
		})
		if err != nil {
			return err
		}
		a.engine = eng
		a.closers = append(a.closers, eng.Close)
	}

	return nil
}

// initSession builds the chat dialer from the config unless one was injected
// and puts the reconnector in front of it.
func (a *App) initSession() error {
	if a.dial == nil {
		client, err := chat.New(a.cfg.Server.BackendURL, chat.WithAuthToken(a.cfg.Server.AuthToken))
		if err != nil {
			return err
		}
		a.dial = client.Connect
	}

	a.recon = session.NewReconnector(session.ReconnectorConfig{
		Dial:        a.instrumentedDial(a.dial),
		MaxRetries:  a.cfg.Reconnect.MaxRetries,
		Backoff:     a.cfg.Reconnect.Backoff.Std(),
		MaxBackoff:  a.cfg.Reconnect.MaxBackoff.Std(),
		OnReconnect: a.onReconnect,
	})
	a.closers = append(a.closers, a.recon.Stop)
	return nil
}

// initHealth builds the monitoring HTTP server when server.metrics_addr is
// set. The server is started in Run.
func (a *App) initHealth() {
	if a.cfg.Server.MetricsAddr == "" {
		return
	}

	checkers := []health.Checker{
		{Name: "session", Check: a.checkSession},
		{Name: "audio", Check: a.checkAudio},
	}
	if a.hist != nil {
		checkers = append(checkers, health.Checker{Name: "history", Check: a.hist.Ping})
	}
	a.healthSrv = health.NewServer(a.cfg.Server.MetricsAddr, health.New(checkers...), a.metrics)
}

// initWatcher starts the config file watcher when a config path was given.
// Hot reload is best effort: a watcher that cannot start only costs the
// reload feature, never the client.
func (a *App) initWatcher() {
	if a.cfgPath == "" {
		return
	}
	w, err := config.NewWatcher(a.cfgPath)
	if err != nil {
		slog.Warn("config hot reload disabled", "path", a.cfgPath, "err", err)
		return
	}
	a.watcher = w
	a.closers = append(a.closers, func() error { w.Stop(); return nil })
}

// instrumentedDial wraps dial with a connect span and the dial latency
// histogram.
func (a *App) instrumentedDial(dial session.Dialer) session.Dialer {
	return func(ctx context.Context) (*chat.Session, error) {
		ctx, span := observe.StartSpan(ctx, "session.connect")
		defer span.End()

		start := time.Now()
		sess, err := dial(ctx)
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
		}
		a.metrics.RecordConnect(ctx, time.Since(start).Seconds(), status)
		return sess, err
	}
}

// onReconnect hands a fresh session to the pump loop. The send must never
// block the monitor goroutine: during shutdown nothing drains the channel,
// so the session is closed instead.
func (a *App) onReconnect(sess *chat.Session) {
	a.metrics.RecordReconnect(context.Background(), "ok")
	select {
	case a.sessions <- sess:
	default:
		_ = sess.Close()
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the monitoring endpoints, the config reload consumer,
// microphone capture, and the session pumps, then blocks until ctx is
// cancelled. Run returns the context's error on normal shutdown.
func (a *App) Run(ctx context.Context) error {
	if a.healthSrv != nil {
		a.healthSrv.Start()
	}

	if a.watcher != nil {
		go a.consumeConfigChanges(a.watcher)
	}

	if a.cfg.Audio.Input.IsEnabled() {
		// A denied microphone permission or missing device is not fatal;
		// the client still plays companion speech and accepts typed input.
		if err := a.engine.StartCapture(ctx, a.captureFrame); err != nil {
			slog.Error("microphone unavailable, continuing without capture", "err", err)
		}
	} else {
		slog.Info("microphone capture disabled by config")
	}

	if sess, err := a.recon.Connect(ctx); err != nil {
		slog.Error("initial connect failed, retrying in background", "err", err)
		a.recon.NotifyDisconnect()
	} else {
		a.sessions <- sess
	}
	a.recon.Monitor(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sessionLoop(ctx) })
	g.Go(func() error { return a.capturePump(ctx) })

	slog.Info("aria running",
		"backend", a.cfg.Server.BackendURL,
		"capture", a.cfg.Audio.Input.IsEnabled(),
	)
	return g.Wait()
}

// sessionLoop pumps one session at a time. A session arrives from the initial
// connect or from the reconnect monitor; the loop drains it until it dies,
// signals the monitor, and waits for the replacement.
func (a *App) sessionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sess := <-a.sessions:
			a.pumpSession(ctx, sess)
		}
	}
}

// pumpSession routes one session's inbound traffic until both channels close
// or ctx is cancelled: binary chunks feed the playback pipeline, JSON events
// go to the transcript and the log.
func (a *App) pumpSession(ctx context.Context, sess *chat.Session) {
	slog.Info("session established", "session_id", sess.ID())
	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(ctx, -1)

	// Pre-arm the output device so the companion's first words do not pay
	// the device setup latency.
	if err := a.engine.ArmPlayback(ctx); err != nil {
		slog.Warn("could not pre-arm playback", "err", err)
	}

	audioCh := sess.Audio()
	events := sess.Events()
	for audioCh != nil || events != nil {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			a.metrics.RecordSessionMessage(ctx, "in", "audio")
			if err := a.engine.EnqueuePlayback(ctx, chunk); err != nil {
				slog.Warn("dropping playback chunk", "err", err)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.handleEvent(ctx, sess.ID(), ev)
		}
	}

	// Both channels closed: the server side is gone. Cut playback rather
	// than drain it, then let the monitor redial.
	if err := sess.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("session lost", "session_id", sess.ID(), "err", err)
	}
	if err := a.engine.StopPlayback(); err != nil {
		slog.Warn("stop playback", "err", err)
	}
	if ctx.Err() == nil {
		a.recon.NotifyDisconnect()
	}
}

// handleEvent processes one inbound control event.
func (a *App) handleEvent(ctx context.Context, sessionID string, ev chat.Event) {
	a.metrics.RecordSessionMessage(ctx, "in", "text")
	a.metrics.RecordTextEvent(ctx, ev.Type)

	switch ev.Type {
	case chat.EventTextStream:
		slog.Info("companion text", "content", ev.Content)
		a.appendHistory(ctx, sessionID, history.RoleCompanion, ev.Content)
	default:
		slog.Debug("unhandled server event", "type", ev.Type)
	}
}

// appendHistory records one transcript entry, if the store is open.
func (a *App) appendHistory(ctx context.Context, sessionID string, role history.Role, text string) {
	if a.hist == nil || text == "" {
		return
	}
	ctx, span := observe.StartSpan(ctx, "history.append")
	defer span.End()

	err := a.hist.Append(ctx, history.Entry{
		SessionID: sessionID,
		Role:      role,
		Text:      text,
	})
	if err != nil {
		observe.Logger(ctx).Warn("failed to record transcript", "err", err)
	}
}

// captureFrame receives one encoded microphone frame. It runs on the device
// callback thread and must never block; when the pump is behind, the frame
// is dropped.
func (a *App) captureFrame(frame []byte) {
	select {
	case a.frames <- frame:
	default:
	}
}

// capturePump forwards queued microphone frames to the current session.
// Frames arriving while no session is up are discarded; the microphone keeps
// running across reconnects.
func (a *App) capturePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-a.frames:
			sess := a.recon.Session()
			if sess == nil {
				continue
			}
			if err := sess.SendAudio(frame); err != nil {
				continue
			}
			a.metrics.RecordSessionMessage(ctx, "out", "audio")
		}
	}
}

// SendText sends typed user input to the companion and records it in the
// transcript. It returns an error when no session is up.
func (a *App) SendText(ctx context.Context, text string) error {
	sess := a.recon.Session()
	if sess == nil {
		return errors.New("app: no active session")
	}
	if err := sess.SendText(ctx, text); err != nil {
		return fmt.Errorf("app: send text: %w", err)
	}
	a.metrics.RecordSessionMessage(ctx, "out", "text")
	a.appendHistory(ctx, sess.ID(), history.RoleUser, text)
	return nil
}

// consumeConfigChanges applies accepted config reloads until the watcher is
// stopped during Shutdown.
func (a *App) consumeConfigChanges(w *config.Watcher) {
	for change := range w.Changes() {
		a.applyConfigChange(change)
	}
}

// applyConfigChange applies one reload. Only the log level is applied live;
// everything else is reported as requiring a restart.
func (a *App) applyConfigChange(change config.Change) {
	d := change.Diff

	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(d.NewLogLevel.Slog())
			slog.Info("log level changed", "level", d.NewLogLevel)
		} else {
			slog.Warn("log level changed but no handler level is attached; restart to apply")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect",
			"settings", d.RestartRequired,
		)
	}
}

// ReloadConfig asks the watcher to re-read the config file now instead of at
// the next poll tick. It is a no-op when hot reload is disabled.
func (a *App) ReloadConfig() {
	if a.watcher != nil {
		a.watcher.Reload()
	}
}

// ─── Health checks ───────────────────────────────────────────────────────────

// checkSession reports ready while a live session is up.
func (a *App) checkSession(context.Context) error {
	sess := a.recon.Session()
	if sess == nil {
		return errors.New("no active session")
	}
	return sess.Err()
}

// checkAudio reports ready while the audio host answers device enumeration.
func (a *App) checkAudio(context.Context) error {
	_, err := a.host.OutputDevices()
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order: the session
// closes before the engine, the engine before the host. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Take the monitoring surface down first so probes stop reporting
		// ready while subsystems unwind.
		if a.healthSrv != nil {
			if err := a.healthSrv.Shutdown(ctx); err != nil {
				slog.Warn("monitoring server shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
