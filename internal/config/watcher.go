package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Change describes one accepted reload of the configuration file. Diff is
// always computed between Old and New, so a consumer that fell behind still
// sees the full span of what changed.
type Change struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// Watcher re-reads the configuration file when it changes and publishes each
// accepted reload on Changes. It polls rather than subscribing to OS file
// events: a hand-edited file does not need millisecond latency, and polling
// avoids a platform notification dependency.
//
// Invalid or unparsable file states are logged and skipped; Current and
// Changes only ever carry configurations that passed validation.
type Watcher struct {
	path     string
	interval time.Duration

	changes  chan Change
	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	current *Config

	// File state for change detection; owned by the poll goroutine after
	// the initial load.
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the file at path and starts watching it. The initial load
// must succeed; after that, a failed reload keeps the previous configuration.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		changes:  make(chan Change, 1),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Changes returns the reload stream. The channel is closed by Stop. Receivers
// may lag: a reload arriving while the previous one is still unconsumed is
// folded into it rather than queued behind it.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload requests an immediate re-check of the file ahead of the next poll
// tick. It never blocks; a request overlapping a pending one is dropped.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stop ends the watch and closes the Changes channel. Safe to call more than
// once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll owns all file access after the initial load, so change detection and
// publication need no further synchronisation.
func (w *Watcher) poll() {
	defer close(w.changes)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-w.kick:
			w.check()
		case <-ticker.C:
			w.check()
		}
	}
}

// check re-reads the file when its mtime moved, validates it, and publishes
// the accepted change. Current is updated after publication, so a caller that
// observes the new configuration knows it was already delivered.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.lastMtime) {
		return
	}

	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}
	if hash == w.lastHash {
		// Touched but identical.
		w.lastMtime = mtime
		return
	}

	w.mu.Lock()
	old := w.current
	w.mu.Unlock()

	slog.Info("configuration file reloaded", "path", w.path)
	w.publish(Change{Old: old, New: cfg, Diff: Diff(old, cfg)})

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.lastHash = hash
	w.lastMtime = mtime
}

// publish delivers c without blocking the poll loop. When the previous change
// is still sitting in the channel it is folded into c, so the receiver sees
// one change spanning everything it missed.
func (w *Watcher) publish(c Change) {
	for {
		select {
		case w.changes <- c:
			return
		default:
		}
		select {
		case stale := <-w.changes:
			c.Old = stale.Old
			c.Diff = Diff(c.Old, c.New)
		default:
		}
	}
}

// loadAndHash reads and validates the file, returning the parsed config along
// with the content hash and modification time used for change detection.
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
