// Package session supervises the client's connection to the companion
// backend: the initial dial, disconnect detection, and redialling with
// exponential backoff behind a circuit breaker.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/aria/pkg/chat"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Dialer establishes a chat session with the backend.
// [chat.Client.Connect] satisfies this signature.
type Dialer func(ctx context.Context) (*chat.Session, error)

// Reconnector supervises the backend chat session and redials on
// disconnection.
//
// Callers obtain the initial session via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// drops. When a drop is signalled via [Reconnector.NotifyDisconnect], the
// monitor redials with exponential backoff and invokes the configured
// OnReconnect callback on success. Every dial passes through a [Breaker] so
// a refusing server is probed rather than hammered.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial        Dialer
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(*chat.Session)
	breaker     *Breaker

	mu           sync.Mutex
	sess         *chat.Session
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dial establishes a new backend session. Required.
	Dial Dialer

	// MaxRetries is the number of redial attempts per reconnection cycle.
	// Zero retries forever.
	MaxRetries int

	// Backoff is the initial delay between redial attempts. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the redial delay. Defaults to 30s if
	// zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful redial with the new session.
	// May be nil.
	OnReconnect func(*chat.Session)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		dial:        cfg.Dial,
		maxRetries:  cfg.MaxRetries,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		onReconnect: cfg.OnReconnect,
		// The reset timeout matches the backoff cap so that once the redial
		// loop slows to its max delay, each attempt is a half-open probe.
		breaker:      NewBreaker(BreakerConfig{Name: "backend-dial", ResetTimeout: maxBackoff}),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial dial. On failure the caller may still start
// [Reconnector.Monitor] and signal [Reconnector.NotifyDisconnect] to enter
// the redial loop.
func (r *Reconnector) Connect(ctx context.Context) (*chat.Session, error) {
	sess, err := r.dialOnce(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial connect: %w", err)
	}

	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()

	return sess, nil
}

// Monitor starts watching for disconnects in a background goroutine. When a
// disconnection is signalled via [Reconnector.NotifyDisconnect], it redials
// with exponential backoff.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the session has been lost and a
// redial should be attempted. Safe to call multiple times; only the first
// call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current session.
// Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

// Session returns the current active session. May return nil during
// reconnection.
func (r *Reconnector) Session() *chat.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// BreakerState reports the dial breaker's current state.
func (r *Reconnector) BreakerState() State {
	return r.breaker.State()
}

// dialOnce runs one dial attempt through the breaker.
func (r *Reconnector) dialOnce(ctx context.Context) (*chat.Session, error) {
	var sess *chat.Session
	err := r.breaker.Execute(func() error {
		var derr error
		sess, derr = r.dial(ctx)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// monitorLoop waits for disconnect notifications and redials.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect redials with exponential backoff until a dial succeeds,
// the retry budget is exhausted, or the reconnector is stopped.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	delay := r.backoff

	for attempt := 1; r.maxRetries == 0 || attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil || r.halted() {
			return
		}

		slog.Info("attempting to reconnect",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", delay,
		)

		sess, err := r.dialOnce(ctx)
		if err == nil {
			r.adoptSession(sess)
			slog.Info("reconnected to backend",
				"session_id", sess.ID(),
				"attempt", attempt,
			)
			if r.onReconnect != nil {
				r.onReconnect(sess)
			}
			return
		}
		slog.Warn("reconnect attempt failed", "attempt", attempt, "error", err)

		if !r.waitRedial(ctx, withJitter(delay)) {
			return
		}
		delay = min(delay*2, r.maxBackoff)
	}

	slog.Error("giving up on reconnection after max retries",
		"max_retries", r.maxRetries,
	)
}

// adoptSession installs the freshly dialled session and closes the dropped
// one to release its resources.
func (r *Reconnector) adoptSession(sess *chat.Session) {
	r.mu.Lock()
	old := r.sess
	r.sess = sess
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// halted reports whether Stop has been called.
func (r *Reconnector) halted() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// waitRedial sleeps for d, reporting false when the context is cancelled or
// the reconnector stopped before the delay elapsed.
func (r *Reconnector) waitRedial(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.done:
		return false
	case <-time.After(d):
		return true
	}
}

// withJitter spreads a delay over [d/2, d) so clients dropped by the same
// outage do not redial in lockstep.
func withJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}
