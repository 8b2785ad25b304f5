package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aria/pkg/chat"
)

// startBackend launches a WebSocket server that accepts sessions and holds
// each one open until the client side closes. It returns a Dialer bound to
// the server.
func startBackend(t *testing.T) Dialer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(srv.Close)

	client, err := chat.New("ws" + strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("chat.New: %v", err)
	}
	return client.Connect
}

func TestReconnector_Connect(t *testing.T) {
	t.Run("successful initial connection", func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{Dial: startBackend(t)})
		t.Cleanup(func() { _ = r.Stop() })

		sess, err := r.Connect(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sess == nil {
			t.Fatal("expected a session, got nil")
		}
		if r.Session() != sess {
			t.Error("expected stored session to match the returned one")
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{
			Dial: func(context.Context) (*chat.Session, error) {
				return nil, errors.New("auth failed")
			},
		})
		t.Cleanup(func() { _ = r.Stop() })

		_, err := r.Connect(context.Background())
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if r.Session() != nil {
			t.Error("expected nil session after failure")
		}
	})
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{
		Dial: func(context.Context) (*chat.Session, error) { return nil, errTest },
	})

	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
	// Zero means retry forever, so no default is applied.
	if r.maxRetries != 0 {
		t.Errorf("expected maxRetries=0, got %d", r.maxRetries)
	}
	if r.BreakerState() != StateClosed {
		t.Errorf("expected closed breaker, got %v", r.BreakerState())
	}
}

func TestReconnector_ReconnectOnDisconnect(t *testing.T) {
	reconnected := make(chan *chat.Session, 1)
	r := NewReconnector(ReconnectorConfig{
		Dial:        startBackend(t),
		MaxRetries:  3,
		Backoff:     1 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		OnReconnect: func(s *chat.Session) { reconnected <- s },
	})
	t.Cleanup(func() { _ = r.Stop() })

	// Initial connect.
	first, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.Monitor(t.Context())

	// Simulate disconnect.
	r.NotifyDisconnect()

	select {
	case sess := <-reconnected:
		if sess == first {
			t.Error("expected OnReconnect to deliver a fresh session")
		}
		if r.Session() != sess {
			t.Error("expected current session to be the reconnected one")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnReconnect to be called")
	}
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	backend := startBackend(t)
	var attempts atomic.Int32
	reconnected := make(chan *chat.Session, 1)

	// First three dials fail, the fourth reaches the backend.
	r := NewReconnector(ReconnectorConfig{
		Dial: func(ctx context.Context) (*chat.Session, error) {
			if attempts.Add(1) <= 3 {
				return nil, errors.New("connection failed")
			}
			return backend(ctx)
		},
		MaxRetries:  10,
		Backoff:     1 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		OnReconnect: func(s *chat.Session) { reconnected <- s },
	})
	t.Cleanup(func() { _ = r.Stop() })

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected successful reconnection after failures")
	}

	// 3 failures + 1 success = 4 total attempts.
	if got := attempts.Load(); got != 4 {
		t.Errorf("expected 4 connection attempts, got %d", got)
	}
}

func TestWithJitter_StaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for range 200 {
		d := withJitter(base)
		if d < base/2 || d >= base {
			t.Fatalf("jittered delay %v outside [%v, %v)", d, base/2, base)
		}
	}
	// A delay too small to halve passes through untouched.
	if d := withJitter(1); d != 1 {
		t.Errorf("withJitter(1ns) = %v, want 1ns", d)
	}
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	var reconnected atomic.Bool

	r := NewReconnector(ReconnectorConfig{
		Dial: func(context.Context) (*chat.Session, error) {
			attempts.Add(1)
			return nil, errors.New("permanently down")
		},
		MaxRetries:  2,
		Backoff:     1 * time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		OnReconnect: func(*chat.Session) { reconnected.Store(true) },
	})
	t.Cleanup(func() { _ = r.Stop() })

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	// Wait for retries to exhaust.
	time.Sleep(100 * time.Millisecond)

	if reconnected.Load() {
		t.Error("expected OnReconnect NOT to be called when all retries fail")
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 connect attempts, got %d", got)
	}
}

func TestReconnector_ZeroRetriesMeansForever(t *testing.T) {
	var attempts atomic.Int32
	r := NewReconnector(ReconnectorConfig{
		Dial: func(context.Context) (*chat.Session, error) {
			attempts.Add(1)
			return nil, errors.New("connection failed")
		},
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	})

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	// A small retry limit would stop the loop long before 3 attempts.
	deadline := time.Now().Add(2 * time.Second)
	for attempts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(1 * time.Millisecond)
	}
	if got := attempts.Load(); got < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", got)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReconnector_BreakerSuppressesDials(t *testing.T) {
	var attempts atomic.Int32
	r := NewReconnector(ReconnectorConfig{
		Dial: func(context.Context) (*chat.Session, error) {
			attempts.Add(1)
			return nil, errors.New("connection failed")
		},
		// The breaker reset timeout follows the backoff cap, so a huge cap
		// keeps the breaker open for the rest of the test.
		MaxBackoff: time.Hour,
	})
	t.Cleanup(func() { _ = r.Stop() })

	// Default breaker threshold is 5 consecutive failures.
	for i := 0; i < 5; i++ {
		if _, err := r.dialOnce(context.Background()); err == nil {
			t.Fatal("expected dial failure")
		}
	}
	if got := r.BreakerState(); got != StateOpen {
		t.Fatalf("expected open breaker, got %v", got)
	}

	_, err := r.dialOnce(context.Background())
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if got := attempts.Load(); got != 5 {
		t.Errorf("expected 5 dial attempts (open breaker must not dial), got %d", got)
	}
}

func TestReconnector_Stop(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Dial: startBackend(t)})

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Monitor(t.Context())

	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Session() != nil {
		t.Error("expected nil session after Stop")
	}

	// Double stop should not panic.
	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error on double Stop: %v", err)
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{
		Dial: func(context.Context) (*chat.Session, error) { return nil, errTest },
	})

	// Multiple calls should not block.
	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}
