package session

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", b.maxFailures)
	}
	if b.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", b.resetTimeout)
	}
	if b.halfOpenMax != 1 {
		t.Errorf("halfOpenMax = %d, want 1", b.halfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3})
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_ClosedToOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: time.Hour, // long timeout so it stays open
	})

	// 3 consecutive failures should open the breaker.
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after %d failures", b.State(), 3)
	}

	// Next call should be rejected without running fn.
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Fatal("fn ran while the breaker was open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		MaxFailures: 3,
	})

	// 2 failures, then a success. The breaker must stay closed.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return nil })

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", b.State())
	}

	// Two more failures are still under the limit.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })
	if b.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestBreaker_OpenToHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
	})

	// Open the breaker.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	// Wait for reset timeout.
	time.Sleep(15 * time.Millisecond)

	// State() should now report half-open.
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", b.State())
	}
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
	})

	// Open the breaker.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	// Wait for reset timeout.
	time.Sleep(15 * time.Millisecond)

	// A single successful probe closes the breaker.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: unexpected error: %v", err)
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", b.State())
	}
}

func TestBreaker_HalfOpenToOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
	})

	// Open the breaker.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	// Wait for reset timeout.
	time.Sleep(15 * time.Millisecond)

	// A failure in half-open should re-open.
	err := b.Execute(func() error { return errTest })
	if err == nil {
		t.Fatal("expected error from failing probe")
	}

	// Open again, not half-open, since lastFailure was just refreshed.
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", s)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	// Open the breaker.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	// Manual reset.
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}

	// Should work normally again.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
