package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider"
)

var errTest = provider.NewConnectionError("test", "dial", errors.New("connection refused"))

// fakeClock drives a breaker's notion of time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clk.now
	return cb, clk
}

func fail(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "test" {
		t.Errorf("Name = %q, want test", cb.Name())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	fail(cb, 3)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn must not run while the breaker is open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3})

	fail(cb, 2)
	_ = cb.Execute(func() error { return nil })
	fail(cb, 2)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}
}

func TestCircuitBreaker_NeutralErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"context canceled", context.Canceled},
		{"wrapped cancel", fmt.Errorf("stt: start: %w", context.Canceled)},
		{"unclassified", errors.New("voice id must not be empty")},
		{"unsupported config", provider.ErrUnsupportedConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 2})
			for range 5 {
				_ = cb.Execute(func() error { return tt.err })
			}
			if cb.State() != StateClosed {
				t.Fatalf("state = %v, want closed: %v is not a provider failure", cb.State(), tt.err)
			}
		})
	}
}

func TestCircuitBreaker_ClassifiedFailuresCount(t *testing.T) {
	for _, err := range []error{
		provider.NewTimeoutError("p", "read", time.Second, context.DeadlineExceeded),
		provider.FromStatus("p", 503, "", nil),
		provider.FromStatus("p", 401, "", nil),
	} {
		cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1})
		_ = cb.Execute(func() error { return err })
		if cb.State() != StateOpen {
			t.Errorf("%T did not trip the breaker", err)
		}
	}
}

func TestCircuitBreaker_OpenToHalfOpen(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 2, ResetTimeout: 10 * time.Second, HalfOpenMax: 2})

	fail(cb, 2)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}
	clk.advance(10 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 2, ResetTimeout: 10 * time.Second, HalfOpenMax: 2})

	fail(cb, 2)
	clk.advance(11 * time.Second)

	for i := range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 2, ResetTimeout: 10 * time.Second, HalfOpenMax: 3})

	fail(cb, 2)
	clk.advance(11 * time.Second)

	if err := cb.Execute(func() error { return errTest }); err == nil {
		t.Fatal("expected error from failing probe")
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenNeutralReleasesProbe(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})

	fail(cb, 1)
	clk.advance(2 * time.Second)

	_ = cb.Execute(func() error { return context.Canceled })
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe after cancelled probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 2, ResetTimeout: time.Hour})

	fail(cb, 2)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
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
