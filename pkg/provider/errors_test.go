package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestFromStatus_Classification(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantKind  string
		retryable bool
	}{
		{"ok", 200, "", false},
		{"unauthorized", 401, "auth", false},
		{"forbidden", 403, "auth", false},
		{"rate limited", 429, "rate_limit", true},
		{"server error", 503, "status", false},
		{"bad request", 400, "status", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus("test", tt.code, "body", nil)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("FromStatus(%d) = %v, want nil", tt.code, err)
				}
				return
			}
			if got := Kind(err); got != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got, tt.wantKind)
			}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestSubtypesMatchParents(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", FromStatus("deepgram", 401, "nope", nil))

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatal("AuthenticationError should match *StatusError")
	}
	if se.StatusCode != 401 || se.Body != "nope" {
		t.Errorf("StatusError = %+v", se)
	}
	var base *BaseError
	if !errors.As(err, &base) {
		t.Fatal("AuthenticationError should match *BaseError")
	}
	if base.Provider != "deepgram" {
		t.Errorf("Provider = %q, want deepgram", base.Provider)
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		t.Fatal("AuthenticationError must not match *RateLimitError")
	}
}

func TestRateLimit_RetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	err := FromStatus("tts", http.StatusTooManyRequests, "", h)
	d, ok := RetryAfter(err)
	if !ok || d != 7*time.Second {
		t.Fatalf("RetryAfter = %v, %v; want 7s, true", d, ok)
	}

	if _, ok := RetryAfter(FromStatus("tts", 429, "", nil)); ok {
		t.Fatal("RetryAfter without header should report ok=false")
	}
}

func TestClassify(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"dial", opErr, "connection"},
		{"plain", errors.New("weird"), "provider"},
		{"already classified", FromStatus("x", 403, "", nil), "auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("x", "call", tt.err)
			if k := Kind(got); k != tt.want {
				t.Errorf("Kind(Classify(%v)) = %q, want %q", tt.err, k, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error does not wrap the original")
			}
		})
	}

	if err := Classify("x", "call", context.Canceled); !errors.Is(err, context.Canceled) || Kind(err) != "other" {
		t.Errorf("context.Canceled should pass through unchanged, got %v", err)
	}
	if Classify("x", "call", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewConnectionError("deepgram", "dial", errors.New("refused"))
	if got, want := err.Error(), "deepgram: dial: refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
