// Package provider holds the error taxonomy shared by every provider-facing
// stage of the pipeline (VAD model load, STT connect, LLM and TTS calls).
//
// Concrete integrations classify their failures into these types so that the
// generic retry policy in internal/resilience applies uniformly:
//
//   - [*ConnectionError]: transport-level failure, retryable.
//   - [*TimeoutError]: deadline exceeded, retryable with backoff.
//   - [*StatusError]: the remote rejected the request.
//   - [*AuthenticationError]: a StatusError with 401/403, never retried.
//   - [*RateLimitError]: a StatusError with 429, retryable after RetryAfter.
//
// Subtypes match their parents with [errors.As]: an *AuthenticationError is
// also a *StatusError and every type is also a *BaseError.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnsupportedConfig is wrapped by construction-time failures such as an
	// unsupported sample rate.
	ErrUnsupportedConfig = errors.New("unsupported configuration")

	// ErrMalformedResponse marks a single malformed or truncated response from
	// a model or remote service. Callers skip the event rather than failing
	// the session.
	ErrMalformedResponse = errors.New("malformed response")
)

// BaseError is the base provider failure. Every other type in the taxonomy
// embeds it.
type BaseError struct {
	// Provider names the integration that failed (e.g. "deepgram").
	Provider string

	// Message describes the failed operation.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *BaseError) Error() string {
	var sb strings.Builder
	if e.Provider != "" {
		sb.WriteString(e.Provider)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *BaseError) Unwrap() error { return e.Err }

// ConnectionError is a transport-level failure (dial, reset, DNS).
type ConnectionError struct {
	BaseError
}

func (e *ConnectionError) As(target any) bool { return asBase(&e.BaseError, target) }

// TimeoutError reports an exceeded deadline.
type TimeoutError struct {
	BaseError
	Timeout time.Duration
}

func (e *TimeoutError) As(target any) bool { return asBase(&e.BaseError, target) }

// StatusError reports a request the remote service rejected.
type StatusError struct {
	BaseError
	StatusCode int
	Body       string
}

func (e *StatusError) As(target any) bool { return asBase(&e.BaseError, target) }

// AuthenticationError is a StatusError for 401/403 responses.
type AuthenticationError struct {
	StatusError
}

func (e *AuthenticationError) As(target any) bool { return asStatus(&e.StatusError, target) }

// RateLimitError is a StatusError for 429 responses. RetryAfter is zero when
// the service did not say how long to wait.
type RateLimitError struct {
	StatusError
	RetryAfter time.Duration
}

func (e *RateLimitError) As(target any) bool { return asStatus(&e.StatusError, target) }

func asBase(base *BaseError, target any) bool {
	if t, ok := target.(**BaseError); ok {
		*t = base
		return true
	}
	return false
}

func asStatus(se *StatusError, target any) bool {
	if t, ok := target.(**StatusError); ok {
		*t = se
		return true
	}
	return asBase(&se.BaseError, target)
}

// NewConnectionError wraps err as a [*ConnectionError].
func NewConnectionError(providerName, msg string, err error) *ConnectionError {
	return &ConnectionError{BaseError: BaseError{Provider: providerName, Message: msg, Err: err}}
}

// NewTimeoutError wraps err as a [*TimeoutError].
func NewTimeoutError(providerName, msg string, timeout time.Duration, err error) *TimeoutError {
	return &TimeoutError{BaseError: BaseError{Provider: providerName, Message: msg, Err: err}, Timeout: timeout}
}

// FromStatus classifies an HTTP-style status response. It returns nil for 2xx
// codes. header may be nil; it is consulted for Retry-After on 429.
func FromStatus(providerName string, statusCode int, body string, header http.Header) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	se := StatusError{
		BaseError: BaseError{
			Provider: providerName,
			Message:  fmt.Sprintf("HTTP %d", statusCode),
		},
		StatusCode: statusCode,
		Body:       body,
	}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthenticationError{StatusError: se}
	case http.StatusTooManyRequests:
		var after time.Duration
		if header != nil {
			after = parseRetryAfter(header.Get("Retry-After"))
		}
		return &RateLimitError{StatusError: se, RetryAfter: after}
	}
	return &se
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Classify maps an arbitrary error from a provider call into the taxonomy.
// Errors that are already classified, context cancellation and nil are
// returned unchanged. Deadline errors become [*TimeoutError] and network
// errors become [*ConnectionError]; anything else is wrapped in [*BaseError].
func Classify(providerName, msg string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var pe *BaseError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(providerName, msg, 0, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return NewTimeoutError(providerName, msg, 0, err)
		}
		return NewConnectionError(providerName, msg, err)
	}
	return &BaseError{Provider: providerName, Message: msg, Err: err}
}

// IsRetryable reports whether err belongs to a class the pipeline retries:
// connection failures, timeouts, and rate limits.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return false
	}
	var ce *ConnectionError
	var te *TimeoutError
	var rl *RateLimitError
	return errors.As(err, &ce) || errors.As(err, &te) || errors.As(err, &rl)
}

// RetryAfter returns the server-requested delay carried by a
// [*RateLimitError]. ok is false when err carries no delay.
func RetryAfter(err error) (d time.Duration, ok bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Kind returns a short label for metrics and logs: "connection", "timeout",
// "auth", "rate_limit", "status", "provider" or "other".
func Kind(err error) string {
	var (
		ae *AuthenticationError
		rl *RateLimitError
		se *StatusError
		ce *ConnectionError
		te *TimeoutError
		pe *BaseError
	)
	switch {
	case errors.As(err, &ae):
		return "auth"
	case errors.As(err, &rl):
		return "rate_limit"
	case errors.As(err, &se):
		return "status"
	case errors.As(err, &ce):
		return "connection"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &pe):
		return "provider"
	}
	return "other"
}
