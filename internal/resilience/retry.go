package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/voxgate/pkg/provider"
)

// RetryPolicy bounds how a provider call is retried. Zero fields take the
// defaults noted below.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3. One disables retries.
	MaxAttempts int

	// InitialInterval is the first backoff delay. Default: 200ms.
	InitialInterval time.Duration

	// MaxInterval caps a single backoff delay. Default: 2s.
	MaxInterval time.Duration

	// OnRetry, if set, is called before each wait with the error that caused
	// it and the delay about to be slept.
	OnRetry func(err error, wait time.Duration)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 200 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 2 * time.Second
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// Retry runs op until it succeeds, fails with an error the provider taxonomy
// does not consider transient, the attempt budget is spent, or ctx ends.
//
// Connection failures, timeouts and rate limits are retried with exponential
// backoff; a rate limit that carries a server-requested delay waits exactly
// that long instead. Everything else (authentication, other status errors,
// unclassified errors) is returned after the first attempt. The returned
// error is always the last one op produced, or ctx's cause.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	b := &hintedBackOff{next: exp}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(p.OnRetry))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !provider.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		if d, ok := provider.RetryAfter(err); ok {
			b.hint = d
		}
		return v, err
	}, opts...)
}

// hintedBackOff prefers a server-supplied delay for the next wait and falls
// back to exponential backoff otherwise.
type hintedBackOff struct {
	next backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	if b.hint > 0 {
		d := b.hint
		b.hint = 0
		return d
	}
	return b.next.NextBackOff()
}

func (b *hintedBackOff) Reset() {
	b.hint = 0
	b.next.Reset()
}
