// Package retry runs operations under an exponential backoff policy,
// retrying only the errors a caller classifies as retryable.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// Policy configures retries. Zero values use defaults.
type Policy struct {
	MaxRetries int           // retries after the first attempt (default: 3)
	Initial    time.Duration // first wait (default: 100ms)
	Max        time.Duration // cap on a single wait (default: 5s)
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	} else if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	return p
}

// NewBackOff returns the backoff schedule described by p.
func (p Policy) NewBackOff() backoff.BackOff {
	p = p.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(exp, uint64(p.MaxRetries))
	b.Reset()
	return b
}

// Delay returns the wait before the given retry (1-based) with jitter removed.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		return p.Initial
	}
	d := p.Initial
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	return min(d, p.Max)
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// policy is exhausted, or ctx is done. It returns the last error from fn.
// onRetry, when non-nil, is called before each wait.
func Do(ctx context.Context, p Policy, retryable func(error) bool, onRetry func(attempt int, err error, wait time.Duration), fn func(context.Context) error) error {
	b := p.NewBackOff()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
