// Package retry runs external calls under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"projectfinder/internal/errs"
)

// Policy describes how a call is retried. The zero value performs a single
// attempt without a per-attempt timeout.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// MaxBackoff caps each wait. Zero leaves it uncapped.
	MaxBackoff time.Duration
	Multiplier float64
	// Jitter randomizes each wait by up to this fraction of it.
	Jitter         float64
	AttemptTimeout time.Duration
	// Retryable decides whether a failed attempt is retried. Nil retries
	// everything that is not marked permanent.
	Retryable func(error) bool
}

func (p Policy) schedule() *backoff.ExponentialBackOff {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	maxInterval := p.MaxBackoff
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = max(p.InitialBackoff, 0)
	b.Multiplier = mult
	b.MaxInterval = maxInterval
	b.RandomizationFactor = p.Jitter
	// attempts, not elapsed time, bound a call
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Backoff returns the wait before attempt n+1 (n starts at 1), without jitter.
func (p Policy) Backoff(n int) time.Duration {
	p.Jitter = 0
	b := p.schedule()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. Attempt timeouts surface as errs.ErrProviderTimeout.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	op := func() error {
		lastErr = p.attempt(ctx, fn)
		if lastErr != nil && !p.retryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.schedule(), uint64(attempts-1)), ctx)

	err := backoff.Retry(op, b)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) && lastErr != nil && !errors.Is(lastErr, ctxErr) {
		return fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
	}
	return err
}

func (p Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", errs.ErrProviderTimeout, p.AttemptTimeout, err)
	}
	return err
}

func (p Policy) retryable(err error) bool {
	if errs.IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}
