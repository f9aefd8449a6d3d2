// Package backoff holds the retry curves used across the sync stack: a
// bounded [Retry] loop for request/response calls and [Policy.Delay] for
// callers that schedule their own next attempt (the outbox worker). Both
// are built on github.com/cenkalti/backoff/v5.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Policy describes a backoff curve: intervals double from Base up to Max
// and each one is jittered down to no less than half its value.
type Policy struct {
	// Base is the starting interval before jitter.
	Base time.Duration

	// Max caps the interval.
	Max time.Duration
}

// Default is used by Retry: 500ms doubling up to 5s.
var Default = Policy{Base: 500 * time.Millisecond, Max: 5 * time.Second}

// jitter spreads each interval over [3/4·(1-jitter), 3/4·(1+jitter)] of the
// nominal value, which is [1/2, 1] of it.
const jitter = 1.0 / 3

// maxSteps bounds the curve walk in Delay; Max is reached long before.
const maxSteps = 62

// NewBackOff returns a fresh exponential backoff following p. Callers that
// keep state between attempts (realtime reconnects) hold one and Reset it
// after a success.
func (p Policy) NewBackOff() *cbackoff.ExponentialBackOff {
	b := &cbackoff.ExponentialBackOff{
		InitialInterval:     p.Base * 3 / 4,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         p.Max * 3 / 4,
	}
	b.Reset()
	return b
}

// Delay computes the delay for a given attempt index (0-based). The
// outbox persists attempt counts, so the curve is replayed from the start.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxSteps {
		attempt = maxSteps
	}
	b := p.NewBackOff()
	var d time.Duration
	for range attempt + 1 {
		d = b.NextBackOff()
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Permanent wraps err so that Retry returns it immediately.
func Permanent(err error) error {
	return cbackoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *cbackoff.PermanentError
	return errors.As(err, &p)
}

// Retry executes fn up to maxAttempts times with the Default policy. It
// returns nil on the first successful call, the error itself if fn returns
// a Permanent error, or a wrapped error containing the last failure once
// all attempts are exhausted.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	return Default.Retry(ctx, maxAttempts, fn)
}

// Retry is the policy-specific form of the package-level Retry.
func (p Policy) Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	_, err := cbackoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn()
		if IsPermanent(err) {
			// Retry strips one Permanent layer; keep the marker for callers.
			return struct{}{}, cbackoff.Permanent(err)
		}
		return struct{}{}, err
	},
		cbackoff.WithBackOff(p.NewBackOff()),
		cbackoff.WithMaxTries(uint(maxAttempts)),
	)

	switch {
	case err == nil:
		return nil
	case IsPermanent(err):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("retry cancelled after %d attempts: %w", attempts, errors.Join(err, ctx.Err()))
	default:
		return fmt.Errorf("all %d attempts failed: %w", attempts, err)
	}
}
