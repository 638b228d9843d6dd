// Package retry expresses bounded retry-with-wait as a policy value so the
// certificate contract (attempts, spacing) is testable with a fake timer.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded constant-wait retry contract.
type Policy struct {
	MaxAttempts int
	Wait        time.Duration
}

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the context is
// done, or MaxAttempts invocations have failed. The last error is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return p.doWithTimer(ctx, op, nil)
}

// DoWithTimer is Do with an injected timer, for tests that must not sleep.
func (p Policy) DoWithTimer(ctx context.Context, op func() error, timer backoff.Timer) error {
	return p.doWithTimer(ctx, op, timer)
}

func (p Policy) doWithTimer(ctx context.Context, op func() error, timer backoff.Timer) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Wait)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)
	return backoff.RetryNotifyWithTimer(op, b, nil, timer)
}
