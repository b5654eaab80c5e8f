// Package retry runs an operation a bounded number of times with a fixed
// pause between attempts.
//
// It exists for reads against eventually consistent stores, where the only
// way to learn that a write has propagated is to ask again.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 are treated as 1.
	Attempts int
	// Delay is the pause between attempts. There is no pause after the last.
	Delay time.Duration
}

// Notify is called after each failed attempt that will be retried.
type Notify func(attempt int, err error, next time.Duration)

// Do calls op until it returns nil, returns a Permanent error, the attempts
// run out, or ctx is done. It returns the last error from op (or ctx.Err()
// when the context ends first).
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		return op(ctx)
	}

	var onRetry func(error, time.Duration)
	if notify != nil {
		onRetry = func(err error, next time.Duration) {
			notify(attempt, err, next)
		}
	}

	return backoff.RetryNotify(operation, b, onRetry)
}

// Permanent marks err as not worth retrying. Do returns err unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
