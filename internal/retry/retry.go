// Package retry runs an operation with bounded exponential backoff.
//
// Errors wrapped with Permanent stop the loop immediately; any other error
// is retried until the attempt budget is spent.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int

	// Initial is the wait before the second attempt. It doubles after that.
	Initial time.Duration

	// Max caps a single wait. Zero means no cap beyond the backoff default.
	Max time.Duration
}

// DefaultPolicy is used for registry file writes.
var DefaultPolicy = Policy{
	Attempts: 4,
	Initial:  50 * time.Millisecond,
	Max:      time.Second,
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. The last error from op is returned unwrapped.
func Do(ctx context.Context, p Policy, op func() error) error {
	return DoNotify(ctx, p, op, nil)
}

// DoNotify is Do with a callback invoked before every wait.
func DoNotify(ctx context.Context, p Policy, op func() error, notify func(err error, wait time.Duration)) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		exp.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		exp.MaxInterval = p.Max
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(p.Attempts-1))
	if ctx != nil {
		b = backoff.WithContext(b, ctx)
	}

	if notify == nil {
		return backoff.Retry(op, b)
	}
	return backoff.RetryNotify(op, b, notify)
}
