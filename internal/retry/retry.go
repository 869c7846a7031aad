// Package retry runs an operation with bounded exponential backoff. Every
// call owns its budget; nothing is shared between call sites.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/congo-pay/giftlock/internal/apperr"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy is used for ledger reads when the caller has no config.
var DefaultPolicy = Policy{Attempts: 4, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Delay returns the wait before attempt n (zero-based), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do calls op until it succeeds, returns a Permanent error or an *apperr.Error
// of a kind that is not retryable, the attempts are spent or ctx is done. The
// last error is returned unwrapped.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for n := 0; n < attempts; n++ {
		if err = op(ctx); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		var ae *apperr.Error
		if errors.As(err, &ae) && !apperr.Retryable(ae) {
			return err
		}
		if n == attempts-1 {
			break
		}
		timer := time.NewTimer(p.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
