package ledger

import (
	"context"
	"time"

	dErrors "attestor/pkg/domain-errors"
)

// RetryPolicy bounds adapter calls: every attempt gets its own timeout, and
// transient failures are retried with exponential backoff up to MaxAttempts.
// Exhausting the budget surfaces the last transient error to the caller.
type RetryPolicy struct {
	CallTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultRetryPolicy matches the config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		CallTimeout: 10 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.CallTimeout <= 0 {
		p.CallTimeout = 10 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 500 * time.Millisecond
	}
	return p
}

// Do runs fn under the policy. Permanent errors (anything not coded
// CodeLedgerUnavailable) abort immediately; context cancellation always wins
// over the backoff sleep.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var lastErr error
	backoff := p.BackoffBase
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !dErrors.HasCode(err, dErrors.CodeLedgerUnavailable) {
			return err
		}
		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return dErrors.Wrap(ctx.Err(), dErrors.CodeLedgerUnavailable, "ledger call cancelled")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
