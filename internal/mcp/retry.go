package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SleepFunc waits for d or until ctx is done. It returns ctx.Err() when
// interrupted.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepCtx is the default SleepFunc.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryPolicy runs one logical call with bounded attempts and
// exponential backoff.
type retryPolicy struct {
	attempts        int
	baseDelay       time.Duration
	retryToolErrors bool
	sleep           SleepFunc
	logger          *slog.Logger
}

func newRetryPolicy(cfg ServerConfig, sleep SleepFunc, logger *slog.Logger) retryPolicy {
	if sleep == nil {
		sleep = sleepCtx
	}
	return retryPolicy{
		attempts:        max(1, cfg.MaxRetries),
		baseDelay:       cfg.RetryDelay,
		retryToolErrors: cfg.RetryToolErrors,
		sleep:           sleep,
		logger:          logger,
	}
}

// delay returns the backoff after the given failed attempt (1-based):
// baseDelay * 2^(attempt-1).
func (p retryPolicy) delay(attempt int) time.Duration {
	return p.baseDelay * time.Duration(1<<(attempt-1))
}

// retryable classifies a failed attempt. Connection failures and
// timeouts are retried; precondition failures and caller cancellation
// never are; everything else is a completed round trip and is retried
// only when retryToolErrors is set.
func (p retryPolicy) retryable(err error) bool {
	switch {
	case IsPreconditionError(err):
		return false
	case IsConnectionError(err), errors.Is(err, ErrTimeout):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return p.retryToolErrors
	}
}

// run calls attempt until it succeeds, fails with a non-retryable
// error, or the attempt budget is spent. Between attempts it sleeps the
// backoff and, after a connection failure, calls reconnect. Exhaustion
// returns a *ToolError carrying the attempt count and the last failure.
func (p retryPolicy) run(ctx context.Context, attempt func(ctx context.Context) error, reconnect func(ctx context.Context) error) error {
	var last error
	for n := 1; n <= p.attempts; n++ {
		err := attempt(ctx)
		if err == nil {
			if n > 1 {
				p.logger.Info("call succeeded after retry", "attempt", n)
			}
			return nil
		}
		last = err

		if !p.retryable(err) {
			return err
		}
		if n == p.attempts {
			break
		}

		d := p.delay(n)
		p.logger.Warn("call attempt failed, retrying",
			"attempt", n,
			"max_attempts", p.attempts,
			"delay", d.String(),
			"error", err,
		)
		if serr := p.sleep(ctx, d); serr != nil {
			return &ToolError{Attempts: n, Err: errors.Join(last, serr)}
		}

		if IsConnectionError(last) {
			if rerr := reconnect(ctx); rerr != nil {
				// The next attempt reports the failure if the server is
				// still unreachable.
				p.logger.Warn("reconnect failed", "attempt", n, "error", rerr)
			}
		}
	}
	return &ToolError{Attempts: p.attempts, Err: last}
}
