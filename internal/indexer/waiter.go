// Package indexer waits for indexing nodes to reflect ledger writes.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iggydv12/replicaset/internal/metrics"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = 60 * time.Second
)

// ConvergenceTimeoutError is returned when the observed value never matched
// the target before the deadline.
type ConvergenceTimeoutError struct {
	Timeout time.Duration
	Polls   int
	LastErr error
}

func (e *ConvergenceTimeoutError) Error() string {
	msg := fmt.Sprintf("indexing did not converge within %s after %d polls", e.Timeout, e.Polls)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *ConvergenceTimeoutError) Unwrap() error { return e.LastErr }

// permanentError stops a Wait without retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a poll error as final. Wait returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Waiter polls until an observed value matches the target.
type Waiter struct {
	Interval time.Duration
	Timeout  time.Duration
}

// NewWaiter creates a Waiter. Zero values select the defaults.
func NewWaiter(interval, timeout time.Duration) Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Waiter{Interval: interval, Timeout: timeout}
}

// Wait calls poll every Interval until it returns a nil error and match
// reports true. Poll errors count as "not yet"; errors wrapped with Permanent
// end the wait immediately. Once the deadline passes no further poll is
// issued and a *ConvergenceTimeoutError is returned. Cancelling ctx returns
// ctx.Err().
func Wait[T any](ctx context.Context, w Waiter, poll func(context.Context) (T, error), match func(T) bool) (T, error) {
	var zero T
	start := time.Now()
	deadline := start.Add(w.Timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	polls := 0
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if !time.Now().Before(deadline) {
			metrics.ConvergenceTimeoutsTotal.Inc()
			return zero, &ConvergenceTimeoutError{Timeout: w.Timeout, Polls: polls, LastErr: lastErr}
		}

		polls++
		v, err := poll(waitCtx)
		var perm *permanentError
		switch {
		case errors.As(err, &perm):
			return zero, perm.err
		case err != nil:
			lastErr = err
		case match(v):
			metrics.ConvergenceDuration.Observe(time.Since(start).Seconds())
			return v, nil
		default:
			lastErr = nil
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-waitCtx.Done():
			// deadline reached; the loop head reports the timeout
		case <-ticker.C:
		}
	}
}
