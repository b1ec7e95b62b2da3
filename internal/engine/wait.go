package engine

import (
	"context"
	"errors"
	"time"
)

// DefaultPollInterval is the fixed spacing between predicate evaluations.
const DefaultPollInterval = 250 * time.Millisecond

// Condition is polled by Await. It reports whether the awaited state holds.
// Errors wrapped with Transient count as "not yet"; any other error aborts.
type Condition func(ctx context.Context) (bool, error)

// WaitOutcome describes how a wait phase ended. A wait that runs out of time
// is reported here, not as an error.
type WaitOutcome struct {
	Satisfied bool
	TimedOut  bool
	Elapsed   time.Duration
	Polls     int
	// LastErr is the most recent transient error seen, if any.
	LastErr error
}

// Await polls cond every interval until it holds, returns a non-transient
// error, ctx is cancelled, or timeout elapses. The returned error is non-nil
// only for fatal predicate errors and cancellation. A non-positive timeout
// evaluates cond exactly once.
//
// Each evaluation receives a context bounded by the remaining time, so a
// hanging driver call cannot stretch the wait past its deadline.
func Await(ctx context.Context, cond Condition, timeout, interval time.Duration) (WaitOutcome, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := time.Now()
	deadline := start.Add(timeout)
	var pollDeadline time.Time
	if timeout > 0 {
		pollDeadline = deadline
	}
	var out WaitOutcome

	for {
		if err := ctx.Err(); err != nil {
			out.Elapsed = time.Since(start)
			return out, err
		}

		out.Polls++
		ok, err := evaluate(ctx, cond, pollDeadline)
		switch {
		case err == nil && ok:
			out.Satisfied = true
			out.Elapsed = time.Since(start)
			return out, nil
		case err != nil && !IsTransient(err):
			out.Elapsed = time.Since(start)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			return out, err
		case err != nil:
			out.LastErr = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			out.TimedOut = true
			out.Elapsed = time.Since(start)
			return out, nil
		}

		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.Elapsed = time.Since(start)
			return out, ctx.Err()
		case <-timer.C:
		}
	}
}

// evaluate runs one poll. A poll interrupted by the wait deadline (rather
// than by the caller) is downgraded to a transient failure. A zero deadline
// leaves the poll bounded by ctx alone.
func evaluate(ctx context.Context, cond Condition, deadline time.Time) (bool, error) {
	if deadline.IsZero() {
		return cond(ctx)
	}
	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ok, err := cond(pollCtx)
	if err != nil && ctx.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
		return false, Transient(err)
	}
	return ok, err
}
