// Package await runs a blocking dependency check under a deadline and reports
// which way it resolved.
package await

import (
	"context"
	"errors"
	"time"
)

// State is how a bounded wait resolved.
type State int

const (
	Ready State = iota
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the resolved result of Bounded. Value is set only when State is Ready,
// Err only when State is Failed.
type Outcome[T any] struct {
	State   State
	Value   T
	Err     error
	Elapsed time.Duration
}

// OK reports whether the wait resolved to Ready.
func (o Outcome[T]) OK() bool { return o.State == Ready }

// Bounded runs fn with a context that is cancelled after timeout. If fn returns
// before the deadline its result decides the outcome; otherwise the outcome is
// TimedOut and fn's late result is discarded. Cancellation of the parent ctx is
// reported as Failed.
func Bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) Outcome[T] {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(wctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		out := Outcome[T]{Elapsed: time.Since(start)}
		switch {
		case r.err == nil:
			out.State, out.Value = Ready, r.v
		case errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil:
			out.State = TimedOut
		default:
			out.State, out.Err = Failed, r.err
		}
		return out
	case <-wctx.Done():
		if err := ctx.Err(); err != nil {
			return Outcome[T]{State: Failed, Err: err, Elapsed: time.Since(start)}
		}
		return Outcome[T]{State: TimedOut, Elapsed: time.Since(start)}
	}
}
