// Package poll turns "wait for hardware to converge" into bounded,
// cancellable loops.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExhausted indicates the attempt count or wall-clock bound ran out
	// before the condition held.
	ErrExhausted = errors.New("poll bound exhausted")

	// ErrTooManyFaults indicates more consecutive transient faults than the
	// policy tolerates.
	ErrTooManyFaults = errors.New("too many transient faults")

	// ErrUnbounded is returned for a policy with neither an attempt nor a time bound.
	ErrUnbounded = errors.New("poll policy has no bound")
)

// Policy bounds a polling loop. At least one of MaxAttempts or Timeout
// must be set.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
	// MaxFaults is the number of consecutive probe errors tolerated
	// before the loop gives up.
	MaxFaults int
}

func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 && p.Timeout <= 0 {
		return ErrUnbounded
	}
	if p.Interval < 0 || p.MaxFaults < 0 {
		return fmt.Errorf("invalid poll policy: interval=%s max_faults=%d", p.Interval, p.MaxFaults)
	}
	return nil
}

// Probe reads the observed quantity and reports whether the loop is done.
type Probe func(ctx context.Context) (value float64, done bool, err error)

// Outcome describes a finished loop.
type Outcome struct {
	Last     float64
	HaveLast bool
	Attempts int
	Faults   int
	Elapsed  time.Duration
}

// ExhaustedError carries the last observed reading of a loop that hit its bound.
type ExhaustedError struct {
	Outcome
	Reason error
	Cause  error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%v after %d attempts in %s", e.Reason, e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.HaveLast {
		msg += fmt.Sprintf(" (last reading %g)", e.Last)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Cause}
}

// Until calls probe until it reports done, the policy bound is hit, or
// ctx ends. The first probe runs immediately; later probes are paced by
// the policy interval. On ctx end the context error is returned as is.
func Until(ctx context.Context, policy Policy, probe Probe) (Outcome, error) {
	if err := policy.Validate(); err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	var out Outcome
	consecutive := 0

	for {
		if err := ctx.Err(); err != nil {
			out.Elapsed = time.Since(start)
			return out, err
		}

		out.Attempts++
		v, done, err := probe(ctx)
		out.Elapsed = time.Since(start)

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			out.Faults++
			consecutive++
			if consecutive > policy.MaxFaults {
				return out, &ExhaustedError{Outcome: out, Reason: ErrTooManyFaults, Cause: err}
			}
		} else {
			consecutive = 0
			out.Last = v
			out.HaveLast = true
			if done {
				return out, nil
			}
		}

		if policy.MaxAttempts > 0 && out.Attempts >= policy.MaxAttempts {
			return out, &ExhaustedError{Outcome: out, Reason: ErrExhausted, Cause: err}
		}
		if policy.Timeout > 0 && out.Elapsed+policy.Interval > policy.Timeout {
			return out, &ExhaustedError{Outcome: out, Reason: ErrExhausted, Cause: err}
		}

		if err := Sleep(ctx, policy.Interval); err != nil {
			out.Elapsed = time.Since(start)
			return out, err
		}
	}
}

// Retry runs op until it succeeds, retrying transient failures up to
// MaxFaults times with the policy interval between tries.
func Retry(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	p := Policy{Interval: policy.Interval, MaxAttempts: policy.MaxFaults + 1, MaxFaults: policy.MaxFaults}
	_, err := Until(ctx, p, func(ctx context.Context) (float64, bool, error) {
		if err := op(ctx); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	})
	return err
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
