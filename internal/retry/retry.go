// Package retry applies bounded retry policies to operations that report an
// explicit Outcome instead of raising errors for control flow.
//
// An operation returns OK, Retriable (wait chosen by the policy's backoff),
// RetryAfter (wait chosen by the operation, e.g. a Retry-After header) or
// Fatal. When a Policy runs out of attempts the give-up action converts the
// last error into a *FatalError, which callers pass up to the supervisor.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Kind classifies an Outcome.
type Kind int

const (
	KindOK Kind = iota
	KindRetriable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRetriable:
		return "retriable"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of a single attempt.
type Outcome struct {
	Kind Kind
	Err  error
	Wait time.Duration

	explicitWait bool
}

// OK reports success.
func OK() Outcome {
	return Outcome{Kind: KindOK}
}

// Retriable reports a transient failure; the policy backoff picks the wait.
func Retriable(err error) Outcome {
	return Outcome{Kind: KindRetriable, Err: err}
}

// RetryAfter reports a transient failure that must wait exactly d.
func RetryAfter(err error, d time.Duration) Outcome {
	if d < 0 {
		d = 0
	}
	return Outcome{Kind: KindRetriable, Err: err, Wait: d, explicitWait: true}
}

// Fatal reports a failure that must not be retried.
func Fatal(err error) Outcome {
	return Outcome{Kind: KindFatal, Err: err}
}

// FatalError is the typed signal that the process cannot make progress.
// Only the top-level supervisor acts on it.
type FatalError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s: giving up after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Fatalf builds a *FatalError outside of a policy run.
func Fatalf(op string, format string, args ...any) error {
	return &FatalError{Op: op, Err: fmt.Errorf(format, args...)}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
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

// NewExponential returns an exponential backoff doubling from initial up to max.
func NewExponential(initial, max time.Duration) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	return bo
}

// Policy bounds how an operation is retried.
type Policy struct {
	// Op names the operation in errors and logs.
	Op string

	// MaxAttempts is the total number of attempts. Zero or negative retries forever.
	MaxAttempts int

	// MaxElapsed caps the sum of backoff-chosen waits. Waits requested through
	// RetryAfter do not count. Zero means no cap.
	MaxElapsed time.Duration

	// BackOff chooses waits for Retriable outcomes. Defaults to NewExponential(1s, 60s).
	BackOff backoff.BackOff

	// Sleep defaults to Sleep.
	Sleep SleepFunc

	// GiveUp converts the last error once the budget is spent. Defaults to a *FatalError.
	GiveUp func(err error, attempts int) error

	// OnRetry is called before each wait.
	OnRetry func(err error, attempt int, wait time.Duration)
}

// Do runs op until it succeeds, fails fatally, exhausts the policy or ctx ends.
// Context cancellation is returned as-is and is never fatal.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) Outcome) error {
	bo := p.BackOff
	if bo == nil {
		bo = NewExponential(time.Second, 60*time.Second)
	}
	bo.Reset()

	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var spent time.Duration
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		out := op(ctx, attempt)
		switch out.Kind {
		case KindOK:
			return nil
		case KindFatal:
			return p.fatal(out.Err, attempt)
		}

		if out.Err != nil && (errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded)) && ctx.Err() != nil {
			return ctx.Err()
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return p.giveUp(out.Err, attempt)
		}

		wait := out.Wait
		if !out.explicitWait {
			wait = bo.NextBackOff()
			if wait == backoff.Stop {
				return p.giveUp(out.Err, attempt)
			}
			if p.MaxElapsed > 0 && spent+wait > p.MaxElapsed {
				return p.giveUp(out.Err, attempt)
			}
			spent += wait
		}

		if p.OnRetry != nil {
			p.OnRetry(out.Err, attempt, wait)
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (p Policy) fatal(err error, attempts int) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Op: p.Op, Attempts: attempts, Err: err}
}

func (p Policy) giveUp(err error, attempts int) error {
	if p.GiveUp != nil {
		return p.GiveUp(err, attempts)
	}
	return p.fatal(err, attempts)
}
