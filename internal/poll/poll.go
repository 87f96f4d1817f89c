// Package poll owns bounded waits on external readiness.
//
// Every wait-for-something point in the tool meister (tool pid files, broker
// reachability, sink delivery) goes through Until so the bound, the delay and
// the outcome reporting are the same everywhere.
package poll

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("poll: invalid config")

// Outcome is the non-error result of a bounded wait.
type Outcome int

const (
	// Ready means the check reported done.
	Ready Outcome = iota + 1
	// TimedOut means the attempt or time bound ran out first; callers decide
	// whether to proceed anyway.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Config bounds one wait. Attempts <= 0 means unbounded attempts; Timeout <= 0
// means no wall-clock bound. At least one of the two must be set.
type Config struct {
	Backoff  BackoffConfig
	Attempts int
	Timeout  time.Duration
}

// Check reports whether the awaited condition holds. A non-nil error stops the
// wait immediately; use (false, nil) for conditions worth retrying.
type Check func(attempt int) (bool, error)

// Until runs check until it is done, it fails, the context ends or the bound
// runs out.
func Until(ctx context.Context, cfg Config, check Check) (Outcome, error) {
	if check == nil {
		return 0, ErrInvalidConfig
	}
	if cfg.Attempts <= 0 && cfg.Timeout <= 0 {
		return 0, ErrInvalidConfig
	}

	var deadline time.Time
	if cfg.Timeout > 0 {
		deadline = time.Now().Add(cfg.Timeout)
	}

	for attempt := 1; ; attempt++ {
		done, err := check(attempt)
		if err != nil {
			return 0, err
		}
		if done {
			return Ready, nil
		}
		if cfg.Attempts > 0 && attempt >= cfg.Attempts {
			return TimedOut, nil
		}

		delay := NextBackoffDelay(cfg.Backoff, attempt, nil)
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return TimedOut, nil
			}
			if delay > remaining {
				delay = remaining
			}
		}
		if err := Sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
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
