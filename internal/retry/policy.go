// Package retry holds the backoff policy used when retrying a build
// attempt after a retryable interruption, and the classification of which
// interruption reasons are retryable in the first place.
package retry

import (
	"fmt"
	"time"
)

// BackoffMode selects how Delay grows between attempts.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Policy encapsulates backoff settings applied before re-queueing a
// derivation whose build attempt was interrupted for a retryable reason.
type Policy struct {
	Mode       BackoffMode
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultPolicy returns linear backoff, 2s initial, 60s cap, 3 retries.
func DefaultPolicy() Policy {
	return Policy{Mode: BackoffLinear, Initial: 2 * time.Second, Max: 60 * time.Second, MaxRetries: 3}
}

// NewPolicy builds a Policy from raw config fields; zero or negative
// durations, an unknown mode and a negative maxRetries fall back to
// DefaultPolicy's values. A maxRetries of zero is kept (no retries).
func NewPolicy(mode BackoffMode, initial, maxDuration time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDuration > 0 {
		p.Max = maxDuration
	}
	switch mode {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff duration before the given 1-based retry count.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	switch p.Mode {
	case BackoffFixed:
		return p.Initial
	case BackoffExponential:
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max {
			return p.Max
		}
		return d
	default:
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// Validate ensures the policy's fields are usable.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("retry: initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("retry: max must be >0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry: max retries cannot be negative")
	}
	return nil
}

// InterruptionReason names why a build attempt was interrupted, mirroring
// the Interrupted(...) variants of a build event's state.
type InterruptionReason string

const (
	ReasonOutOfMemory     InterruptionReason = "out_of_memory"
	ReasonTimeout         InterruptionReason = "timeout"
	ReasonCancelled       InterruptionReason = "cancelled"
	ReasonProcessDeath    InterruptionReason = "process_death"
	ReasonSchedulerDeath  InterruptionReason = "scheduler_death"
)

// ClassifierFromNames builds a retryable-interruption classifier from the
// raw `build.retryable_interruptions` config values (§9: "the set is
// configurable via build.retryable_interruptions"). An empty or nil names
// list falls back to Retryable's compiled-in default rather than
// classifying everything as non-retryable, since an unset config value
// must not silently disable all retries.
func ClassifierFromNames(names []string) func(InterruptionReason) bool {
	if len(names) == 0 {
		return Retryable
	}
	retryable := make(map[InterruptionReason]bool, len(names))
	for _, n := range names {
		retryable[InterruptionReason(n)] = true
	}
	return func(reason InterruptionReason) bool {
		return retryable[reason]
	}
}

// Retryable reports whether an interruption for the given reason should
// reopen the derivation as Buildable rather than leave it Blocked.
//
// Out-of-memory and scheduler-death interruptions are transient: the
// derivation itself was never shown to be unbuildable. Timeout, explicit
// cancellation, and build-process death are treated as signals the
// derivation (or its build command) is actually broken, so dependants are
// left Blocked instead of silently retried forever.
func Retryable(reason InterruptionReason) bool {
	switch reason {
	case ReasonOutOfMemory, ReasonSchedulerDeath:
		return true
	default:
		return false
	}
}
