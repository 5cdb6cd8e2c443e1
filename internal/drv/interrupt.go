package drv

import "github.com/nwimmer/ekaci/internal/retry"

// InterruptionReason maps an Interrupted(...) state to the retry
// package's InterruptionReason, used to decide whether the scheduler
// should reopen a new build attempt or leave dependants Blocked. The
// second return value is false for any non-Interrupted state.
func (s State) InterruptionReason() (retry.InterruptionReason, bool) {
	switch s {
	case StateInterruptedOutOfMemory:
		return retry.ReasonOutOfMemory, true
	case StateInterruptedTimeout:
		return retry.ReasonTimeout, true
	case StateInterruptedCancelled:
		return retry.ReasonCancelled, true
	case StateInterruptedProcessDeath:
		return retry.ReasonProcessDeath, true
	case StateInterruptedSchedulerDeath:
		return retry.ReasonSchedulerDeath, true
	default:
		return "", false
	}
}

// StateForInterruption is the inverse of InterruptionReason, used by
// callers (e.g. the supervisor's timeout sweep) that know a reason and
// need the State to append.
func StateForInterruption(reason retry.InterruptionReason) State {
	switch reason {
	case retry.ReasonOutOfMemory:
		return StateInterruptedOutOfMemory
	case retry.ReasonTimeout:
		return StateInterruptedTimeout
	case retry.ReasonCancelled:
		return StateInterruptedCancelled
	case retry.ReasonProcessDeath:
		return StateInterruptedProcessDeath
	case retry.ReasonSchedulerDeath:
		return StateInterruptedSchedulerDeath
	default:
		return StateBlocked
	}
}
