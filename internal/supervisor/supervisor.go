// Package supervisor drives the periodic safety-net tick described in
// SPEC_FULL.md §11: a gocron/v2 job that sweeps stale Building events past
// the configured build timeout, and records Queued for Blocked
// derivations whose dependencies have since all succeeded, as a backstop alongside
// the scheduler's own event-driven propagation (§4.5).
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/nwimmer/ekaci/internal/drv"
	ekerrors "github.com/nwimmer/ekaci/internal/errors"
	"github.com/nwimmer/ekaci/internal/logfields"
)

// DefaultTickInterval is how often the safety-net sweep runs.
const DefaultTickInterval = 30 * time.Second

// Store is the subset of *store.Store the supervisor's sweep needs.
type Store interface {
	DrvsInState(ctx context.Context, state drv.State) ([]drv.Event, error)
	AllDependenciesSucceeded(ctx context.Context, id drv.Id) (bool, error)
}

// Scheduler is the subset of *scheduler.Scheduler the supervisor drives
// transitions through, so every state change still goes through the one
// place propagation rules live.
type Scheduler interface {
	RecordEvent(ctx context.Context, buildID drv.BuildId, state drv.State) (*drv.Event, error)
}

// Supervisor owns the gocron scheduler running the periodic tick.
type Supervisor struct {
	Store        Store
	Scheduler    Scheduler
	Timeout      time.Duration
	TickInterval time.Duration

	cron gocron.Scheduler
}

// Start registers the sweep job and begins running it in the background.
// The returned error is only non-nil if gocron itself fails to initialize;
// a single sweep's own errors are logged, never fatal.
func (sv *Supervisor) Start(ctx context.Context) error {
	if sv.TickInterval <= 0 {
		sv.TickInterval = DefaultTickInterval
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return ekerrors.Wrap(ekerrors.KindInternal, "create gocron scheduler", err)
	}
	sv.cron = cron

	_, err = cron.NewJob(
		gocron.DurationJob(sv.TickInterval),
		gocron.NewTask(func() { sv.tick(ctx) }),
	)
	if err != nil {
		return ekerrors.Wrap(ekerrors.KindInternal, "register supervisor tick job", err)
	}

	cron.Start()
	return nil
}

// Stop drains and stops the gocron scheduler.
func (sv *Supervisor) Stop() error {
	if sv.cron == nil {
		return nil
	}
	return sv.cron.Shutdown()
}

func (sv *Supervisor) tick(ctx context.Context) {
	sv.sweepTimeouts(ctx)
	sv.recoverBlocked(ctx)
}

// sweepTimeouts interrupts any Building event older than Timeout with
// Interrupted(Timeout), letting the scheduler's normal propagation decide
// the consequences for dependants.
func (sv *Supervisor) sweepTimeouts(ctx context.Context) {
	building, err := sv.Store.DrvsInState(ctx, drv.StateBuilding)
	if err != nil {
		slog.Warn("supervisor: failed to list building derivations", logfields.Error(err))
		return
	}
	cutoff := time.Now().Add(-sv.Timeout)
	for _, ev := range building {
		if ev.Timestamp.After(cutoff) {
			continue
		}
		slog.Warn("supervisor: build exceeded timeout, interrupting",
			logfields.DrvID(string(ev.BuildID.DrvID)), logfields.Attempt(ev.BuildID.Attempt))
		if _, err := sv.Scheduler.RecordEvent(ctx, ev.BuildID, drv.StateInterruptedTimeout); err != nil {
			slog.Warn("supervisor: failed to record timeout interruption",
				logfields.DrvID(string(ev.BuildID.DrvID)), logfields.Error(err))
		}
	}
}

// recoverBlocked is a safety net alongside the scheduler's own
// success-triggered Blocked→Queued recovery (§4.5): for every currently
// Blocked build_id whose dependencies have since all succeeded (a
// propagation step that, for whatever reason, was never triggered), it
// requeues the derivation.
func (sv *Supervisor) recoverBlocked(ctx context.Context) {
	blocked, err := sv.Store.DrvsInState(ctx, drv.StateBlocked)
	if err != nil {
		slog.Warn("supervisor: failed to list blocked derivations", logfields.Error(err))
		return
	}
	for _, ev := range blocked {
		satisfied, err := sv.Store.AllDependenciesSucceeded(ctx, ev.BuildID.DrvID)
		if err != nil {
			slog.Warn("supervisor: failed to check dependencies for blocked derivation",
				logfields.DrvID(string(ev.BuildID.DrvID)), logfields.Error(err))
			continue
		}
		if !satisfied {
			continue
		}
		if _, err := sv.Scheduler.RecordEvent(ctx, ev.BuildID, drv.StateQueued); err != nil {
			slog.Warn("supervisor: failed to requeue blocked derivation",
				logfields.DrvID(string(ev.BuildID.DrvID)), logfields.Error(err))
		}
	}
}
