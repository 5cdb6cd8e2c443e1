// Package scheduler owns the per-derivation state machine described in
// SPEC_FULL.md §4.5: it creates the initial build attempt for newly
// discovered derivations, appends build events, and propagates the
// consequences of a state change across the dependency DAG (success
// unblocks dependants, failure poisons them transitively, non-retryable
// interruption blocks them).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nwimmer/ekaci/internal/drv"
	ekerrors "github.com/nwimmer/ekaci/internal/errors"
	"github.com/nwimmer/ekaci/internal/logfields"
	"github.com/nwimmer/ekaci/internal/metrics"
	"github.com/nwimmer/ekaci/internal/retry"
)

// Store is the subset of *store.Store the scheduler needs.
type Store interface {
	NewBuildMetadata(ctx context.Context, meta drv.Metadata) (drv.Metadata, error)
	NewBuildEvent(ctx context.Context, buildID drv.BuildId, state drv.State) (drv.Event, error)
	LatestBuildEvent(ctx context.Context, id drv.Id) (*drv.Event, error)
	LatestEventForBuildId(ctx context.Context, buildID drv.BuildId) (*drv.Event, error)
	DrvsInState(ctx context.Context, state drv.State) ([]drv.Event, error)
	DirectDependants(ctx context.Context, id drv.Id) ([]drv.Id, error)
	TransitiveDependants(ctx context.Context, id drv.Id) ([]drv.Id, error)
	AllDependenciesSucceeded(ctx context.Context, id drv.Id) (bool, error)
	Metadata(ctx context.Context, buildID drv.BuildId) (drv.Metadata, error)
	CurrentBuildId(ctx context.Context, id drv.Id) (drv.BuildId, bool, error)
}

// EventPublisher is an optional sink that observes every appended event
// (e.g. the NATS event bus). It must not be able to fail an append:
// publish errors are logged, never returned.
type EventPublisher interface {
	Publish(ctx context.Context, ev drv.Event)
}

// MetadataFactory builds the initial build metadata for a newly
// discovered derivation. The default produces a file-attribute build
// command naming the derivation itself; callers that can resolve a real
// git commit (internal/gitresolve) or executable build command should
// inject their own.
type MetadataFactory func(id drv.Id) drv.Metadata

func defaultMetadataFactory(id drv.Id) drv.Metadata {
	return drv.Metadata{
		BuildID: drv.BuildId{DrvID: id},
		BuildCommand: drv.BuildCommand{
			Kind:     drv.BuildCommandFileAttribute,
			AttrName: string(id),
		},
	}
}

// Scheduler implements the state machine. It holds a Store handle and,
// optionally, an event publisher; per §3 Ownership it does not own either.
type Scheduler struct {
	Store           Store
	Retryable       func(retry.InterruptionReason) bool
	RetryPolicy     retry.Policy
	MetadataFactory MetadataFactory
	Publisher       EventPublisher
	Recorder        metrics.Recorder

	gitOriginsMu sync.Mutex
	gitOrigins   map[drv.Id]gitOrigin
}

// gitOrigin is the git repository/commit handleJob resolved for a
// not-yet-inserted derivation (§11), staged by SetGitOrigin until
// OnDrvsInserted consumes it.
type gitOrigin struct {
	repo   string
	commit string
}

// SetGitOrigin stages the git repository/commit a derivation was
// discovered from. OnDrvsInserted consumes (and clears) this the next
// time id is passed to it; staged entries for ids that are never
// inserted are simply never consumed.
func (sc *Scheduler) SetGitOrigin(id drv.Id, gitRepo, gitCommit string) {
	sc.gitOriginsMu.Lock()
	defer sc.gitOriginsMu.Unlock()
	if sc.gitOrigins == nil {
		sc.gitOrigins = make(map[drv.Id]gitOrigin)
	}
	sc.gitOrigins[drv.Normalize(id)] = gitOrigin{repo: gitRepo, commit: gitCommit}
}

func (sc *Scheduler) popGitOrigin(id drv.Id) (gitOrigin, bool) {
	sc.gitOriginsMu.Lock()
	defer sc.gitOriginsMu.Unlock()
	g, ok := sc.gitOrigins[drv.Normalize(id)]
	if ok {
		delete(sc.gitOrigins, drv.Normalize(id))
	}
	return g, ok
}

// New builds a Scheduler with the default retry classification
// (retry.Retryable), retry policy (retry.DefaultPolicy), and metadata
// factory.
func New(st Store, recorder metrics.Recorder) *Scheduler {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Scheduler{
		Store:           st,
		Retryable:       retry.Retryable,
		RetryPolicy:     retry.DefaultPolicy(),
		MetadataFactory: defaultMetadataFactory,
		Recorder:        recorder,
	}
}

// OnDrvsInserted is the Scheduler's hand-off point from a graph walk: it
// opens attempt 1 for every newly discovered derivation, writes Queued,
// and immediately promotes to Buildable any derivation whose (possibly
// empty) dependency set is already fully satisfied.
func (sc *Scheduler) OnDrvsInserted(ctx context.Context, ids []drv.Id) error {
	for _, id := range ids {
		factoryMeta := sc.MetadataFactory(id)
		if origin, ok := sc.popGitOrigin(id); ok {
			factoryMeta.GitRepo = origin.repo
			factoryMeta.GitCommit = origin.commit
		}
		meta, err := sc.Store.NewBuildMetadata(ctx, factoryMeta)
		if err != nil {
			return err
		}
		if err := sc.appendAndPropagate(ctx, meta.BuildID, drv.StateQueued); err != nil {
			return err
		}

		satisfied, err := sc.Store.AllDependenciesSucceeded(ctx, id)
		if err != nil {
			return err
		}
		if satisfied {
			if err := sc.appendAndPropagate(ctx, meta.BuildID, drv.StateBuildable); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordEvent appends a new event for buildID, refusing (as a non-error
// no-op) if the build_id's latest event is already terminal, then runs
// the propagation rules for the new state.
func (sc *Scheduler) RecordEvent(ctx context.Context, buildID drv.BuildId, state drv.State) (*drv.Event, error) {
	latest, err := sc.Store.LatestEventForBuildId(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.State.IsTerminal() {
		slog.Debug("scheduler: ignoring event for terminal build",
			logfields.DrvID(string(buildID.DrvID)), logfields.Attempt(buildID.Attempt),
			logfields.State(latest.State.String()))
		return nil, nil
	}
	if err := sc.appendAndPropagate(ctx, buildID, state); err != nil {
		return nil, err
	}
	ev, err := sc.Store.LatestEventForBuildId(ctx, buildID)
	return ev, err
}

func (sc *Scheduler) appendAndPropagate(ctx context.Context, buildID drv.BuildId, state drv.State) error {
	ev, err := sc.Store.NewBuildEvent(ctx, buildID, state)
	if err != nil {
		return err
	}
	sc.Recorder.IncBuildStateTransition(state.String())
	if sc.Publisher != nil {
		sc.Publisher.Publish(ctx, ev)
	}
	return sc.propagate(ctx, ev)
}

func (sc *Scheduler) propagate(ctx context.Context, ev drv.Event) error {
	switch {
	case ev.State == drv.StateCompletedSuccess:
		return sc.propagateSuccess(ctx, ev)
	case ev.State == drv.StateCompletedFailure:
		return sc.propagateFailure(ctx, ev)
	case ev.State.IsInterrupted():
		return sc.propagateInterruption(ctx, ev)
	default:
		return nil
	}
}

// propagateSuccess implements both the Blocked→Queued recovery (§4.5,
// applied transitively, since a non-retryable interruption can Block
// derivations more than one hop away) and the direct-dependant
// Buildable promotion named explicitly in the §4.5 propagation table.
func (sc *Scheduler) propagateSuccess(ctx context.Context, ev drv.Event) error {
	transitive, err := sc.Store.TransitiveDependants(ctx, ev.BuildID.DrvID)
	if err != nil {
		return err
	}
	for _, dep := range transitive {
		buildID, ok, err := sc.Store.CurrentBuildId(ctx, dep)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		latest, err := sc.Store.LatestEventForBuildId(ctx, buildID)
		if err != nil {
			return err
		}
		if latest != nil && latest.State == drv.StateBlocked {
			if err := sc.appendAndPropagate(ctx, buildID, drv.StateQueued); err != nil {
				return err
			}
		}
	}

	direct, err := sc.Store.DirectDependants(ctx, ev.BuildID.DrvID)
	if err != nil {
		return err
	}
	for _, dep := range direct {
		satisfied, err := sc.Store.AllDependenciesSucceeded(ctx, dep)
		if err != nil {
			return err
		}
		if !satisfied {
			continue
		}
		buildID, ok, err := sc.Store.CurrentBuildId(ctx, dep)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		latest, err := sc.Store.LatestEventForBuildId(ctx, buildID)
		if err != nil {
			return err
		}
		if latest == nil || latest.State.IsTerminal() || latest.State == drv.StateBuildable || latest.State == drv.StateBuilding {
			continue
		}
		if err := sc.appendAndPropagate(ctx, buildID, drv.StateBuildable); err != nil {
			return err
		}
	}
	return nil
}

// propagateFailure marks every transitive dependant with a non-terminal
// current state TransitiveFailure.
func (sc *Scheduler) propagateFailure(ctx context.Context, ev drv.Event) error {
	dependants, err := sc.Store.TransitiveDependants(ctx, ev.BuildID.DrvID)
	if err != nil {
		return err
	}
	for _, dep := range dependants {
		buildID, ok, err := sc.Store.CurrentBuildId(ctx, dep)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		latest, err := sc.Store.LatestEventForBuildId(ctx, buildID)
		if err != nil {
			return err
		}
		if latest != nil && latest.State.IsTerminal() {
			continue
		}
		if err := sc.appendAndPropagate(ctx, buildID, drv.StateTransitiveFailure); err != nil {
			return err
		}
	}
	return nil
}

// propagateInterruption either reopens a new, Buildable attempt after a
// backoff delay (for a retryable interruption reason, while the
// per-derivation retry budget in RetryPolicy.MaxRetries is not yet
// exhausted) or Blocks every transitive dependant whose current state is
// non-terminal, never overwriting TransitiveFailure (failure dominates
// blocking).
func (sc *Scheduler) propagateInterruption(ctx context.Context, ev drv.Event) error {
	reason, ok := ev.State.InterruptionReason()
	if !ok {
		return ekerrors.New(ekerrors.KindInternal, "propagateInterruption called with non-interrupted state")
	}

	retryable := sc.Retryable
	if retryable == nil {
		retryable = retry.Retryable
	}
	policy := sc.RetryPolicy
	if policy.Validate() != nil {
		policy = retry.DefaultPolicy()
	}

	// BuildId.Attempt is 1 for the initial attempt, so by the time attempt
	// N is interrupted, N-1 retries have already happened; attempt N
	// itself is the Nth retry about to be considered.
	if retryable(reason) && ev.BuildID.Attempt <= policy.MaxRetries {
		delay := policy.Delay(ev.BuildID.Attempt)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		prior, err := sc.Store.Metadata(ctx, ev.BuildID)
		if err != nil {
			return err
		}
		newAttempt := drv.Metadata{
			BuildID:      drv.BuildId{DrvID: ev.BuildID.DrvID},
			GitRepo:      prior.GitRepo,
			GitCommit:    prior.GitCommit,
			BuildCommand: prior.BuildCommand,
		}
		meta, err := sc.Store.NewBuildMetadata(ctx, newAttempt)
		if err != nil {
			return err
		}
		return sc.appendAndPropagate(ctx, meta.BuildID, drv.StateBuildable)
	}

	if retryable(reason) {
		slog.Warn("scheduler: retry budget exhausted, blocking dependants",
			logfields.DrvID(string(ev.BuildID.DrvID)), logfields.Attempt(ev.BuildID.Attempt),
			slog.Int("max_retries", policy.MaxRetries))
	}
	return sc.blockTransitiveDependants(ctx, ev)
}

// blockTransitiveDependants records Blocked for every transitive dependant
// of ev's derivation whose current state is non-terminal and not already
// Blocked, never overwriting TransitiveFailure.
func (sc *Scheduler) blockTransitiveDependants(ctx context.Context, ev drv.Event) error {
	dependants, err := sc.Store.TransitiveDependants(ctx, ev.BuildID.DrvID)
	if err != nil {
		return err
	}
	for _, dep := range dependants {
		buildID, ok, err := sc.Store.CurrentBuildId(ctx, dep)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		latest, err := sc.Store.LatestEventForBuildId(ctx, buildID)
		if err != nil {
			return err
		}
		if latest != nil && latest.State.IsTerminal() {
			continue // failure dominates blocking
		}
		if latest != nil && latest.State == drv.StateBlocked {
			continue
		}
		if err := sc.appendAndPropagate(ctx, buildID, drv.StateBlocked); err != nil {
			return err
		}
	}
	return nil
}

// RecoverFromCrash implements the durable startup recovery of §4.5: any
// build whose latest event is Building is rewritten Interrupted(SchedulerDeath),
// which then propagates normally (retryable by default, so it reopens a
// fresh Buildable attempt).
func (sc *Scheduler) RecoverFromCrash(ctx context.Context) error {
	building, err := sc.Store.DrvsInState(ctx, drv.StateBuilding)
	if err != nil {
		return err
	}
	for _, ev := range building {
		slog.Warn("scheduler: recovering build stuck in Building at startup",
			logfields.DrvID(string(ev.BuildID.DrvID)), logfields.Attempt(ev.BuildID.Attempt))
		if err := sc.appendAndPropagate(ctx, ev.BuildID, drv.StateInterruptedSchedulerDeath); err != nil {
			return err
		}
	}
	return nil
}
