// Package dispatcher implements the single-reader task queue that sits
// between ControlService and the evaluation/graph-walking pipeline. It
// owns the in-memory visited-set memoization described in SPEC_FULL.md
// §3 and §9. The graph walker reads and marks it through the reference the
// dispatcher passes in; no other component touches it.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nwimmer/ekaci/internal/drv"
	ekerrors "github.com/nwimmer/ekaci/internal/errors"
	"github.com/nwimmer/ekaci/internal/evaluator"
	"github.com/nwimmer/ekaci/internal/gitresolve"
	"github.com/nwimmer/ekaci/internal/graphwalker"
	"github.com/nwimmer/ekaci/internal/logfields"
	"github.com/nwimmer/ekaci/internal/metrics"
)

// Kind discriminates the two task shapes a client or the dispatcher
// itself can post.
type Kind string

const (
	KindJob                Kind = "job"
	KindTraverseDerivation Kind = "traverse_derivation"
)

// Task is the sum type Job(file_path) | TraverseDerivation(drv_id).
type Task struct {
	Kind    Kind
	JobPath string
	DrvID   drv.Id
	System  string // known platform triple, if any (set when derived from an evaluator Record)

	// GitRepo and GitCommit are set on a TraverseDerivation task re-posted
	// from handleJob, once per job, when JobPath sits inside a git working
	// tree (§11). They carry HEAD's repository path and commit forward to
	// the scheduler so the entry derivation's build metadata records where
	// it came from.
	GitRepo   string
	GitCommit string
}

// Job builds a Job(file_path) task.
func Job(path string) Task { return Task{Kind: KindJob, JobPath: path} }

// TraverseDerivation builds a TraverseDerivation(drv_id) task.
func TraverseDerivation(id drv.Id) Task { return Task{Kind: KindTraverseDerivation, DrvID: id} }

// SchedulerHook is the Scheduler's entry point for newly discovered
// derivations, invoked once a graph walk's pending batch has been
// persisted. It is the hand-off point between "GraphWalker → Store" and
// "Store → Scheduler" in the §2 data-flow diagram.
type SchedulerHook interface {
	OnDrvsInserted(ctx context.Context, ids []drv.Id) error

	// SetGitOrigin records the git repository/commit a not-yet-inserted
	// derivation was discovered from, consumed the next time id is passed
	// to OnDrvsInserted. A no-op if id is never subsequently inserted.
	SetGitOrigin(id drv.Id, gitRepo, gitCommit string)
}

// Store is the subset of *store.Store the dispatcher needs directly (the
// rest goes through the GraphWalker).
type Store interface {
	HasDrv(ctx context.Context, id drv.Id) (bool, error)
}

type visitedSet struct {
	mu   sync.Mutex
	seen map[drv.Id]bool
}

func newVisitedSet() *visitedSet { return &visitedSet{seen: make(map[drv.Id]bool)} }

func (v *visitedSet) Seen(id drv.Id) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seen[id]
}

func (v *visitedSet) Mark(id drv.Id) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen[id] = true
}

// queueCapacity is the bounded channel size from SPEC_FULL.md §4.2.
const queueCapacity = 1000

// Dispatcher is the single consumer of the task queue.
type Dispatcher struct {
	tasks     chan Task
	visited   *visitedSet
	evaluator *evaluator.Evaluator
	walker    *graphwalker.Walker
	store     Store
	scheduler SchedulerHook
	recorder  metrics.Recorder

	backgroundEvals sync.WaitGroup
}

// New wires a Dispatcher to its collaborators. recorder may be nil.
func New(eval *evaluator.Evaluator, walker *graphwalker.Walker, st Store, sched SchedulerHook, recorder metrics.Recorder) *Dispatcher {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Dispatcher{
		tasks:     make(chan Task, queueCapacity),
		visited:   newVisitedSet(),
		evaluator: eval,
		walker:    walker,
		store:     st,
		scheduler: sched,
		recorder:  recorder,
	}
}

// Submit enqueues t without blocking. It returns a transport error if the
// queue is at capacity, which callers (ControlService) surface as a hard
// connection failure per §4.1.
func (d *Dispatcher) Submit(t Task) error {
	select {
	case d.tasks <- t:
		d.recorder.SetQueueDepth(len(d.tasks))
		return nil
	default:
		return ekerrors.New(ekerrors.KindTransport, "dispatcher queue is full")
	}
}

// Run drains the task queue until ctx is cancelled, processing one task
// at a time in FIFO order. A bad task is logged and the loop continues.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.backgroundEvals.Wait()
			return
		case t := <-d.tasks:
			d.recorder.SetQueueDepth(len(d.tasks))
			d.handle(ctx, t)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, t Task) {
	switch t.Kind {
	case KindJob:
		d.handleJob(ctx, t.JobPath)
	case KindTraverseDerivation:
		d.handleTraverse(ctx, t)
	default:
		slog.Warn("dispatcher: unknown task kind", slog.String("kind", string(t.Kind)))
	}
}

// handleJob invokes the evaluator in the background (it is a long-lived
// subprocess stream, a suspension point per §5) and re-posts a
// TraverseDerivation task for every derivation it emits. Running this off
// the consumer goroutine means an in-flight evaluation never blocks the
// single reader from draining other tasks.
//
// It resolves path's containing git repository's HEAD once per job (§11)
// and stamps every re-posted task with it; a job file outside any git
// working tree simply yields an empty GitRepo/GitCommit, which
// handleTraverse treats as "nothing to record".
func (d *Dispatcher) handleJob(ctx context.Context, path string) {
	if d.evaluator == nil {
		slog.Warn("dispatcher: no evaluator configured, dropping job", logfields.JobPath(path))
		return
	}
	commit, repo, err := gitresolve.ResolveHead(path)
	if err != nil {
		slog.Debug("dispatcher: job file is not inside a git working tree, leaving git_commit unset",
			logfields.JobPath(path), logfields.Error(err))
	}

	d.backgroundEvals.Add(1)
	go func() {
		defer d.backgroundEvals.Done()
		for ev := range d.evaluator.Evaluate(ctx, path) {
			if ev.Record == nil {
				continue
			}
			task := TraverseDerivation(ev.Record.DrvPath)
			task.System = ev.Record.System
			task.GitRepo = repo
			task.GitCommit = commit
			if err := d.Submit(task); err != nil {
				slog.Warn("dispatcher: dropping traverse task, queue full",
					logfields.JobPath(path), logfields.DrvID(string(ev.Record.DrvPath)), logfields.Error(err))
			}
		}
	}()
}

// handleTraverse is the TraverseDerivation branch of §4.2: a no-op if id
// is already known, otherwise a synchronous graph walk followed by
// handing the newly discovered ids to the scheduler.
func (d *Dispatcher) handleTraverse(ctx context.Context, t Task) {
	norm := drv.Normalize(t.DrvID)
	if d.visited.Seen(norm) {
		return
	}
	has, err := d.store.HasDrv(ctx, norm)
	if err != nil {
		slog.Warn("dispatcher: has_drv check failed", logfields.DrvID(string(norm)), logfields.Error(err))
		return
	}
	if has {
		d.visited.Mark(norm)
		return
	}

	ids, err := d.walker.Walk(ctx, norm, t.System, d.visited)
	if err != nil {
		slog.Warn("dispatcher: graph walk failed", logfields.DrvID(string(norm)), logfields.Error(err))
		return
	}
	if len(ids) == 0 || d.scheduler == nil {
		return
	}
	if t.GitCommit != "" {
		d.scheduler.SetGitOrigin(norm, t.GitRepo, t.GitCommit)
	}
	if err := d.scheduler.OnDrvsInserted(ctx, ids); err != nil {
		slog.Warn("dispatcher: scheduler failed to process inserted drvs",
			logfields.DrvID(string(norm)), logfields.Error(err))
	}
}

// QueueDepth reports the current number of queued, unprocessed tasks.
func (d *Dispatcher) QueueDepth() int { return len(d.tasks) }
