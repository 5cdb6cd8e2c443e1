// Package graphwalker performs the depth-first traversal of a
// derivation's transitive reference closure, via the "nix-store --query
// --references" subprocess contract, and hands the whole discovered
// closure to the store in one atomic batch.
package graphwalker

import (
	"context"
	"strings"

	"github.com/nwimmer/ekaci/internal/drv"
	"github.com/nwimmer/ekaci/internal/logfields"
	"github.com/nwimmer/ekaci/internal/metrics"
	"github.com/nwimmer/ekaci/internal/procrun"
	"github.com/nwimmer/ekaci/internal/store"

	"log/slog"
)

// VisitedSet is the Dispatcher's in-memory memo cache, shared by
// reference into the Walker so that common base derivations are not
// re-walked across Build/Job tasks. Ownership stays with the Dispatcher;
// the Walker only reads and marks it (§3 Ownership, §9).
type VisitedSet interface {
	Seen(id drv.Id) bool
	Mark(id drv.Id)
}

// Store is the subset of *store.Store the walker needs, so tests can
// substitute a fake without a real database.
type Store interface {
	HasDrv(ctx context.Context, id drv.Id) (bool, error)
	InsertDrvGraph(ctx context.Context, nodes []store.PendingDrv) error
}

// Walker performs the traversal described in SPEC_FULL.md §4.4.
type Walker struct {
	Store    Store
	Command  string // "nix-store"
	Args     []string // "--query", "--references"
	Factory  procrun.Factory
	Recorder metrics.Recorder
}

// New builds a Walker with nix-store's default argument shape.
func New(s Store, recorder metrics.Recorder) *Walker {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Walker{
		Store:    s,
		Command:  "nix-store",
		Args:     []string{"--query", "--references"},
		Recorder: recorder,
	}
}

type pendingNode struct {
	system string
	refs   []drv.Id
}

// Walk traverses root's direct-reference closure depth-first, skipping
// anything already in visited or already persisted, and atomically
// persists everything newly discovered once the whole recursion
// completes. system is the platform triple for root if known (derivations
// discovered only as references get an empty system, per the resolved
// Open Question that System does not participate in equality).
func (w *Walker) Walk(ctx context.Context, root drv.Id, system string, visited VisitedSet) ([]drv.Id, error) {
	pending := make(map[drv.Id]*pendingNode)
	if err := w.walkOne(ctx, root, system, visited, pending); err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	nodes := make([]store.PendingDrv, 0, len(pending))
	ids := make([]drv.Id, 0, len(pending))
	for id, node := range pending {
		nodes = append(nodes, store.PendingDrv{ID: id, System: node.system, Refs: node.refs})
		ids = append(ids, id)
	}
	if err := w.Store.InsertDrvGraph(ctx, nodes); err != nil {
		return nil, err
	}
	w.Recorder.IncDrvsWalked(len(nodes))
	return ids, nil
}

func (w *Walker) walkOne(ctx context.Context, id drv.Id, system string, visited VisitedSet, pending map[drv.Id]*pendingNode) error {
	norm := drv.Normalize(id)

	if visited.Seen(norm) {
		return nil
	}
	if _, alreadyPending := pending[norm]; alreadyPending {
		return nil
	}
	has, err := w.Store.HasDrv(ctx, norm)
	if err != nil {
		return err
	}
	if has {
		visited.Mark(norm)
		return nil
	}

	refs, err := w.queryReferences(ctx, norm)
	if err != nil {
		return err
	}

	pending[norm] = &pendingNode{system: system, refs: refs}
	visited.Mark(norm)

	for _, ref := range refs {
		if err := w.walkOne(ctx, ref, "", visited, pending); err != nil {
			return err
		}
	}
	return nil
}

// queryReferences invokes "nix-store --query --references <drv>" and
// returns only the lines naming another derivation (ending ".drv"),
// filtering out source store paths that are not build dependencies.
func (w *Walker) queryReferences(ctx context.Context, id drv.Id) ([]drv.Id, error) {
	args := append(append([]string{}, w.Args...), string(id))
	lines, errs := procrun.Lines(ctx, w.Factory, w.Command, args...)

	var refs []drv.Id
	for line := range lines {
		if strings.HasSuffix(line, ".drv") {
			refs = append(refs, drv.Id(line))
		}
	}
	if err := <-errs; err != nil {
		w.Recorder.IncSubprocessInvocation("nix-store", "error")
		return nil, err
	}
	w.Recorder.IncSubprocessInvocation("nix-store", "success")
	slog.Debug("graphwalker: queried references", logfields.DrvID(string(id)), logfields.RefCount(len(refs)))
	return refs, nil
}
