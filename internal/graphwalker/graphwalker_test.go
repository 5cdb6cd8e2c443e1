package graphwalker

import (
	"context"
	"os/exec"
	"sync"
	"testing"

	"github.com/nwimmer/ekaci/internal/drv"
	"github.com/nwimmer/ekaci/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVisited struct {
	mu   sync.Mutex
	seen map[drv.Id]bool
}

func newFakeVisited() *fakeVisited { return &fakeVisited{seen: make(map[drv.Id]bool)} }

func (f *fakeVisited) Seen(id drv.Id) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[id]
}

func (f *fakeVisited) Mark(id drv.Id) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[id] = true
}

type fakeStore struct {
	mu       sync.Mutex
	existing map[drv.Id]bool
	inserted []store.PendingDrv
}

func newFakeStore(existing ...drv.Id) *fakeStore {
	s := &fakeStore{existing: make(map[drv.Id]bool)}
	for _, id := range existing {
		s.existing[id] = true
	}
	return s
}

func (s *fakeStore) HasDrv(_ context.Context, id drv.Id) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[id], nil
}

func (s *fakeStore) InsertDrvGraph(_ context.Context, nodes []store.PendingDrv) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, nodes...)
	for _, n := range nodes {
		s.existing[n.ID] = true
	}
	return nil
}

// scriptedReferences returns a procrun.Factory simulating
// "nix-store --query --references <drv>" using a lookup table keyed by
// the final argument (the derivation path).
func scriptedReferences(t *testing.T, refsByDrv map[string][]string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	t.Helper()
	return func(ctx context.Context, _ string, args ...string) *exec.Cmd {
		drvArg := args[len(args)-1]
		refs := refsByDrv[drvArg]
		script := ""
		for _, r := range refs {
			script += "echo '" + r + "'\n"
		}
		script += "echo '/nix/store/not-a-derivation-source'\n"
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestWalkPersistsTransitiveClosure(t *testing.T) {
	refs := map[string][]string{
		"root.drv": {"mid.drv"},
		"mid.drv":  {"leaf.drv"},
		"leaf.drv": {},
	}
	s := newFakeStore()
	w := New(s, nil)
	w.Factory = scriptedReferences(t, refs)

	ids, err := w.Walk(context.Background(), "root.drv", "x86_64-linux", newFakeVisited())
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Len(t, s.inserted, 3)

	byID := map[drv.Id]store.PendingDrv{}
	for _, node := range s.inserted {
		byID[node.ID] = node
	}
	assert.Equal(t, []drv.Id{"mid.drv"}, byID["root.drv"].Refs)
	assert.Equal(t, "x86_64-linux", byID["root.drv"].System)
	assert.Empty(t, byID["leaf.drv"].Refs)
}

func TestWalkSkipsAlreadyInStore(t *testing.T) {
	refs := map[string][]string{"root.drv": {"shared.drv"}}
	s := newFakeStore("shared.drv")
	w := New(s, nil)
	w.Factory = scriptedReferences(t, refs)

	ids, err := w.Walk(context.Background(), "root.drv", "", newFakeVisited())
	require.NoError(t, err)
	assert.Len(t, ids, 1, "shared.drv already in store; only root.drv is newly inserted")
}

func TestWalkSkipsAlreadyVisitedInMemory(t *testing.T) {
	refs := map[string][]string{"root.drv": {"shared.drv"}}
	s := newFakeStore()
	w := New(s, nil)
	w.Factory = scriptedReferences(t, refs)

	visited := newFakeVisited()
	visited.Mark("shared.drv")

	ids, err := w.Walk(context.Background(), "root.drv", "", visited)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestWalkNoReferences(t *testing.T) {
	refs := map[string][]string{"lonely.drv": {}}
	s := newFakeStore()
	w := New(s, nil)
	w.Factory = scriptedReferences(t, refs)

	ids, err := w.Walk(context.Background(), "lonely.drv", "x86_64-linux", newFakeVisited())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Empty(t, s.inserted[0].Refs)
}
