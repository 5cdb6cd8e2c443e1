package gitresolve

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

func initRepoWithCommit(t *testing.T) (repoPath string, commit string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.nix"), []byte("{}\n"), 0o644))
	_, err = wt.Add("job.nix")
	require.NoError(t, err)

	hash, err := wt.Commit("add job file", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir, hash.String()
}

func TestResolveHeadReturnsCurrentCommit(t *testing.T) {
	dir, wantCommit := initRepoWithCommit(t)

	commit, repoPath, err := ResolveHead(filepath.Join(dir, "job.nix"))
	require.NoError(t, err)
	require.Equal(t, wantCommit, commit)
	require.NotEmpty(t, repoPath)
}

func TestResolveHeadErrorsOutsideAnyRepository(t *testing.T) {
	dir := t.TempDir()
	_, _, err := ResolveHead(filepath.Join(dir, "job.nix"))
	require.Error(t, err)
}
