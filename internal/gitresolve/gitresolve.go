// Package gitresolve resolves the HEAD commit of a git-backed job file's
// containing repository, for the one git_repo/git_commit-producing
// component named by SPEC_FULL.md §3 but never wired to a concrete source
// by the distilled spec (§11).
package gitresolve

import (
	"path/filepath"

	"github.com/go-git/go-git/v5"

	ekerrors "github.com/nwimmer/ekaci/internal/errors"
)

// ResolveHead opens the git repository containing jobPath (walking up from
// jobPath's directory to find the repository root, the way go-git's
// PlainOpenWithOptions does with DetectDotGit) and returns HEAD's 40-hex
// commit id and the repository's working directory path.
func ResolveHead(jobPath string) (commit string, repoPath string, err error) {
	dir := filepath.Dir(jobPath)
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", "", ekerrors.Wrap(ekerrors.KindSubprocess, "open git repository for job file", err).WithContext("job_path", jobPath)
	}

	head, err := repo.Head()
	if err != nil {
		return "", "", ekerrors.Wrap(ekerrors.KindSubprocess, "resolve HEAD", err).WithContext("job_path", jobPath)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", "", ekerrors.Wrap(ekerrors.KindSubprocess, "resolve worktree root", err).WithContext("job_path", jobPath)
	}

	return head.Hash().String(), wt.Filesystem.Root(), nil
}
