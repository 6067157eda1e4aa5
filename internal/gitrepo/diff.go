package gitrepo

import (
	"context"
	"fmt"
)

// ChangedFiles returns the paths that differ between two commits,
// restricted to the given path scope. An empty oldCommit means "before
// history began": every file present at newCommit under the scope is
// returned, which is what a fresh replica needs on its first pull.
func (r *Repo) ChangedFiles(ctx context.Context, oldCommit, newCommit, scope string) ([]string, error) {
	if newCommit == "" {
		return nil, nil
	}

	if oldCommit == "" {
		return r.FilesAt(ctx, newCommit, scope)
	}

	args := []string{"diff", "--name-only", oldCommit, newCommit}
	if scope != "" {
		args = append(args, "--", scope)
	}

	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	return parseLines(out), nil
}

// FilesAt lists every file reachable from the given commit under scope.
func (r *Repo) FilesAt(ctx context.Context, commit, scope string) ([]string, error) {
	args := []string{"ls-tree", "-r", "--name-only", commit}
	if scope != "" {
		args = append(args, "--", scope)
	}

	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("git ls-tree failed: %w", err)
	}
	return parseLines(out), nil
}
