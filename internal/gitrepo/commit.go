package gitrepo

import (
	"context"
	"fmt"
	"strings"
)

// HasChanges returns true if there are uncommitted changes in the
// working tree, staged or not.
func (r *Repo) HasChanges(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return len(trimOutput(out)) > 0, nil
}

// AddAll stages every change in the working tree, including deletions
// and untracked files.
func (r *Repo) AddAll(ctx context.Context) error {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// StagedCount returns the number of files staged for the next commit.
func (r *Repo) StagedCount(ctx context.Context) (int, error) {
	out, err := r.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return 0, fmt.Errorf("git diff failed: %w", err)
	}
	return len(parseLines(out)), nil
}

// Commit records the staged changes with the given message.
func (r *Repo) Commit(ctx context.Context, message string) error {
	if message == "" {
		return fmt.Errorf("commit message is required")
	}

	output, err := r.runCombined(ctx, "commit", "-m", message, "--no-gpg-sign")
	if err != nil {
		return fmt.Errorf("git commit failed: %w\n%s", err, output)
	}
	return nil
}

// unmergedCodes are the porcelain XY status pairs that mark a path as
// unmerged after a conflicted merge.
var unmergedCodes = map[string]bool{
	"DD": true, "AU": true, "UD": true,
	"UA": true, "DU": true, "AA": true, "UU": true,
}

// HasUnmergedPaths returns true if the working tree holds conflict
// markers from an unfinished merge.
func (r *Repo) HasUnmergedPaths(ctx context.Context) (bool, error) {
	files, err := r.ConflictedFiles(ctx)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// ConflictedFiles returns the paths currently in conflict.
func (r *Repo) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}

	var conflicts []string
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 3 {
			continue
		}
		if unmergedCodes[line[:2]] {
			conflicts = append(conflicts, strings.TrimSpace(line[3:]))
		}
	}
	return conflicts, nil
}
