// Package gitrepo wraps the git CLI for workspace sync directories.
//
// Each workspace replicates through one plain git repository: change event
// files and the workspace descriptor are committed locally and exchanged
// with an optional remote. This package covers exactly the operations that protocol
// needs (init, stage, commit, fetch, merge, push, commit-range diffs) and
// classifies git's failure modes into sentinel errors the sync layer can
// act on.
package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBranch is used when a workspace does not configure one.
const DefaultBranch = "main"

// Repo is a handle to one sync directory's git repository.
type Repo struct {
	// dir is the repository root, which is always the sync directory
	// itself; sync repositories are never nested in a larger checkout.
	dir string

	// timeout bounds each git invocation.
	timeout time.Duration
}

// Option configures a Repo.
type Option func(*Repo)

// WithTimeout overrides the per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Repo) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Open returns a handle to an existing repository at dir. It fails with
// ErrNotARepo when dir is not a repository root.
func Open(dir string, opts ...Option) (*Repo, error) {
	r := &Repo{dir: dir, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}

	out, err := r.run(context.Background(), "rev-parse", "--show-toplevel")
	if err != nil {
		if IsFatal(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNotARepo, dir)
	}

	top := trimOutput(out)
	if resolved, err := filepath.EvalSymlinks(top); err == nil {
		top = resolved
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if top != abs {
		return nil, fmt.Errorf("%w: %s is inside repository %s", ErrNotARepo, dir, top)
	}

	return r, nil
}

// Init creates a new repository at dir on the given branch and returns a
// handle to it. The directory is created if missing. Init on an existing
// repository is an error; use Open.
func Init(dir, branch string, opts ...Option) (*Repo, error) {
	if branch == "" {
		branch = DefaultBranch
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sync directory: %w", err)
	}

	r := &Repo{dir: dir, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}

	if _, err := r.run(context.Background(), "init", "-b", branch); err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	return r, nil
}

// IsRepo reports whether dir is a git repository root.
func IsRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// Dir returns the repository root directory.
func (r *Repo) Dir() string {
	return r.dir
}

// CurrentBranch returns the checked-out branch name, or "" for a
// detached HEAD.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "not a symbolic ref") {
			return "", nil
		}
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return trimOutput(out), nil
}

// CurrentCommit returns the commit hash of HEAD, or "" when the
// repository has no commits yet.
func (r *Repo) CurrentCommit(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", "HEAD")
	if err != nil {
		// An unborn branch has no HEAD to resolve.
		return "", nil
	}
	return trimOutput(out), nil
}

// BranchExists returns true if the named local branch exists.
func (r *Repo) BranchExists(ctx context.Context, name string) bool {
	_, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// EnsureBranch makes sure the named branch is checked out, creating it at
// HEAD when it does not exist yet. On a repository with no commits the
// unborn branch is renamed instead, since there is nothing to branch from.
func (r *Repo) EnsureBranch(ctx context.Context, name string) error {
	current, err := r.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current == name {
		return nil
	}

	head, err := r.CurrentCommit(ctx)
	if err != nil {
		return err
	}
	if head == "" {
		if _, err := r.run(ctx, "branch", "-m", name); err != nil {
			return fmt.Errorf("failed to rename unborn branch: %w", err)
		}
		return nil
	}

	if !r.BranchExists(ctx, name) {
		if _, err := r.run(ctx, "branch", name); err != nil {
			return fmt.Errorf("failed to create branch %s: %w", name, err)
		}
	}
	if _, err := r.run(ctx, "checkout", name); err != nil {
		return fmt.Errorf("failed to check out branch %s: %w", name, err)
	}
	return nil
}

// SetIdentity configures the committer identity for this repository only.
// Sync commits are machine-made; the identity names the device, not a
// person.
func (r *Repo) SetIdentity(ctx context.Context, name, email string) error {
	if _, err := r.run(ctx, "config", "user.name", name); err != nil {
		return fmt.Errorf("failed to set committer name: %w", err)
	}
	if _, err := r.run(ctx, "config", "user.email", email); err != nil {
		return fmt.Errorf("failed to set committer email: %w", err)
	}
	return nil
}
