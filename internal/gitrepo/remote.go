package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// HasRemote returns true if any remote is configured.
func (r *Repo) HasRemote(ctx context.Context) bool {
	out, err := r.run(ctx, "remote")
	if err != nil {
		return false
	}
	return len(trimOutput(out)) > 0
}

// RemoteURL returns the fetch URL of the named remote, or "" when it is
// not configured.
func (r *Repo) RemoteURL(ctx context.Context, name string) string {
	out, err := r.run(ctx, "remote", "get-url", name)
	if err != nil {
		return ""
	}
	return trimOutput(out)
}

// SetRemote points the named remote at url, adding or updating it as
// needed. A remote already set to url is left alone.
func (r *Repo) SetRemote(ctx context.Context, name, url string) error {
	current := r.RemoteURL(ctx, name)
	switch current {
	case url:
		return nil
	case "":
		if _, err := r.run(ctx, "remote", "add", name, url); err != nil {
			return fmt.Errorf("failed to add remote %s: %w", name, err)
		}
	default:
		if _, err := r.run(ctx, "remote", "set-url", name, url); err != nil {
			return fmt.Errorf("failed to update remote %s: %w", name, err)
		}
	}
	return nil
}

// Fetch fetches the given branch from the remote. Returns ErrRemoteEmpty
// when the remote is reachable but the branch does not exist there yet,
// and nil without doing anything when no remote is configured.
func (r *Repo) Fetch(ctx context.Context, remote, branch string) error {
	if !r.HasRemote(ctx) {
		return nil // local-only workspace
	}
	if remote == "" {
		remote = "origin"
	}

	args := []string{"fetch", remote}
	if branch != "" {
		args = append(args, branch)
	}

	output, err := r.runCombined(ctx, args...)
	if err != nil {
		if strings.Contains(output, "couldn't find remote ref") {
			return fmt.Errorf("%w: %s on %s", ErrRemoteEmpty, branch, remote)
		}
		if terr := classifyTransport(output, err); terr != nil {
			return terr
		}
		return fmt.Errorf("git fetch failed: %w\n%s", err, output)
	}
	return nil
}

// Merge merges ref into the current branch. Unrelated histories are
// allowed: two devices that each initialized before meeting a shared
// remote still have to converge, and any overlap surfaces as ordinary
// conflicts rather than a refusal. Returns ErrConflicts when the merge
// stops on conflicts, leaving the working tree for manual resolution.
func (r *Repo) Merge(ctx context.Context, ref string) error {
	output, err := r.runCombined(ctx, "merge", "--no-edit", "--allow-unrelated-histories", ref)
	if err != nil {
		if strings.Contains(output, "CONFLICT") || strings.Contains(output, "conflict") {
			return ErrConflicts
		}
		if strings.Contains(output, "non-fast-forward") {
			return ErrMergeRequired
		}
		return fmt.Errorf("git merge failed: %w\n%s", err, output)
	}
	return nil
}

// Push pushes the branch to the remote, setting the upstream on first
// push. Returns nil without doing anything when no remote is configured.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	if !r.HasRemote(ctx) {
		return nil // local-only workspace
	}
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		var err error
		branch, err = r.CurrentBranch(ctx)
		if err != nil {
			return err
		}
	}

	output, err := r.runCombined(ctx, "push", "-u", remote, branch)
	if err != nil {
		if strings.Contains(output, "rejected") || strings.Contains(output, "non-fast-forward") {
			return ErrPushRejected
		}
		if terr := classifyTransport(output, err); terr != nil {
			return terr
		}
		return fmt.Errorf("git push failed: %w\n%s", err, output)
	}
	return nil
}

// ResetHard moves the current branch (born or unborn) to ref and makes
// the working tree match. Used to adopt a remote's existing history when
// joining a workspace that already synced elsewhere.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	output, err := r.runCombined(ctx, "reset", "--hard", ref)
	if err != nil {
		return fmt.Errorf("git reset failed: %w\n%s", err, output)
	}
	return nil
}

// classifyTransport maps git's network and credential failure text onto
// sentinel errors. Returns nil when the output matches neither, leaving
// the caller to wrap the raw error.
func classifyTransport(output string, err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) || errors.Is(err, ErrTimeout) {
		return err
	}

	switch {
	case strings.Contains(output, "Authentication failed"),
		strings.Contains(output, "Permission denied"),
		strings.Contains(output, "could not read Username"),
		strings.Contains(output, "Invalid username or password"):
		return fmt.Errorf("%w: %s", ErrAuthFailed, firstLine(output))
	case strings.Contains(output, "Could not resolve host"),
		strings.Contains(output, "unable to access"),
		strings.Contains(output, "Connection refused"),
		strings.Contains(output, "Connection timed out"),
		strings.Contains(output, "Network is unreachable"):
		return fmt.Errorf("%w: %s", ErrRemoteUnreachable, firstLine(output))
	}
	return nil
}

func firstLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
