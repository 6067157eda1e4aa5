package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// run executes a git command in the repository directory with a timeout.
// Stderr is folded into the returned error so callers see git's own
// diagnostic without digging through output.
func (r *Repo) run(ctx context.Context, args ...string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: git %s", ErrTimeout, strings.Join(args, " "))
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrGitNotAvailable
		}
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("git %s failed: %w: %s",
				args[0], err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("git %s failed: %w", args[0], err)
	}

	return stdout.Bytes(), nil
}

// runCombined executes a git command and returns interleaved stdout and
// stderr, for operations whose failure mode is classified by scanning
// git's message text (merge, push, fetch).
func (r *Repo) runCombined(ctx context.Context, args ...string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return string(output), fmt.Errorf("%w: git %s", ErrTimeout, strings.Join(args, " "))
		}
		if errors.Is(err, exec.ErrNotFound) {
			return string(output), ErrGitNotAvailable
		}
	}
	return string(output), err
}

// parseLines splits command output into trimmed, non-empty lines.
func parseLines(output []byte) []string {
	if len(output) == 0 {
		return nil
	}

	lines := strings.Split(string(output), "\n")
	result := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}

	return result
}

// trimOutput trims whitespace and trailing newlines from command output.
func trimOutput(output []byte) string {
	return strings.TrimSpace(string(output))
}

// DefaultTimeout bounds a single git invocation. Network commands
// (fetch, push) inherit it unless the caller configures another value.
const DefaultTimeout = 60 * time.Second
