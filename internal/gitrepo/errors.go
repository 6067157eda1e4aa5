package gitrepo

import "errors"

// Errors returned by repository operations.
//
// These can be checked with errors.Is() for proper handling:
//
//	if errors.Is(err, gitrepo.ErrConflicts) {
//	    // Surface the conflict to the user; never auto-resolve.
//	}
var (
	// ErrNotARepo is returned when the directory exists but is not a
	// git repository root.
	ErrNotARepo = errors.New("not a git repository")

	// ErrGitNotAvailable is returned when the git binary is not
	// installed or not in PATH.
	ErrGitNotAvailable = errors.New("git binary not available")

	// ErrNoRemote is returned when an operation requires a remote
	// but none is configured.
	ErrNoRemote = errors.New("no remote configured")

	// ErrConflicts is returned when a merge stops on unresolved
	// conflicts. Resolution is a manual step; callers report, never
	// auto-resolve.
	ErrConflicts = errors.New("unresolved merge conflicts")

	// ErrPushRejected is returned when the remote refuses a push,
	// typically a non-fast-forward update. Usually resolved by
	// pulling first.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrMergeRequired is returned when local and remote histories
	// have diverged and a merge decision is needed.
	ErrMergeRequired = errors.New("merge required")

	// ErrAuthFailed is returned when the remote rejects the
	// configured credentials.
	ErrAuthFailed = errors.New("remote authentication failed")

	// ErrRemoteUnreachable is returned when the remote host cannot
	// be resolved or connected to.
	ErrRemoteUnreachable = errors.New("remote unreachable")

	// ErrRemoteEmpty is returned by fetch when the remote exists but
	// does not have the requested branch yet. First push from this
	// side will create it.
	ErrRemoteEmpty = errors.New("remote branch does not exist")

	// ErrTimeout is returned when a repository operation exceeds its
	// deadline.
	ErrTimeout = errors.New("operation timed out")
)

// IsRetryable returns true if the error is likely to succeed on retry,
// such as transient network failures or timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Timeouts are often transient
	if errors.Is(err, ErrTimeout) {
		return true
	}

	// The host may come back
	if errors.Is(err, ErrRemoteUnreachable) {
		return true
	}

	// Push rejections might succeed after a pull
	if errors.Is(err, ErrPushRejected) {
		return true
	}

	return false
}

// IsUserActionRequired returns true if the error needs manual
// intervention to resolve (conflicts, divergent history, credentials).
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}

	// Conflicts need manual resolution
	if errors.Is(err, ErrConflicts) {
		return true
	}

	// Divergent histories need a merge decision
	if errors.Is(err, ErrMergeRequired) {
		return true
	}

	// Credentials have to be fixed outside this process
	if errors.Is(err, ErrAuthFailed) {
		return true
	}

	return false
}

// IsFatal returns true if the error indicates a state no retry can fix,
// requiring re-initialization or an installed git.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotARepo) {
		return true
	}

	if errors.Is(err, ErrGitNotAvailable) {
		return true
	}

	return false
}
