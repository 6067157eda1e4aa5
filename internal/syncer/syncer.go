// Package syncer replicates a workspace's knowledge base through a git
// repository directory.
//
// One Adapter serves one workspace. Local mutations are recorded into the
// workspace's change log by the tracker; the adapter commits and pushes the
// log directory, pulls and merges the remote's commits, and replays the
// event files other devices added. Conflicts are never resolved
// automatically: a conflicted merge stops the pull with zero events applied
// and the count reported to the caller.
//
// All five operations (Initialize, RecordChange, Push, Pull, Sync) serialize
// against each other through an in-process mutex and an on-disk lock file,
// so two processes cannot interleave replay on the same directory.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/exporter"
	"github.com/lorekeep/lorekeep/internal/gitrepo"
	"github.com/lorekeep/lorekeep/internal/lockfile"
	"github.com/lorekeep/lorekeep/internal/manifest"
	"github.com/lorekeep/lorekeep/internal/storage"
	"github.com/lorekeep/lorekeep/internal/tracker"
)

// Config holds the per-workspace settings an Adapter needs.
type Config struct {
	// WorkspaceID identifies the workspace. When joining a remote that
	// already has history, the remote's id wins and is reported back
	// through Initialize.
	WorkspaceID string

	// WorkspaceName is the human-readable workspace name.
	WorkspaceName string

	// SyncDir is the repository directory holding the manifest, change
	// log, and export state.
	SyncDir string

	// DeviceID stamps outgoing events and filters them on the way back.
	DeviceID string

	// RemoteURL is the optional replication remote. Empty means
	// local-only: commits accumulate until a remote is configured.
	RemoteURL string

	// Remote is the git remote name. Defaults to "origin".
	Remote string

	// Branch is the sync branch. Defaults to "main".
	Branch string

	// Timeout bounds each network operation (fetch, push).
	Timeout time.Duration

	// Retries is how many times a failed network call is retried when
	// the failure looks transient.
	Retries int

	// Backoff is the initial retry delay, doubled per attempt.
	Backoff time.Duration

	// RealmFilter, when non-empty, restricts which pulled events are
	// applied: only events scoped to one of these realm ids pass.
	// Unscoped events always pass. The applied-commit watermark still
	// advances past filtered events; the filter is a standing
	// restriction for this device, not a deferral.
	RealmFilter []string

	// LoreTypeFilter, when non-empty, restricts which lore creations
	// are applied to those whose payload type is listed. Later updates
	// to a lore that was never created here fall out on their own.
	LoreTypeFilter []string

	// Logger receives operational messages. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns a Config with the stock timeout and retry policy.
func DefaultConfig() Config {
	return Config{
		Remote:  "origin",
		Branch:  gitrepo.DefaultBranch,
		Timeout: 60 * time.Second,
		Retries: 3,
		Backoff: 500 * time.Millisecond,
	}
}

// Adapter orchestrates sync for one workspace directory.
type Adapter struct {
	cfg    Config
	store  storage.Storage
	logger *log.Logger

	log      *changelog.Log
	manifest *manifest.Store
	tracker  *tracker.Tracker

	mu   sync.Mutex
	repo *gitrepo.Repo
}

// New builds an Adapter for the workspace described by cfg, backed by the
// given storage collaborator.
func New(cfg Config, store storage.Storage) (*Adapter, error) {
	if cfg.SyncDir == "" {
		return nil, fmt.Errorf("sync directory is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}

	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.Branch == "" {
		cfg.Branch = gitrepo.DefaultBranch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	a := &Adapter{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		log:      changelog.NewLog(cfg.SyncDir),
		manifest: manifest.NewStore(cfg.SyncDir),
	}

	// A directory that already synced knows its workspace better than
	// the caller does; its identity wins.
	if a.manifest.Exists() {
		if m, err := a.manifest.Load(); err == nil {
			a.cfg.WorkspaceID = m.WorkspaceID
			a.cfg.WorkspaceName = m.WorkspaceName
		}
	}

	a.bindTracker()
	return a, nil
}

// bindTracker (re)creates the tracker against the current workspace
// identity.
func (a *Adapter) bindTracker() {
	a.tracker = tracker.New(a.cfg.DeviceID, a.cfg.WorkspaceID, a.log, a.manifest)
	a.tracker.Initialize(a.store)
}

// Tracker returns the workspace's change tracker, the entry point for
// recording local mutations.
func (a *Adapter) Tracker() *tracker.Tracker {
	return a.tracker
}

// Manifest returns the current sync manifest.
func (a *Adapter) Manifest() (*manifest.Manifest, error) {
	return a.manifest.Load()
}

// lock serializes a sync operation across goroutines and processes.
// The returned release function must be called when the operation ends.
func (a *Adapter) lock() (release func(), err error) {
	a.mu.Lock()
	fl, err := lockfile.Acquire(filepath.Join(a.cfg.SyncDir, lockfile.Name), 0)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			a.logger.Printf("Warning: %v", err)
		}
		a.mu.Unlock()
	}, nil
}

// Initialize prepares the workspace's sync directory: creates the
// repository and directory skeleton, writes the shared workspace
// descriptor and the local manifest, and registers the remote. When the
// remote already carries the workspace's history, that history is adopted
// wholesale and its workspace identity wins over cfg's. Idempotent: on an
// initialized directory it only ensures branch, remote, and manifest are
// in place.
//
// The returned manifest reflects the effective workspace identity; callers
// that keep their own workspace records should reconcile with it.
func (a *Adapter) Initialize(ctx context.Context) (*manifest.Manifest, error) {
	if err := os.MkdirAll(a.cfg.SyncDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sync directory: %w", err)
	}

	release, err := a.lock()
	if err != nil {
		return nil, err
	}
	defer release()

	if gitrepo.IsRepo(a.cfg.SyncDir) {
		return a.ensureInitialized(ctx)
	}

	repo, err := gitrepo.Init(a.cfg.SyncDir, a.cfg.Branch, gitrepo.WithTimeout(a.cfg.Timeout))
	if err != nil {
		return nil, err
	}
	a.repo = repo
	if err := repo.SetIdentity(ctx, "lorekeep", a.cfg.DeviceID+"@devices.lorekeep.local"); err != nil {
		return nil, err
	}

	if err := writeGitignore(a.cfg.SyncDir); err != nil {
		return nil, err
	}

	adopted := false
	if a.cfg.RemoteURL != "" {
		if err := repo.SetRemote(ctx, a.cfg.Remote, a.cfg.RemoteURL); err != nil {
			return nil, err
		}
		adopted, err = a.bootstrapFromRemote(ctx)
		if err != nil {
			return nil, err
		}
	}

	if !adopted {
		id := &manifest.Identity{
			WorkspaceID:   a.cfg.WorkspaceID,
			WorkspaceName: a.cfg.WorkspaceName,
			Created:       time.Now().UTC(),
			CreatedBy:     a.cfg.DeviceID,
			SyncProtocol:  manifest.SyncProtocol,
		}
		if err := manifest.WriteIdentity(a.cfg.SyncDir, id); err != nil {
			return nil, err
		}
	}

	for _, sub := range []string{changelog.ChangesDir, exporter.StateDir} {
		if err := os.MkdirAll(filepath.Join(a.cfg.SyncDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	m, err := a.ensureManifest()
	if err != nil {
		return nil, err
	}
	a.adoptIdentity(m)

	changed, err := repo.HasChanges(ctx)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := repo.AddAll(ctx); err != nil {
			return nil, err
		}
		if err := repo.Commit(ctx, fmt.Sprintf("Initialize workspace %s", m.WorkspaceName)); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// adoptIdentity switches the adapter (and its tracker) to the manifest's
// workspace identity, which differs from cfg's when remote history was
// adopted during bootstrap. Future events must carry the shared id.
func (a *Adapter) adoptIdentity(m *manifest.Manifest) {
	if m.WorkspaceID == a.cfg.WorkspaceID && m.WorkspaceName == a.cfg.WorkspaceName {
		return
	}
	a.cfg.WorkspaceID = m.WorkspaceID
	a.cfg.WorkspaceName = m.WorkspaceName
	a.bindTracker()
}

// ensureInitialized repairs an already-initialized directory: branch
// checked out, remote registered, manifest present.
func (a *Adapter) ensureInitialized(ctx context.Context) (*manifest.Manifest, error) {
	repo, err := a.openRepo()
	if err != nil {
		return nil, err
	}
	if err := repo.EnsureBranch(ctx, a.cfg.Branch); err != nil {
		return nil, err
	}
	if a.cfg.RemoteURL != "" {
		if err := repo.SetRemote(ctx, a.cfg.Remote, a.cfg.RemoteURL); err != nil {
			return nil, err
		}
	}
	m, err := a.ensureManifest()
	if err != nil {
		return nil, err
	}
	a.adoptIdentity(m)
	return m, nil
}

// bootstrapFromRemote adopts the remote's history when the workspace has
// already synced from another device. Returns true when history (and the
// workspace descriptor in it) was adopted, false when the remote has no
// branch yet. An unreachable remote is reported and skipped so that
// offline initialization still succeeds; histories converge on the first
// pull that gets through.
func (a *Adapter) bootstrapFromRemote(ctx context.Context) (bool, error) {
	err := a.withRetry(ctx, "fetch", func(ctx context.Context) error {
		return a.repo.Fetch(ctx, a.cfg.Remote, a.cfg.Branch)
	})
	if err != nil {
		if isBenignFetchFailure(err) {
			a.logger.Printf("remote not usable during initialize (%v); starting fresh", err)
			return false, nil
		}
		return false, err
	}

	if err := a.repo.ResetHard(ctx, "FETCH_HEAD"); err != nil {
		return false, err
	}
	if _, err := manifest.LoadIdentity(a.cfg.SyncDir); err != nil {
		// Remote history without a descriptor predates this layout;
		// fall back to writing our own on top of it.
		a.logger.Printf("adopted history has no workspace descriptor: %v", err)
		return false, nil
	}
	return true, nil
}

func isBenignFetchFailure(err error) bool {
	return gitrepo.IsRetryable(err) ||
		errors.Is(err, gitrepo.ErrRemoteEmpty) ||
		errors.Is(err, gitrepo.ErrAuthFailed)
}

// ensureManifest loads the local manifest, creating it from the shared
// workspace descriptor (or cfg, if none) when missing.
func (a *Adapter) ensureManifest() (*manifest.Manifest, error) {
	if a.manifest.Exists() {
		return a.manifest.Load()
	}

	wsID, wsName := a.cfg.WorkspaceID, a.cfg.WorkspaceName
	if id, err := manifest.LoadIdentity(a.cfg.SyncDir); err == nil {
		wsID, wsName = id.WorkspaceID, id.WorkspaceName
	}
	return a.manifest.Init(wsID, wsName, a.cfg.DeviceID)
}

// RecordChange appends an externally constructed event to the change log
// and advances the manifest, the low-level path under the tracker's
// recording methods. Events from other devices are accepted as-is, which
// import tooling relies on.
func (a *Adapter) RecordChange(ev *changelog.Event) error {
	if err := a.log.Append(ev); err != nil {
		return err
	}
	if _, err := a.manifest.Touch(ev.Timestamp); err != nil {
		a.logger.Printf("Warning: failed to update manifest lastSync: %v", err)
	}
	return nil
}

// openRepo opens the repository handle once and caches it.
func (a *Adapter) openRepo() (*gitrepo.Repo, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	repo, err := gitrepo.Open(a.cfg.SyncDir, gitrepo.WithTimeout(a.cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("workspace not initialized: %w", err)
	}
	a.repo = repo
	return repo, nil
}

// withRetry runs fn, retrying transient failures with doubling backoff.
// Non-retryable errors and context cancellation end the loop immediately.
func (a *Adapter) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := a.cfg.Backoff
	var err error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		if attempt > 0 {
			a.logger.Printf("%s failed (%v), retrying in %v (attempt %d/%d)",
				op, err, backoff, attempt, a.cfg.Retries)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		err = fn(ctx)
		if err == nil || !gitrepo.IsRetryable(err) {
			return err
		}
	}
	return err
}

// gitignoreBody keeps per-device and transient files out of replication:
// the manifest (device-local bookkeeping), the lock, outbox intents, and
// export scratch files.
const gitignoreBody = manifest.FileName + "\n" +
	lockfile.Name + "\n" +
	changelog.ChangesDir + "/" + changelog.OutboxDir + "/\n" +
	exporter.StateDir + "/export-metadata.json\n" +
	exporter.StateDir + "/export-chunk-*.json\n"

func writeGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(gitignoreBody), 0644); err != nil {
		return fmt.Errorf("failed to write .gitignore: %w", err)
	}
	return nil
}
