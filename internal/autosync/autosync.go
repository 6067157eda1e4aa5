// Package autosync runs background synchronization for workspaces that
// opted in.
//
// For every registered workspace the runner watches its changes/ tree
// with fsnotify: a freshly recorded event file schedules a sync after a
// debounce window, so bursts of edits collapse into one run. New day
// partitions are picked up and watched as they appear. A per-workspace
// interval ticker is the fallback for remote-only changes the local
// filesystem never sees.
package autosync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/syncer"
	"github.com/lorekeep/lorekeep/internal/tracker"
)

// Adapter is the slice of the sync adapter the runner drives.
type Adapter interface {
	Sync(ctx context.Context) (*syncer.SyncResult, error)
	Tracker() *tracker.Tracker
}

// Target is one workspace under automatic sync.
type Target struct {
	// Name identifies the workspace in logs.
	Name string

	// SyncDir is the workspace's sync directory; its changes/ subtree
	// is watched.
	SyncDir string

	// Interval is the fallback sync period when the filesystem is
	// quiet. Zero disables the ticker for this workspace.
	Interval time.Duration

	// Adapter performs the actual sync.
	Adapter Adapter
}

// Config holds runner-wide settings.
type Config struct {
	// Debounce is how long a workspace stays queued after its last
	// local event before a sync fires.
	Debounce time.Duration

	// Logger receives runner activity.
	Logger *log.Logger
}

// DefaultConfig returns the stock debounce and a stderr logger.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 2 * time.Second,
		Logger:   log.New(os.Stderr, "[autosync] ", log.LstdFlags),
	}
}

// Runner watches workspaces and schedules their syncs.
type Runner struct {
	cfg     *Config
	watcher *fsnotify.Watcher

	targets []*Target

	pending   map[string]time.Time // workspace name -> last event time
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runner. Targets are added with Add before Start.
func New(cfg *Config) (*Runner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[autosync] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:     cfg,
		watcher: watcher,
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Add registers a workspace and watches its changes/ tree, including the
// day partitions that already exist. Must be called before Start.
func (r *Runner) Add(t *Target) error {
	if t.Name == "" || t.SyncDir == "" || t.Adapter == nil {
		return fmt.Errorf("target needs a name, sync directory, and adapter")
	}

	changesRoot := filepath.Join(t.SyncDir, changelog.ChangesDir)
	if err := os.MkdirAll(changesRoot, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", changesRoot, err)
	}
	if err := r.watcher.Add(changesRoot); err != nil {
		return fmt.Errorf("failed to watch %s: %w", changesRoot, err)
	}

	entries, err := os.ReadDir(changesRoot)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", changesRoot, err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == changelog.OutboxDir {
			continue
		}
		if err := r.watcher.Add(filepath.Join(changesRoot, e.Name())); err != nil {
			r.cfg.Logger.Printf("Warning: failed to watch partition %s: %v", e.Name(), err)
		}
	}

	r.targets = append(r.targets, t)
	return nil
}

// Start runs the watcher, debounce, and interval loops. It blocks until
// ctx is cancelled, then shuts down cleanly.
func (r *Runner) Start(ctx context.Context) error {
	if len(r.targets) == 0 {
		return fmt.Errorf("no workspaces to watch")
	}

	for _, t := range r.targets {
		r.cfg.Logger.Printf("watching workspace %s (%s)", t.Name, t.SyncDir)
	}

	r.wg.Add(2)
	go r.watchEvents()
	go r.firePending()

	for _, t := range r.targets {
		if t.Interval <= 0 {
			continue
		}
		r.wg.Add(1)
		go r.tick(t)
	}

	select {
	case <-ctx.Done():
		r.cfg.Logger.Println("shutdown signal received")
		return r.Stop()
	case <-r.ctx.Done():
		return nil
	}
}

// Stop shuts the runner down and waits for in-flight work.
func (r *Runner) Stop() error {
	r.cancel()
	if err := r.watcher.Close(); err != nil {
		r.cfg.Logger.Printf("Warning: failed to close watcher: %v", err)
	}
	r.wg.Wait()
	r.cfg.Logger.Println("stopped")
	return nil
}

// watchEvents feeds filesystem activity into the pending queue and
// picks up new day partitions.
func (r *Runner) watchEvents() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.cfg.Logger.Printf("Warning: watcher error: %v", err)
		}
	}
}

func (r *Runner) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	// Outbox intents are pre-commit scratch; they schedule nothing.
	// The rename into a day partition fires its own event.
	if strings.Contains(event.Name, string(filepath.Separator)+changelog.OutboxDir) {
		return
	}

	t := r.targetFor(event.Name)
	if t == nil {
		return
	}

	// A new day partition: watch it so its event files are seen.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := r.watcher.Add(event.Name); err != nil {
				r.cfg.Logger.Printf("Warning: failed to watch partition %s: %v", event.Name, err)
			}
			return
		}
	}

	if filepath.Ext(event.Name) != ".json" {
		return
	}

	r.pendingMu.Lock()
	r.pending[t.Name] = time.Now()
	r.pendingMu.Unlock()
}

// targetFor resolves an event path to the workspace whose changes/ tree
// contains it.
func (r *Runner) targetFor(path string) *Target {
	for _, t := range r.targets {
		root := filepath.Join(t.SyncDir, changelog.ChangesDir) + string(filepath.Separator)
		if strings.HasPrefix(path, root) || path == filepath.Join(t.SyncDir, changelog.ChangesDir) {
			return t
		}
	}
	return nil
}

// firePending runs syncs for workspaces whose debounce window elapsed.
func (r *Runner) firePending() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.fireDue()
		}
	}
}

func (r *Runner) fireDue() {
	now := time.Now()
	var due []*Target

	r.pendingMu.Lock()
	for _, t := range r.targets {
		queuedAt, ok := r.pending[t.Name]
		if !ok || now.Sub(queuedAt) < r.cfg.Debounce {
			continue
		}
		// Mid-replay writes are the pull's own doing; hold the queue
		// entry until the tracker is recording again.
		if !t.Adapter.Tracker().Enabled() {
			continue
		}
		delete(r.pending, t.Name)
		due = append(due, t)
	}
	r.pendingMu.Unlock()

	for _, t := range due {
		r.runSync(t, "changes detected")
	}
}

// tick is the per-workspace interval fallback.
func (r *Runner) tick(t *Target) {
	defer r.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runSync(t, "interval")
		}
	}
}

func (r *Runner) runSync(t *Target, reason string) {
	result, err := t.Adapter.Sync(r.ctx)
	if err != nil {
		r.cfg.Logger.Printf("workspace %s: sync failed: %v", t.Name, err)
		return
	}

	switch {
	case result.Conflicts > 0:
		r.cfg.Logger.Printf("workspace %s: %d conflict(s), manual resolution required", t.Name, result.Conflicts)
	case len(result.Errors) > 0:
		r.cfg.Logger.Printf("workspace %s: sync finished with errors: %s", t.Name, strings.Join(result.Errors, "; "))
	case result.Pulled+result.Pushed > 0:
		r.cfg.Logger.Printf("workspace %s: pulled %d, pushed %d (%s)", t.Name, result.Pulled, result.Pushed, reason)
	}
}
