// Package workspace manages the user's workspace registry.
//
// Workspaces are named groupings of realms with their own sync settings.
// The registry is a human-editable TOML file (workspaces.toml) in the
// lorekeep base directory, one [workspaces.<name>] table per workspace.
// At most one workspace is default at any time; the first one created
// becomes default automatically.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the registry's name inside the base directory.
const FileName = "workspaces.toml"

// DefaultSyncInterval is used when a workspace has auto-sync enabled but
// no interval configured (or an unparsable one).
const DefaultSyncInterval = 5 * time.Minute

var (
	// ErrNotFound is returned when the named workspace is not registered.
	ErrNotFound = errors.New("workspace not found")

	// ErrExists is returned when creating a workspace whose name is taken.
	ErrExists = errors.New("workspace already exists")

	// ErrNoDefault is returned when no workspace is marked default.
	ErrNoDefault = errors.New("no default workspace")
)

// Filters optionally narrow a workspace's replication scope: only events
// for the listed realm ids are applied on pull, and only those realms are
// exported. Empty lists mean no restriction.
type Filters struct {
	Realms    []string `toml:"realms,omitempty"`
	LoreTypes []string `toml:"lore_types,omitempty"`
}

// Workspace is one registered workspace and its sync settings.
type Workspace struct {
	Name        string `toml:"-"`
	SyncDir     string `toml:"sync_dir"`
	SyncEnabled bool   `toml:"sync_enabled"`
	RemoteURL   string `toml:"remote_url,omitempty"`
	Branch      string `toml:"branch,omitempty"`

	AutoSync bool `toml:"auto_sync"`
	// AutoSyncInterval is a duration string ("30s", "5m") so the file
	// stays hand-editable. Use SyncInterval for the parsed value.
	AutoSyncInterval string `toml:"auto_sync_interval,omitempty"`

	Filters Filters `toml:"filters,omitempty"`

	Default   bool      `toml:"default"`
	CreatedAt time.Time `toml:"created_at"`
	UpdatedAt time.Time `toml:"updated_at"`
}

// SyncInterval returns the parsed auto-sync interval, falling back to
// DefaultSyncInterval when unset or malformed.
func (w *Workspace) SyncInterval() time.Duration {
	if w.AutoSyncInterval == "" {
		return DefaultSyncInterval
	}
	d, err := time.ParseDuration(w.AutoSyncInterval)
	if err != nil || d <= 0 {
		return DefaultSyncInterval
	}
	return d
}

// registryFile is the on-disk shape of workspaces.toml.
type registryFile struct {
	Workspaces map[string]*Workspace `toml:"workspaces"`
}

// Registry reads and writes the workspace registry of one base directory.
type Registry struct {
	baseDir string
	path    string
	mu      sync.Mutex
}

// NewRegistry returns a Registry rooted at the given base directory
// (typically ~/.lorekeep).
func NewRegistry(baseDir string) *Registry {
	return &Registry{
		baseDir: baseDir,
		path:    filepath.Join(baseDir, FileName),
	}
}

// Path returns the registry file's location.
func (r *Registry) Path() string {
	return r.path
}

// Create registers a new workspace. Missing settings get defaults: the
// sync directory lands under <base>/workspaces/<name>, the branch is
// "main", and sync is enabled. The very first workspace created becomes
// the default.
func (r *Registry) Create(w Workspace) (*Workspace, error) {
	if w.Name == "" {
		return nil, fmt.Errorf("workspace name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return nil, err
	}
	if _, ok := file.Workspaces[w.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, w.Name)
	}

	if w.SyncDir == "" {
		w.SyncDir = filepath.Join(r.baseDir, "workspaces", w.Name)
	}
	if w.Branch == "" {
		w.Branch = "main"
	}
	w.SyncEnabled = true
	w.Default = len(file.Workspaces) == 0
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	file.Workspaces[w.Name] = &w
	if err := r.save(file); err != nil {
		return nil, err
	}
	created := w
	return &created, nil
}

// Get returns the named workspace.
func (r *Registry) Get(name string) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return nil, err
	}
	w, ok := file.Workspaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	copied := *w
	return &copied, nil
}

// List returns every registered workspace, sorted by name.
func (r *Registry) List() ([]*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return nil, err
	}

	out := make([]*Workspace, 0, len(file.Workspaces))
	for _, w := range file.Workspaces {
		copied := *w
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Default returns the workspace currently marked default.
func (r *Registry) Default() (*Workspace, error) {
	list, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, w := range list {
		if w.Default {
			return w, nil
		}
	}
	return nil, ErrNoDefault
}

// SetDefault marks the named workspace as default and clears the flag on
// whichever workspace held it before.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return err
	}
	target, ok := file.Workspaces[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	now := time.Now().UTC()
	for _, w := range file.Workspaces {
		if w.Default && w.Name != name {
			w.Default = false
			w.UpdatedAt = now
		}
	}
	if !target.Default {
		target.Default = true
		target.UpdatedAt = now
	}
	return r.save(file)
}

// Update replaces the named workspace's settings. The default flag is
// managed through SetDefault and is preserved as stored.
func (r *Registry) Update(w Workspace) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return nil, err
	}
	current, ok := file.Workspaces[w.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, w.Name)
	}

	w.Default = current.Default
	w.CreatedAt = current.CreatedAt
	w.UpdatedAt = time.Now().UTC()
	file.Workspaces[w.Name] = &w

	if err := r.save(file); err != nil {
		return nil, err
	}
	updated := w
	return &updated, nil
}

// Remove unregisters the named workspace. The sync directory on disk is
// left alone. When the default workspace is removed, the first remaining
// workspace (by name) becomes default so the registry is never left
// without one.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load()
	if err != nil {
		return err
	}
	w, ok := file.Workspaces[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	wasDefault := w.Default
	delete(file.Workspaces, name)

	if wasDefault && len(file.Workspaces) > 0 {
		names := make([]string, 0, len(file.Workspaces))
		for n := range file.Workspaces {
			names = append(names, n)
		}
		sort.Strings(names)
		promoted := file.Workspaces[names[0]]
		promoted.Default = true
		promoted.UpdatedAt = time.Now().UTC()
	}

	return r.save(file)
}

// load reads the registry, treating a missing file as an empty registry.
func (r *Registry) load() (*registryFile, error) {
	file := &registryFile{Workspaces: make(map[string]*Workspace)}

	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		return file, nil
	}
	if _, err := toml.DecodeFile(r.path, file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", r.path, err)
	}
	if file.Workspaces == nil {
		file.Workspaces = make(map[string]*Workspace)
	}
	for name, w := range file.Workspaces {
		w.Name = name
	}
	return file, nil
}

// save persists the registry atomically via a temp file and rename.
func (r *Registry) save(file *registryFile) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return fmt.Errorf("failed to encode workspace registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write workspace registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace workspace registry: %w", err)
	}
	return nil
}
