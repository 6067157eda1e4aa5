// Package manifest manages the sync bookkeeping of a workspace directory.
//
// Two files live at the root of a sync directory. manifest.json is this
// device's private ledger (device id, lastSync, last applied commit); it is
// kept out of replication because replicas must not inherit each other's
// bookkeeping. workspace.json is the shared workspace descriptor; it is
// committed once at creation and replicated so every device that joins
// agrees on the workspace identity and sync protocol.
//
// Timestamps only move forward: a replayed or clock-skewed update never
// rewinds lastSync.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/mod/semver"
)

// FileName is the manifest's name inside a sync directory. It is part of the
// on-disk format shared between devices.
const FileName = "manifest.json"

// SyncProtocol is the protocol version written into new manifests. Replicas
// accept manifests whose major version matches their own and refuse the rest.
const SyncProtocol = "1.0.0"

// manifestVersion is the schema version of the manifest file itself.
const manifestVersion = 1

// ErrIncompatible indicates the manifest was written by a replica speaking an
// incompatible sync protocol (different major version).
var ErrIncompatible = errors.New("incompatible sync protocol")

// Manifest identifies a synced workspace. All fields are part of the wire
// format; renaming a JSON key is a breaking protocol change.
type Manifest struct {
	Version       int       `json:"version"`
	WorkspaceID   string    `json:"workspaceId"`
	WorkspaceName string    `json:"workspaceName"`
	Created       time.Time `json:"created"`
	LastSync      time.Time `json:"lastSync"`
	DeviceID      string    `json:"deviceId"`
	SyncProtocol  string    `json:"syncProtocol"`

	// LastAppliedCommit records the newest remote commit whose events have
	// been fully applied to local storage. It is local bookkeeping and may
	// differ between replicas of the same workspace.
	LastAppliedCommit string `json:"lastAppliedCommit,omitempty"`
}

// Compatible reports whether a manifest written with protocol version other
// can be processed by a replica speaking ours. Only the major version has to
// match.
func Compatible(ours, other string) bool {
	return semver.Major("v"+ours) == semver.Major("v"+other)
}

// Store reads and writes the manifest of a single sync directory.
type Store struct {
	dir string
}

// NewStore returns a Store bound to the given sync directory.
func NewStore(syncDir string) *Store {
	return &Store{dir: syncDir}
}

// Path returns the absolute path of the manifest file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Exists reports whether the sync directory already has a manifest.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Load reads and validates the manifest. It returns ErrIncompatible when the
// manifest was written by a replica with a different protocol major version.
func (s *Store) Load() (*Manifest, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if m.WorkspaceID == "" {
		return nil, fmt.Errorf("invalid manifest: missing workspaceId")
	}
	if m.SyncProtocol == "" {
		return nil, fmt.Errorf("invalid manifest: missing syncProtocol")
	}
	if !Compatible(SyncProtocol, m.SyncProtocol) {
		return nil, fmt.Errorf("%w: manifest speaks %s, this device speaks %s",
			ErrIncompatible, m.SyncProtocol, SyncProtocol)
	}

	return &m, nil
}

// Init writes a fresh manifest for a workspace. It fails if one already
// exists; an initialized sync directory keeps its identity.
func (s *Store) Init(workspaceID, workspaceName, deviceID string) (*Manifest, error) {
	if s.Exists() {
		return nil, fmt.Errorf("manifest already exists at %s", s.Path())
	}

	now := time.Now().UTC()
	m := &Manifest{
		Version:       manifestVersion,
		WorkspaceID:   workspaceID,
		WorkspaceName: workspaceName,
		Created:       now,
		LastSync:      now,
		DeviceID:      deviceID,
		SyncProtocol:  SyncProtocol,
	}

	if err := s.write(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Touch advances lastSync to t. Earlier timestamps are ignored so lastSync
// never moves backwards, whatever order updates arrive in.
func (s *Store) Touch(t time.Time) (*Manifest, error) {
	m, err := s.Load()
	if err != nil {
		return nil, err
	}

	if t.After(m.LastSync) {
		m.LastSync = t
		if err := s.write(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MarkApplied records that every event up to and including commit has been
// applied to local storage, and advances lastSync.
func (s *Store) MarkApplied(commit string, t time.Time) (*Manifest, error) {
	m, err := s.Load()
	if err != nil {
		return nil, err
	}

	m.LastAppliedCommit = commit
	if t.After(m.LastSync) {
		m.LastSync = t
	}
	if err := s.write(m); err != nil {
		return nil, err
	}
	return m, nil
}

// write persists the manifest atomically via a temp file and rename.
func (s *Store) write(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := s.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create sync directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}
