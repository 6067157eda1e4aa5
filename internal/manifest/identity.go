package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// IdentityFileName is the shared workspace descriptor inside a sync
// directory. Unlike the manifest it is committed and replicated: it is
// written once by the device that creates the workspace and adopted
// verbatim by every device that joins, so all replicas agree on the
// workspace id stamped into change events.
const IdentityFileName = "workspace.json"

// Identity is the replicated half of the workspace descriptor. The
// per-device half (lastSync, lastAppliedCommit, this device's id) lives
// in the local manifest.
type Identity struct {
	WorkspaceID   string    `json:"workspaceId"`
	WorkspaceName string    `json:"workspaceName"`
	Created       time.Time `json:"created"`
	CreatedBy     string    `json:"createdBy"`
	SyncProtocol  string    `json:"syncProtocol"`
}

// LoadIdentity reads the shared workspace descriptor from a sync
// directory, checking protocol compatibility.
func LoadIdentity(dir string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(dir, IdentityFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace descriptor: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to parse workspace descriptor: %w", err)
	}
	if id.WorkspaceID == "" {
		return nil, fmt.Errorf("invalid workspace descriptor: missing workspaceId")
	}
	if id.SyncProtocol != "" && !Compatible(SyncProtocol, id.SyncProtocol) {
		return nil, fmt.Errorf("%w: workspace speaks %s, this device speaks %s",
			ErrIncompatible, id.SyncProtocol, SyncProtocol)
	}
	return &id, nil
}

// WriteIdentity persists the shared workspace descriptor. Refuses to
// overwrite an existing one; workspace identity is write-once.
func WriteIdentity(dir string, id *Identity) error {
	path := filepath.Join(dir, IdentityFileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("workspace descriptor already exists at %s", path)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workspace descriptor: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create sync directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write workspace descriptor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace workspace descriptor: %w", err)
	}
	return nil
}
