// Package identity manages the per-machine device identity.
//
// Every replicated change is stamped with the local device id, and pulls use
// the same id to filter out this device's own changes when they come back
// from the shared repository. The id is generated once and persisted under
// the per-user base directory; losing it would make the device re-apply its
// own history, so identity failures are fatal to sync.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// deviceFileName is the identity file inside the base directory.
const deviceFileName = "device.json"

// deviceFile is the on-disk identity record.
type deviceFile struct {
	DeviceID  string    `json:"deviceId"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeviceID returns the stable identifier for this machine, creating and
// persisting one on first use.
func DeviceID(baseDir string) (string, error) {
	path := filepath.Join(baseDir, deviceFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var dev deviceFile
		if jsonErr := json.Unmarshal(data, &dev); jsonErr == nil && dev.DeviceID != "" {
			return dev.DeviceID, nil
		}
		// Unreadable identity is not self-healed: overwriting it would orphan
		// every event already attributed to the old id.
		return "", fmt.Errorf("device identity file %s is corrupt", path)
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device identity: %w", err)
	}

	dev := deviceFile{
		DeviceID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}

	if err := writeDeviceFile(path, &dev); err != nil {
		return "", err
	}

	return dev.DeviceID, nil
}

// writeDeviceFile persists the identity atomically with user-only permissions.
func writeDeviceFile(path string, dev *deviceFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	data, err := json.MarshalIndent(dev, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal device identity: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write device identity: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to persist device identity: %w", err)
	}

	return nil
}
