package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeviceIDCreatesAndPersists(t *testing.T) {
	baseDir := t.TempDir()

	id1, err := DeviceID(baseDir)
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}
	if id1 == "" {
		t.Fatal("DeviceID() returned empty id")
	}

	// Identity file should exist on disk
	if _, err := os.Stat(filepath.Join(baseDir, deviceFileName)); err != nil {
		t.Errorf("device file not persisted: %v", err)
	}

	// Second call returns the same id
	id2, err := DeviceID(baseDir)
	if err != nil {
		t.Fatalf("DeviceID() second call failed: %v", err)
	}
	if id2 != id1 {
		t.Errorf("DeviceID() = %q on second call, want %q", id2, id1)
	}
}

func TestDeviceIDDistinctPerBaseDir(t *testing.T) {
	id1, err := DeviceID(t.TempDir())
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}

	id2, err := DeviceID(t.TempDir())
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}

	if id1 == id2 {
		t.Errorf("two base directories produced the same device id %q", id1)
	}
}

func TestDeviceIDCorruptFile(t *testing.T) {
	baseDir := t.TempDir()
	path := filepath.Join(baseDir, deviceFileName)

	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	if _, err := DeviceID(baseDir); err == nil {
		t.Error("DeviceID() succeeded on corrupt identity file, want error")
	}
}
