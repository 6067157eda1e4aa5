package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitDefaults(t *testing.T) {
	if err := Init(t.TempDir()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	if got := GetDuration("sync.timeout"); got != 60*time.Second {
		t.Errorf("sync.timeout = %v, want 60s", got)
	}
	if got := GetInt("sync.retries"); got != 3 {
		t.Errorf("sync.retries = %d, want 3", got)
	}
	if got := GetDuration("sync.backoff"); got != 500*time.Millisecond {
		t.Errorf("sync.backoff = %v, want 500ms", got)
	}
	if got := GetInt("export.batch_size"); got != 100 {
		t.Errorf("export.batch_size = %d, want 100", got)
	}
	if got := GetDuration("autosync.debounce"); got != 2*time.Second {
		t.Errorf("autosync.debounce = %v, want 2s", got)
	}
	if got := GetInt("log.max_size_mb"); got != 10 {
		t.Errorf("log.max_size_mb = %d, want 10", got)
	}
}

func TestInitReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	body := "[sync]\nretries = 9\ntimeout = \"15s\"\n\n[export]\nbatch_size = 25\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := Init(dir); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	if got := GetInt("sync.retries"); got != 9 {
		t.Errorf("sync.retries = %d, want 9 from file", got)
	}
	if got := GetDuration("sync.timeout"); got != 15*time.Second {
		t.Errorf("sync.timeout = %v, want 15s from file", got)
	}
	if got := GetInt("export.batch_size"); got != 25 {
		t.Errorf("export.batch_size = %d, want 25 from file", got)
	}
	// Untouched keys keep their defaults.
	if got := GetInt("log.max_backups"); got != 3 {
		t.Errorf("log.max_backups = %d, want default 3", got)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	body := "[sync]\nretries = 9\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("LOREKEEP_SYNC_RETRIES", "7")

	if err := Init(dir); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if got := GetInt("sync.retries"); got != 7 {
		t.Errorf("sync.retries = %d, want 7 from environment", got)
	}
}

func TestInitRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[sync\nbroken"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := Init(dir); err == nil {
		t.Error("Init() accepted a malformed config file")
	}
}

func TestBaseDirHonorsOverride(t *testing.T) {
	t.Setenv("LOREKEEP_HOME", "/tmp/lorekeep-test-home")

	dir, err := BaseDir()
	if err != nil {
		t.Fatalf("BaseDir() failed: %v", err)
	}
	if dir != "/tmp/lorekeep-test-home" {
		t.Errorf("BaseDir() = %q, want override", dir)
	}
}
