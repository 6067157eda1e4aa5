package syncer

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/manifest"
	"github.com/lorekeep/lorekeep/internal/storage"
)

// newBareRemote creates a bare repository to stand in for the shared
// remote, and returns its path as a file:// style remote URL target.
func newBareRemote(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "remote.git")
	cmd := exec.Command("git", "init", "--bare", "-b", "main", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init --bare failed: %v\n%s", err, out)
	}
	return dir
}

// newDevice builds an adapter simulating one device, with its own sync
// directory and in-memory store.
func newDevice(t *testing.T, deviceID, remoteURL string, store storage.Storage) *Adapter {
	t.Helper()
	return newDeviceInWorkspace(t, deviceID, remoteURL, store, "ws-main", "main")
}

// newDeviceInWorkspace is newDevice with an explicit workspace identity,
// for join and divergence scenarios.
func newDeviceInWorkspace(t *testing.T, deviceID, remoteURL string, store storage.Storage, wsID, wsName string) *Adapter {
	t.Helper()

	cfg := DefaultConfig()
	cfg.WorkspaceID = wsID
	cfg.WorkspaceName = wsName
	cfg.SyncDir = filepath.Join(t.TempDir(), "sync")
	cfg.DeviceID = deviceID
	cfg.RemoteURL = remoteURL
	cfg.Retries = 1
	cfg.Backoff = 10 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)

	a, err := New(cfg, store)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return a
}

func mustInitialize(t *testing.T, a *Adapter) *manifest.Manifest {
	t.Helper()

	m, err := a.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	return m
}

func recordLore(t *testing.T, a *Adapter, loreID, realmID, content, loreType string) {
	t.Helper()

	err := a.Tracker().RecordLoreChange(changelog.OpCreate, loreID, realmID,
		storage.LoreInput{RealmID: realmID, Content: content, Type: loreType})
	if err != nil {
		t.Fatalf("RecordLoreChange() failed: %v", err)
	}
}

func TestInitializeCreatesLayout(t *testing.T) {
	a := newDevice(t, "device-a", "", newFakeStore())
	m := mustInitialize(t, a)

	if m.WorkspaceID != "ws-main" {
		t.Errorf("WorkspaceID = %q, want %q", m.WorkspaceID, "ws-main")
	}
	if m.DeviceID != "device-a" {
		t.Errorf("DeviceID = %q, want %q", m.DeviceID, "device-a")
	}

	for _, name := range []string{
		manifest.FileName,
		manifest.IdentityFileName,
		".gitignore",
		changelog.ChangesDir,
		"state",
	} {
		if _, err := os.Stat(filepath.Join(a.cfg.SyncDir, name)); err != nil {
			t.Errorf("expected %s in sync directory: %v", name, err)
		}
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	a := newDevice(t, "device-a", "", newFakeStore())
	first := mustInitialize(t, a)
	second := mustInitialize(t, a)

	if second.WorkspaceID != first.WorkspaceID {
		t.Errorf("second Initialize changed workspace id: %q -> %q",
			first.WorkspaceID, second.WorkspaceID)
	}
	if second.DeviceID != first.DeviceID {
		t.Errorf("second Initialize changed device id: %q -> %q",
			first.DeviceID, second.DeviceID)
	}
}

func TestSyncWithoutRemote(t *testing.T) {
	store := newFakeStore()
	store.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-main"}
	a := newDevice(t, "device-a", "", store)
	mustInitialize(t, a)
	ctx := context.Background()

	recordLore(t, a, "lore-1", "realm-1", "prefer table-driven tests", storage.TypeDecree)

	result, err := a.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if !result.Ok() {
		t.Fatalf("Sync() not ok: %+v", result)
	}
	if result.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", result.Pushed)
	}
	if result.Pulled != 0 {
		t.Errorf("Pulled = %d, want 0", result.Pulled)
	}

	// Nothing new: the second sync is a no-op.
	result, err = a.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync() failed: %v", err)
	}
	if result.Pushed != 0 || result.Pulled != 0 {
		t.Errorf("second Sync() = pushed %d pulled %d, want 0/0", result.Pushed, result.Pulled)
	}
}

func TestSyncTwoDevices(t *testing.T) {
	remote := newBareRemote(t)
	ctx := context.Background()

	// Device A creates a lore and syncs it out.
	storeA := newFakeStore()
	storeA.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-main"}
	devA := newDevice(t, "device-aaaa", remote, storeA)
	mustInitialize(t, devA)

	recordLore(t, devA, "lore-1", "realm-1", "Use Redis for caching", storage.TypeDecree)

	resA, err := devA.Sync(ctx)
	if err != nil {
		t.Fatalf("device A Sync() failed: %v", err)
	}
	if !resA.Ok() {
		t.Fatalf("device A Sync() not ok: %+v", resA)
	}
	if resA.Pushed != 1 {
		t.Errorf("device A Pushed = %d, want 1", resA.Pushed)
	}

	// Device B joins the same remote: it adopts A's workspace identity
	// even though it was configured with its own.
	storeB := newFakeStore()
	storeB.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-main"}
	devB := newDeviceInWorkspace(t, "device-bbbb", remote, storeB, "ws-b-local", "b-local")

	mB := mustInitialize(t, devB)
	if mB.WorkspaceID != "ws-main" {
		t.Errorf("device B adopted workspace %q, want %q", mB.WorkspaceID, "ws-main")
	}

	resB, err := devB.Sync(ctx)
	if err != nil {
		t.Fatalf("device B Sync() failed: %v", err)
	}
	if !resB.Ok() {
		t.Fatalf("device B Sync() not ok: %+v", resB)
	}
	if resB.Pulled != 1 {
		t.Errorf("device B Pulled = %d, want 1", resB.Pulled)
	}
	if resB.Conflicts != 0 {
		t.Errorf("device B Conflicts = %d, want 0", resB.Conflicts)
	}

	lore, ok := storeB.lores["lore-1"]
	if !ok {
		t.Fatal("device B store missing replicated lore")
	}
	if lore.Content != "Use Redis for caching" {
		t.Errorf("replicated Content = %q, want original", lore.Content)
	}
	if lore.Type != storage.TypeDecree {
		t.Errorf("replicated Type = %q, want %q", lore.Type, storage.TypeDecree)
	}
}

func TestSyncFiltersOwnEvents(t *testing.T) {
	remote := newBareRemote(t)
	ctx := context.Background()

	store := newFakeStore()
	store.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-main"}
	a := newDevice(t, "device-a", remote, store)
	mustInitialize(t, a)

	recordLore(t, a, "lore-1", "realm-1", "own change", storage.TypeInsight)
	if _, err := a.Sync(ctx); err != nil {
		t.Fatalf("first Sync() failed: %v", err)
	}

	// The second sync sees this device's own event reflected back from
	// the remote; it must not replay it.
	result, err := a.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync() failed: %v", err)
	}
	if result.Pulled != 0 {
		t.Errorf("Pulled = %d, want 0 (own events filtered)", result.Pulled)
	}
	if got := store.mutationCount(); got != 0 {
		t.Errorf("store saw %d mutations from replaying own events, want 0", got)
	}
}

func TestSyncConflictStopsPull(t *testing.T) {
	remote := newBareRemote(t)
	ctx := context.Background()

	// Both devices initialize before either pushes, so each commits its
	// own workspace descriptor and the histories collide.
	storeA := newFakeStore()
	devA := newDevice(t, "device-a", remote, storeA)
	mustInitialize(t, devA)

	storeB := newFakeStore()
	devB := newDeviceInWorkspace(t, "device-b", remote, storeB, "ws-other", "other")
	mustInitialize(t, devB)

	if _, err := devA.Sync(ctx); err != nil {
		t.Fatalf("device A Sync() failed: %v", err)
	}

	result, err := devB.Sync(ctx)
	if err != nil {
		t.Fatalf("device B Sync() failed: %v", err)
	}
	if result.Conflicts == 0 {
		t.Fatal("expected conflicts, got none")
	}
	if result.Pulled != 0 {
		t.Errorf("Pulled = %d, want 0 on conflict", result.Pulled)
	}
	if result.Pushed != 0 {
		t.Errorf("Pushed = %d, want 0 (push skipped after conflicted pull)", result.Pushed)
	}
	if result.Message == "" {
		t.Error("expected a manual-resolution message")
	}
	if got := storeB.mutationCount(); got != 0 {
		t.Errorf("store saw %d mutations during conflicted pull, want 0", got)
	}

	// The conflict blocks every following pull until resolved by hand.
	again, err := devB.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() after conflict failed: %v", err)
	}
	if again.Conflicts == 0 {
		t.Error("unresolved conflict not reported on the next pull")
	}
}

func TestPullSkipsMalformedEventFiles(t *testing.T) {
	remote := newBareRemote(t)
	ctx := context.Background()

	storeA := newFakeStore()
	storeA.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-main"}
	devA := newDevice(t, "device-a", remote, storeA)
	mustInitialize(t, devA)

	recordLore(t, devA, "lore-1", "realm-1", "good event", storage.TypeInsight)

	// A half-written file rides along in the same push.
	day := filepath.Join(devA.cfg.SyncDir, changelog.ChangesDir, "2025-01-01")
	if err := os.MkdirAll(day, 0755); err != nil {
		t.Fatalf("failed to create partition: %v", err)
	}
	if err := os.WriteFile(filepath.Join(day, "1735689600000-device-x-create.json"), []byte("{broken"), 0644); err != nil {
		t.Fatalf("failed to plant malformed file: %v", err)
	}

	if _, err := devA.Sync(ctx); err != nil {
		t.Fatalf("device A Sync() failed: %v", err)
	}

	storeB := newFakeStore()
	storeB.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-main"}
	devB := newDevice(t, "device-b", remote, storeB)
	mustInitialize(t, devB)

	result, err := devB.Sync(ctx)
	if err != nil {
		t.Fatalf("device B Sync() failed: %v", err)
	}
	if !result.Ok() {
		t.Fatalf("Sync() not ok despite skip-on-malformed: %+v", result)
	}
	if result.Pulled != 1 {
		t.Errorf("Pulled = %d, want 1 (malformed file skipped)", result.Pulled)
	}
	if _, ok := storeB.lores["lore-1"]; !ok {
		t.Error("valid event not applied alongside the malformed one")
	}
}

func TestManifestLastSyncAdvances(t *testing.T) {
	store := newFakeStore()
	store.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-main"}
	a := newDevice(t, "device-a", "", store)
	m := mustInitialize(t, a)
	afterInit := m.LastSync

	recordLore(t, a, "lore-1", "realm-1", "x", storage.TypeInsight)
	m, err := a.Manifest()
	if err != nil {
		t.Fatalf("Manifest() failed: %v", err)
	}
	afterRecord := m.LastSync
	if afterRecord.Before(afterInit) {
		t.Errorf("lastSync went backwards after record: %v -> %v", afterInit, afterRecord)
	}

	if _, err := a.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	m, err = a.Manifest()
	if err != nil {
		t.Fatalf("Manifest() failed: %v", err)
	}
	if m.LastSync.Before(afterRecord) {
		t.Errorf("lastSync went backwards after sync: %v -> %v", afterRecord, m.LastSync)
	}
}

func TestPullResumesAfterPartialBatch(t *testing.T) {
	remote := newBareRemote(t)
	ctx := context.Background()

	storeA := newFakeStore()
	storeA.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-main"}
	devA := newDevice(t, "device-a", remote, storeA)
	mustInitialize(t, devA)
	recordLore(t, devA, "lore-1", "realm-1", "first", storage.TypeInsight)
	if _, err := devA.Sync(ctx); err != nil {
		t.Fatalf("device A Sync() failed: %v", err)
	}

	storeB := newFakeStore()
	storeB.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-main"}
	devB := newDevice(t, "device-b", remote, storeB)
	mustInitialize(t, devB)
	if _, err := devB.Sync(ctx); err != nil {
		t.Fatalf("device B Sync() failed: %v", err)
	}

	// Wind the applied marker back, as if the last pull died before
	// persisting it. The repeat replay must be harmless.
	m, err := devB.Manifest()
	if err != nil {
		t.Fatalf("Manifest() failed: %v", err)
	}
	if m.LastAppliedCommit == "" {
		t.Fatal("expected an applied commit marker after a clean pull")
	}
	if _, err := devB.manifest.MarkApplied("", time.Now().UTC()); err != nil {
		t.Fatalf("MarkApplied() failed: %v", err)
	}

	result, err := devB.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if !result.Ok() {
		t.Fatalf("re-pull not ok: %+v", result)
	}
	if len(storeB.lores) != 1 {
		t.Errorf("re-pull duplicated lores: %d, want 1", len(storeB.lores))
	}
}
