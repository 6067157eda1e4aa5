package syncer

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/storage"
)

func newFilterAdapter(t *testing.T, realms, loreTypes []string) *Adapter {
	t.Helper()

	cfg := DefaultConfig()
	cfg.WorkspaceID = "ws-1"
	cfg.WorkspaceName = "test"
	cfg.SyncDir = t.TempDir()
	cfg.DeviceID = "dev-local"
	cfg.RealmFilter = realms
	cfg.LoreTypeFilter = loreTypes
	cfg.Logger = log.New(io.Discard, "", 0)

	a, err := New(cfg, newFakeStore())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return a
}

func eventInRealm(t *testing.T, op, entity, entityID, realmID string, data interface{}) *changelog.Event {
	t.Helper()

	var meta *changelog.Metadata
	if realmID != "" {
		meta = &changelog.Metadata{RealmID: realmID, WorkspaceID: "ws-1"}
	}
	ev, err := changelog.NewEvent("dev-remote", op, entity, entityID, data, meta)
	if err != nil {
		t.Fatalf("NewEvent() failed: %v", err)
	}
	return ev
}

func TestRealmFilterBlocksOtherRealms(t *testing.T) {
	a := newFilterAdapter(t, []string{"realm-keep"}, nil)

	tests := []struct {
		name string
		ev   *changelog.Event
		want bool
	}{
		{
			name: "lore in filtered realm",
			ev: eventInRealm(t, changelog.OpCreate, changelog.EntityLore, "lore-1", "realm-keep",
				storage.LoreInput{RealmID: "realm-keep", Content: "x", Type: storage.TypeInsight}),
			want: true,
		},
		{
			name: "lore in another realm",
			ev: eventInRealm(t, changelog.OpCreate, changelog.EntityLore, "lore-2", "realm-other",
				storage.LoreInput{RealmID: "realm-other", Content: "x", Type: storage.TypeInsight}),
			want: false,
		},
		{
			name: "realm entity scoped by its own id",
			ev: eventInRealm(t, changelog.OpCreate, changelog.EntityRealm, "realm-other", "",
				storage.RealmInput{WorkspaceID: "ws-1", Name: "other"}),
			want: false,
		},
		{
			name: "filtered realm's own creation",
			ev: eventInRealm(t, changelog.OpCreate, changelog.EntityRealm, "realm-keep", "",
				storage.RealmInput{WorkspaceID: "ws-1", Name: "keep"}),
			want: true,
		},
		{
			name: "unscoped event passes",
			ev:   eventInRealm(t, changelog.OpDelete, changelog.EntityLore, "lore-3", "", nil),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.allowedByFilters(tt.ev); got != tt.want {
				t.Errorf("allowedByFilters() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoreTypeFilterGatesCreationsOnly(t *testing.T) {
	a := newFilterAdapter(t, nil, []string{storage.TypeDecree})

	blocked := eventInRealm(t, changelog.OpCreate, changelog.EntityLore, "lore-1", "realm-1",
		storage.LoreInput{RealmID: "realm-1", Content: "x", Type: storage.TypeChronicle})
	if a.allowedByFilters(blocked) {
		t.Error("chronicle creation passed a decree-only filter")
	}

	allowed := eventInRealm(t, changelog.OpCreate, changelog.EntityLore, "lore-2", "realm-1",
		storage.LoreInput{RealmID: "realm-1", Content: "x", Type: storage.TypeDecree})
	if !a.allowedByFilters(allowed) {
		t.Error("decree creation was blocked by a decree-only filter")
	}

	// Updates are not gated: a lore that was filtered at creation does
	// not exist locally, so its update skips as a missing target anyway.
	update := eventInRealm(t, changelog.OpUpdate, changelog.EntityLore, "lore-1", "realm-1",
		map[string]string{"content": "y", "type": storage.TypeChronicle})
	if !a.allowedByFilters(update) {
		t.Error("lore update was blocked by the type filter")
	}

	relation := eventInRealm(t, changelog.OpCreate, changelog.EntityRelation, "a--related--b", "realm-1",
		storage.RelationInput{FromID: "a", ToID: "b", Type: storage.RelationRelated})
	if !a.allowedByFilters(relation) {
		t.Error("relation event was blocked by the lore type filter")
	}
}

func TestFilteredPullStillAdvancesWatermark(t *testing.T) {
	remote := newBareRemote(t)
	ctx := context.Background()

	storeA := newFakeStore()
	devA := newDevice(t, "device-aaaa", remote, storeA)
	mustInitialize(t, devA)

	storeA.realms["realm-other"] = &storage.Realm{ID: "realm-other", WorkspaceID: "ws-main"}
	recordLore(t, devA, "lore-1", "realm-other", "off-topic", storage.TypeInsight)
	if _, err := devA.Sync(ctx); err != nil {
		t.Fatalf("device A Sync() failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.WorkspaceID = "ws-b"
	cfg.WorkspaceName = "b-local"
	cfg.SyncDir = filepath.Join(t.TempDir(), "sync")
	cfg.DeviceID = "device-bbbb"
	cfg.RemoteURL = remote
	cfg.Retries = 1
	cfg.Backoff = 10 * time.Millisecond
	cfg.RealmFilter = []string{"realm-keep"}
	cfg.Logger = log.New(io.Discard, "", 0)

	storeB := newFakeStore()
	devB, err := New(cfg, storeB)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	mustInitialize(t, devB)

	result, err := devB.Sync(ctx)
	if err != nil {
		t.Fatalf("device B Sync() failed: %v", err)
	}
	if !result.Ok() {
		t.Fatalf("sync not ok: conflicts=%d errors=%v", result.Conflicts, result.Errors)
	}
	if result.Pulled != 0 {
		t.Errorf("Pulled = %d, want 0 (event outside realm filter)", result.Pulled)
	}
	if len(storeB.lores) != 0 {
		t.Errorf("filtered lore was applied: %d lore(s) in store", len(storeB.lores))
	}

	// The watermark moved past the filtered event: a second pull finds
	// nothing new rather than reconsidering it.
	again, err := devB.Pull(ctx)
	if err != nil {
		t.Fatalf("second Pull() failed: %v", err)
	}
	if again.Pulled != 0 {
		t.Errorf("second pull re-read filtered events: Pulled = %d, want 0", again.Pulled)
	}

	m, err := devB.Manifest()
	if err != nil {
		t.Fatalf("Manifest() failed: %v", err)
	}
	if m.LastAppliedCommit == "" {
		t.Error("LastAppliedCommit is empty after a filtered pull")
	}
}
