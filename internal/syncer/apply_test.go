package syncer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/storage"
)

// fakeStore is an in-memory storage collaborator that counts mutation
// calls, so tests can assert that a conflicted pull never touches it.
type fakeStore struct {
	mu        sync.Mutex
	lores     map[string]*storage.Lore
	realms    map[string]*storage.Realm
	relations map[string]*storage.Relation
	mutations int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lores:     make(map[string]*storage.Lore),
		realms:    make(map[string]*storage.Realm),
		relations: make(map[string]*storage.Relation),
	}
}

func (f *fakeStore) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations
}

func relKey(from, to, typ string) string { return from + "--" + typ + "--" + to }

func (f *fakeStore) FindLore(_ context.Context, id string) (*storage.Lore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.lores[id]; ok {
		copied := *l
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) CreateLore(_ context.Context, input storage.LoreInput) (*storage.Lore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	if _, ok := f.lores[input.ID]; ok {
		return nil, storage.ErrDuplicate
	}
	now := time.Now().UTC()
	lore := &storage.Lore{
		ID:        input.ID,
		RealmID:   input.RealmID,
		Content:   input.Content,
		Type:      input.Type,
		Status:    storage.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.lores[input.ID] = lore
	copied := *lore
	return &copied, nil
}

func (f *fakeStore) UpdateLore(_ context.Context, id string, patch storage.LorePatch) (*storage.Lore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	lore, ok := f.lores[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if patch.Content != nil {
		lore.Content = *patch.Content
	}
	if patch.Type != nil {
		lore.Type = *patch.Type
	}
	if patch.Status != nil {
		lore.Status = *patch.Status
	}
	lore.UpdatedAt = time.Now().UTC()
	copied := *lore
	return &copied, nil
}

func (f *fakeStore) DeleteLore(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	if _, ok := f.lores[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.lores, id)
	return nil
}

func (f *fakeStore) ArchiveLore(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	lore, ok := f.lores[id]
	if !ok {
		return storage.ErrNotFound
	}
	lore.Status = storage.StatusArchived
	return nil
}

func (f *fakeStore) FindRealm(_ context.Context, id string) (*storage.Realm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.realms[id]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) CreateRealm(_ context.Context, input storage.RealmInput) (*storage.Realm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	if _, ok := f.realms[input.ID]; ok {
		return nil, storage.ErrDuplicate
	}
	now := time.Now().UTC()
	realm := &storage.Realm{
		ID:          input.ID,
		WorkspaceID: input.WorkspaceID,
		Name:        input.Name,
		Path:        input.Path,
		Provinces:   input.Provinces,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.realms[input.ID] = realm
	copied := *realm
	return &copied, nil
}

func (f *fakeStore) CreateRelation(_ context.Context, input storage.RelationInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	from, ok := f.lores[input.FromID]
	if !ok {
		return storage.ErrNotFound
	}
	to, ok := f.lores[input.ToID]
	if !ok {
		return storage.ErrNotFound
	}
	if from.RealmID != to.RealmID {
		return storage.ErrCrossRealm
	}
	key := relKey(input.FromID, input.ToID, input.Type)
	if _, ok := f.relations[key]; ok {
		return storage.ErrDuplicate
	}
	f.relations[key] = &storage.Relation{
		FromID:    input.FromID,
		ToID:      input.ToID,
		Type:      input.Type,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (f *fakeStore) DeleteRelation(_ context.Context, from, to, relType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	delete(f.relations, relKey(from, to, relType))
	return nil
}

func (f *fakeStore) ListLoresByRealm(_ context.Context, realmID string) ([]*storage.Lore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.Lore
	for _, l := range f.lores {
		if l.RealmID == realmID {
			copied := *l
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRelationsByLore(_ context.Context, loreID string) ([]*storage.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.Relation
	for _, r := range f.relations {
		if r.FromID == loreID || r.ToID == loreID {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) WorkspaceRealms(_ context.Context, workspaceID string) ([]*storage.Realm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.Realm
	for _, r := range f.realms {
		if r.WorkspaceID == workspaceID {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

// newApplyAdapter builds an adapter wired to a fake store without
// touching git, for exercising the replay dispatch directly.
func newApplyAdapter(t *testing.T, store storage.Storage) *Adapter {
	t.Helper()

	cfg := DefaultConfig()
	cfg.WorkspaceID = "ws-1"
	cfg.WorkspaceName = "test"
	cfg.SyncDir = t.TempDir()
	cfg.DeviceID = "dev-local"
	cfg.Logger = log.New(io.Discard, "", 0)

	a, err := New(cfg, store)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return a
}

func mustEvent(t *testing.T, device, op, entity, entityID string, data interface{}, ts time.Time) *changelog.Event {
	t.Helper()

	ev, err := changelog.NewEvent(device, op, entity, entityID, data, &changelog.Metadata{
		RealmID:     "realm-1",
		WorkspaceID: "ws-1",
	})
	if err != nil {
		t.Fatalf("NewEvent() failed: %v", err)
	}
	if !ts.IsZero() {
		ev.Timestamp = ts
	}
	return ev
}

func TestApplyLoreCreateIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-1"}
	a := newApplyAdapter(t, store)
	ctx := context.Background()

	ev := mustEvent(t, "dev-remote", changelog.OpCreate, changelog.EntityLore, "lore-1",
		storage.LoreInput{RealmID: "realm-1", Content: "Use Redis for caching", Type: storage.TypeDecree}, time.Time{})

	for i := 0; i < 2; i++ {
		if err := a.applyEvent(ctx, ev); err != nil {
			t.Fatalf("applyEvent() pass %d failed: %v", i+1, err)
		}
	}

	if len(store.lores) != 1 {
		t.Fatalf("store holds %d lores after double apply, want exactly 1", len(store.lores))
	}
	lore := store.lores["lore-1"]
	if lore.Content != "Use Redis for caching" || lore.Type != storage.TypeDecree {
		t.Errorf("lore = %+v, want original content and type", lore)
	}
}

func TestApplyLoreOperationsSkipMissingTarget(t *testing.T) {
	store := newFakeStore()
	a := newApplyAdapter(t, store)
	ctx := context.Background()

	content := "new content"
	events := []*changelog.Event{
		mustEvent(t, "dev-remote", changelog.OpUpdate, changelog.EntityLore, "ghost",
			storage.LorePatch{Content: &content}, time.Time{}),
		mustEvent(t, "dev-remote", changelog.OpDelete, changelog.EntityLore, "ghost", nil, time.Time{}),
		mustEvent(t, "dev-remote", changelog.OpArchive, changelog.EntityLore, "ghost", nil, time.Time{}),
	}

	for _, ev := range events {
		if err := a.applyEvent(ctx, ev); err != nil {
			t.Errorf("applyEvent(%s) on missing target failed: %v", ev.Operation, err)
		}
	}
}

func TestApplyLoreCreateSkipsMissingRealm(t *testing.T) {
	store := newFakeStore()
	a := newApplyAdapter(t, store)

	ev := mustEvent(t, "dev-remote", changelog.OpCreate, changelog.EntityLore, "lore-1",
		storage.LoreInput{RealmID: "realm-gone", Content: "orphan"}, time.Time{})

	if err := a.applyEvent(context.Background(), ev); err != nil {
		t.Fatalf("applyEvent() failed: %v", err)
	}
	if len(store.lores) != 0 {
		t.Error("lore created despite its realm being absent")
	}
}

func TestApplyRealmCreateIsIdempotent(t *testing.T) {
	store := newFakeStore()
	a := newApplyAdapter(t, store)
	ctx := context.Background()

	ev := mustEvent(t, "dev-remote", changelog.OpCreate, changelog.EntityRealm, "realm-1",
		storage.RealmInput{WorkspaceID: "ws-1", Name: "api", Path: "/repos/api"}, time.Time{})

	for i := 0; i < 2; i++ {
		if err := a.applyEvent(ctx, ev); err != nil {
			t.Fatalf("applyEvent() pass %d failed: %v", i+1, err)
		}
	}
	if len(store.realms) != 1 {
		t.Errorf("store holds %d realms, want 1", len(store.realms))
	}
}

func TestApplyRealmUpdateIsRefused(t *testing.T) {
	store := newFakeStore()
	store.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-1", Name: "api"}
	a := newApplyAdapter(t, store)

	ev := mustEvent(t, "dev-remote", changelog.OpUpdate, changelog.EntityRealm, "realm-1",
		storage.RealmInput{Name: "renamed"}, time.Time{})

	if err := a.applyEvent(context.Background(), ev); err != nil {
		t.Fatalf("applyEvent() failed: %v", err)
	}
	if store.realms["realm-1"].Name != "api" {
		t.Error("realm update replay mutated the realm; must be refused")
	}
}

func TestApplyRelationDuplicateSwallowed(t *testing.T) {
	store := newFakeStore()
	store.realms["realm-1"] = &storage.Realm{ID: "realm-1"}
	store.lores["a"] = &storage.Lore{ID: "a", RealmID: "realm-1"}
	store.lores["b"] = &storage.Lore{ID: "b", RealmID: "realm-1"}
	a := newApplyAdapter(t, store)
	ctx := context.Background()

	ev := mustEvent(t, "dev-remote", changelog.OpCreate, changelog.EntityRelation, "a--related--b",
		storage.RelationInput{FromID: "a", ToID: "b", Type: storage.RelationRelated}, time.Time{})

	for i := 0; i < 2; i++ {
		if err := a.applyEvent(ctx, ev); err != nil {
			t.Fatalf("applyEvent() pass %d failed: %v", i+1, err)
		}
	}
	if len(store.relations) != 1 {
		t.Errorf("store holds %d relations, want 1", len(store.relations))
	}
}

func TestApplyRelationDeleteAbsent(t *testing.T) {
	store := newFakeStore()
	a := newApplyAdapter(t, store)

	ev := mustEvent(t, "dev-remote", changelog.OpDelete, changelog.EntityRelation, "a--related--b",
		nil, time.Time{})

	if err := a.applyEvent(context.Background(), ev); err != nil {
		t.Errorf("applyEvent() on absent relation failed: %v", err)
	}
}

func TestApplyRelationKeyFallback(t *testing.T) {
	store := newFakeStore()
	store.realms["realm-1"] = &storage.Realm{ID: "realm-1"}
	store.lores["a"] = &storage.Lore{ID: "a", RealmID: "realm-1"}
	store.lores["b"] = &storage.Lore{ID: "b", RealmID: "realm-1"}
	a := newApplyAdapter(t, store)

	// No payload: the composite entity id carries the key.
	ev := mustEvent(t, "dev-remote", changelog.OpCreate, changelog.EntityRelation, "a--supersedes--b",
		nil, time.Time{})

	if err := a.applyEvent(context.Background(), ev); err != nil {
		t.Fatalf("applyEvent() failed: %v", err)
	}
	if _, ok := store.relations[relKey("a", "b", storage.RelationSupersedes)]; !ok {
		t.Error("relation not created from composite entity id")
	}
}

func TestApplyBatchOrdersByTimestamp(t *testing.T) {
	store := newFakeStore()
	store.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-1"}
	a := newApplyAdapter(t, store)

	t1 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t1.Add(2 * time.Minute)

	updated := "updated content"
	create := mustEvent(t, "dev-remote", changelog.OpCreate, changelog.EntityLore, "lore-1",
		storage.LoreInput{RealmID: "realm-1", Content: "original", Type: storage.TypeInsight}, t1)
	update := mustEvent(t, "dev-remote", changelog.OpUpdate, changelog.EntityLore, "lore-1",
		storage.LorePatch{Content: &updated}, t2)
	archive := mustEvent(t, "dev-remote", changelog.OpArchive, changelog.EntityLore, "lore-1", nil, t3)

	// Scrambled on purpose; sorting restores replay order.
	events := []*changelog.Event{archive, create, update}
	changelog.SortEvents(events)

	result := &SyncResult{}
	applied := a.applyBatch(context.Background(), events, result)
	if applied != 3 {
		t.Fatalf("applyBatch() = %d applied, want 3 (errors: %v)", applied, result.Errors)
	}

	lore := store.lores["lore-1"]
	if lore == nil {
		t.Fatal("lore missing after replay")
	}
	if lore.Status != storage.StatusArchived {
		t.Errorf("Status = %q, want %q", lore.Status, storage.StatusArchived)
	}
	if lore.Content != "updated content" {
		t.Errorf("Content = %q, want the update's content", lore.Content)
	}
}

func TestApplyBatchSuppressesTracking(t *testing.T) {
	store := newFakeStore()
	store.realms["realm-1"] = &storage.Realm{ID: "realm-1", WorkspaceID: "ws-1"}
	a := newApplyAdapter(t, store)

	ev := mustEvent(t, "dev-remote", changelog.OpCreate, changelog.EntityLore, "lore-1",
		storage.LoreInput{RealmID: "realm-1", Content: "c"}, time.Time{})

	result := &SyncResult{}
	a.applyBatch(context.Background(), []*changelog.Event{ev}, result)

	// Replay must not echo into the local change log.
	events, err := a.log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("replay produced %d local events, want 0", len(events))
	}
	if !a.tracker.Enabled() {
		t.Error("tracker still suppressed after batch")
	}
}

func TestRelationFromEventPrefersPayload(t *testing.T) {
	data, _ := json.Marshal(storage.RelationInput{FromID: "x", ToID: "y", Type: "related"})
	ev := &changelog.Event{EntityID: "a--related--b", Data: data}

	input, err := relationFromEvent(ev)
	if err != nil {
		t.Fatalf("relationFromEvent() failed: %v", err)
	}
	if input.FromID != "x" || input.ToID != "y" {
		t.Errorf("relationFromEvent() = %+v, want payload values", input)
	}
}
