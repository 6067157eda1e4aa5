// Package tracker turns storage mutations into replicated change events.
//
// Every local create/update/delete/archive of a lore, realm, or relation
// passes through one Tracker per workspace. The tracker writes the matching
// event into the workspace's change log and bumps the manifest's lastSync.
//
// Recording is paired with the mutation through the log's outbox: the event
// is written as a durable intent before the storage call runs, then promoted
// into the log once the call succeeds. A crash between the two leaves an
// intent behind that RecoverOutbox settles on the next start, so a mutation
// can never outlive its replication record unnoticed.
//
// During replay the tracker is suppressed so that applying a remote event
// does not generate a fresh local one. Suppression is a counter, not a flag:
// nested replay scopes each take and release their own hold, and recording
// resumes only when the last hold is released.
package tracker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/manifest"
	"github.com/lorekeep/lorekeep/internal/storage"
)

// Tracker records change events for one workspace.
type Tracker struct {
	deviceID    string
	workspaceID string
	log         *changelog.Log
	manifest    *manifest.Store

	mu       sync.Mutex
	suppress int
	store    storage.Storage
}

// New returns a Tracker bound to one workspace's change log and manifest.
func New(deviceID, workspaceID string, log *changelog.Log, man *manifest.Store) *Tracker {
	return &Tracker{
		deviceID:    deviceID,
		workspaceID: workspaceID,
		log:         log,
		manifest:    man,
	}
}

// Initialize binds the tracker to a storage collaborator. It is idempotent;
// later calls with a different store rebind. The store is only consulted for
// validation (relation endpoints) and outbox recovery, never mutated.
func (t *Tracker) Initialize(store storage.Storage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = store
}

// Suppress disables recording until the returned resume function is called.
// Holds nest: recording stays off until every outstanding hold has resumed.
// Resume is safe to call more than once; extra calls do nothing.
func (t *Tracker) Suppress() (resume func()) {
	t.mu.Lock()
	t.suppress++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.suppress > 0 {
				t.suppress--
			}
			t.mu.Unlock()
		})
	}
}

// Enabled reports whether the tracker is currently recording.
func (t *Tracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppress == 0
}

// RecordLoreChange appends a change event for a lore mutation that has
// already been applied to storage. No-op while suppressed.
func (t *Tracker) RecordLoreChange(operation, loreID, realmID string, data interface{}) error {
	if !t.Enabled() {
		return nil
	}

	ev, err := t.newEvent(operation, changelog.EntityLore, loreID, realmID, data)
	if err != nil {
		return err
	}
	if err := t.log.Append(ev); err != nil {
		return fmt.Errorf("failed to record lore change: %w", err)
	}
	t.touch(ev.Timestamp)
	return nil
}

// RecordRealmChange appends a change event for a realm mutation that has
// already been applied to storage. No-op while suppressed.
func (t *Tracker) RecordRealmChange(operation, realmID string, data interface{}) error {
	if !t.Enabled() {
		return nil
	}

	ev, err := t.newEvent(operation, changelog.EntityRealm, realmID, realmID, data)
	if err != nil {
		return err
	}
	if err := t.log.Append(ev); err != nil {
		return fmt.Errorf("failed to record realm change: %w", err)
	}
	t.touch(ev.Timestamp)
	return nil
}

// RecordRelationChange appends a change event for a relation mutation that
// has already been applied to storage. The relation's endpoints are checked
// against storage when a store is bound: an event relating lores from two
// different realms is refused rather than replicated. No-op while suppressed.
func (t *Tracker) RecordRelationChange(operation, fromID, toID, relationType, realmID string, data interface{}) error {
	if !t.Enabled() {
		return nil
	}
	if err := t.checkRelationRealm(fromID, toID, realmID); err != nil {
		return err
	}

	if data == nil {
		data = storage.RelationInput{FromID: fromID, ToID: toID, Type: relationType}
	}
	ev, err := t.newEvent(operation, changelog.EntityRelation, relationKey(fromID, toID, relationType), realmID, data)
	if err != nil {
		return err
	}
	if err := t.log.Append(ev); err != nil {
		return fmt.Errorf("failed to record relation change: %w", err)
	}
	t.touch(ev.Timestamp)
	return nil
}

// TrackLore runs a lore mutation and records its change event as one logical
// transaction. The event is staged as a durable intent before apply runs and
// promoted into the log only if apply succeeds; on failure the intent is
// withdrawn. While suppressed, apply runs alone and nothing is recorded.
func (t *Tracker) TrackLore(ctx context.Context, operation, loreID, realmID string, data interface{}, apply func(context.Context) error) error {
	ev, err := t.newEvent(operation, changelog.EntityLore, loreID, realmID, data)
	if err != nil {
		return err
	}
	return t.track(ctx, ev, apply)
}

// TrackRealm runs a realm mutation and records its change event, with the
// same intent discipline as TrackLore.
func (t *Tracker) TrackRealm(ctx context.Context, operation, realmID string, data interface{}, apply func(context.Context) error) error {
	ev, err := t.newEvent(operation, changelog.EntityRealm, realmID, realmID, data)
	if err != nil {
		return err
	}
	return t.track(ctx, ev, apply)
}

// TrackRelation runs a relation mutation and records its change event, with
// the same intent discipline as TrackLore. Cross-realm endpoints are refused
// before anything is written.
func (t *Tracker) TrackRelation(ctx context.Context, operation, fromID, toID, relationType, realmID string, apply func(context.Context) error) error {
	if err := t.checkRelationRealm(fromID, toID, realmID); err != nil {
		return err
	}

	data := storage.RelationInput{FromID: fromID, ToID: toID, Type: relationType}
	ev, err := t.newEvent(operation, changelog.EntityRelation, relationKey(fromID, toID, relationType), realmID, data)
	if err != nil {
		return err
	}
	return t.track(ctx, ev, apply)
}

func (t *Tracker) track(ctx context.Context, ev *changelog.Event, apply func(context.Context) error) error {
	if !t.Enabled() {
		return apply(ctx)
	}

	intent, err := t.log.BeginIntent(ev)
	if err != nil {
		return fmt.Errorf("failed to stage change intent: %w", err)
	}

	if err := apply(ctx); err != nil {
		if aerr := intent.Abort(); aerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to withdraw change intent %s: %v\n", ev.ID, aerr)
		}
		return err
	}

	if err := intent.Commit(); err != nil {
		return fmt.Errorf("failed to commit change event: %w", err)
	}
	t.touch(ev.Timestamp)
	return nil
}

// RecoverOutbox settles intents left behind by an interrupted track: each is
// promoted into the log if its mutation reached storage, discarded otherwise.
// Call once at startup, before any new mutations.
func (t *Tracker) RecoverOutbox(ctx context.Context) (promoted, discarded int, err error) {
	t.mu.Lock()
	store := t.store
	t.mu.Unlock()
	if store == nil {
		return 0, 0, fmt.Errorf("tracker not initialized with storage")
	}
	return t.log.RecoverOutbox(func(ev *changelog.Event) bool {
		return mutationReachedStorage(ctx, store, ev)
	})
}

// mutationReachedStorage reports whether the mutation described by ev is
// visible in storage, deciding a dangling intent's fate. Updates cannot be
// distinguished from the pre-mutation state after the fact, so their intents
// are kept: replaying an update is idempotent, losing one is not recoverable.
func mutationReachedStorage(ctx context.Context, store storage.Storage, ev *changelog.Event) bool {
	switch ev.Entity {
	case changelog.EntityLore:
		lore, err := store.FindLore(ctx, ev.EntityID)
		switch ev.Operation {
		case changelog.OpCreate:
			return err == nil
		case changelog.OpDelete:
			return err != nil
		case changelog.OpArchive:
			return err == nil && lore.Status == storage.StatusArchived
		default:
			return err == nil
		}
	case changelog.EntityRealm:
		_, err := store.FindRealm(ctx, ev.EntityID)
		if ev.Operation == changelog.OpDelete {
			return err != nil
		}
		return err == nil
	case changelog.EntityRelation:
		// Relation replay swallows duplicates and absent deletes, so a
		// promoted intent is harmless either way.
		return true
	}
	return false
}

func (t *Tracker) newEvent(operation, entity, entityID, realmID string, data interface{}) (*changelog.Event, error) {
	meta := &changelog.Metadata{RealmID: realmID, WorkspaceID: t.workspaceID}
	ev, err := changelog.NewEvent(t.deviceID, operation, entity, entityID, data, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to build change event: %w", err)
	}
	return ev, nil
}

// checkRelationRealm refuses to build a relation event whose endpoints live
// in different realms. Validation needs a bound store; without one the
// storage collaborator's own check is the only line of defense.
func (t *Tracker) checkRelationRealm(fromID, toID, realmID string) error {
	t.mu.Lock()
	store := t.store
	t.mu.Unlock()
	if store == nil {
		return nil
	}

	ctx := context.Background()
	from, err := store.FindLore(ctx, fromID)
	if err != nil {
		return nil
	}
	to, err := store.FindLore(ctx, toID)
	if err != nil {
		return nil
	}
	if from.RealmID != to.RealmID || from.RealmID != realmID {
		return fmt.Errorf("%w: relation %s -> %s spans realms %s and %s",
			storage.ErrCrossRealm, fromID, toID, from.RealmID, to.RealmID)
	}
	return nil
}

// touch advances the manifest's lastSync; a manifest write failure is
// reported but never fails the record, the event itself is already durable.
func (t *Tracker) touch(at time.Time) {
	if t.manifest == nil {
		return
	}
	if _, err := t.manifest.Touch(at); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to update manifest lastSync: %v\n", err)
	}
}

// relationKey is the composite identity of a relation inside an event. The
// same key shape is used for dedup during export.
func relationKey(fromID, toID, relationType string) string {
	return fromID + "--" + relationType + "--" + toID
}
