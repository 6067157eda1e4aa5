package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/storage"
)

// applyEvent replays one remote event against storage. Replay is
// idempotent per entity and operation: an event whose effect is already
// in place, or whose target is gone, is skipped rather than failed, so
// the same batch can be re-read after a crash without damage. Only real
// storage failures propagate.
func (a *Adapter) applyEvent(ctx context.Context, ev *changelog.Event) error {
	switch ev.Entity {
	case changelog.EntityLore:
		return a.applyLore(ctx, ev)
	case changelog.EntityRealm:
		return a.applyRealm(ctx, ev)
	case changelog.EntityRelation:
		return a.applyRelation(ctx, ev)
	}
	a.logger.Printf("Warning: skipping event %s with unknown entity %q", ev.ID, ev.Entity)
	return nil
}

func (a *Adapter) applyLore(ctx context.Context, ev *changelog.Event) error {
	switch ev.Operation {
	case changelog.OpCreate:
		var input storage.LoreInput
		if err := decodeData(ev, &input); err != nil {
			a.logger.Printf("Warning: skipping lore create %s: %v", ev.EntityID, err)
			return nil
		}
		input.ID = ev.EntityID
		if input.RealmID == "" {
			input.RealmID = ev.RealmID()
		}

		// A lore whose realm never reached this device cannot land; the
		// realm's own create event sorts earlier when both are in the
		// batch, so a miss here means the realm is genuinely gone.
		if _, err := a.store.FindRealm(ctx, input.RealmID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				a.logger.Printf("Warning: skipping lore %s: realm %s not present locally", ev.EntityID, input.RealmID)
				return nil
			}
			return err
		}

		if _, err := a.store.CreateLore(ctx, input); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return nil // already created, replay is a no-op
			}
			return err
		}
		return nil

	case changelog.OpUpdate:
		var patch storage.LorePatch
		if err := decodeData(ev, &patch); err != nil {
			a.logger.Printf("Warning: skipping lore update %s: %v", ev.EntityID, err)
			return nil
		}
		if _, err := a.store.UpdateLore(ctx, ev.EntityID, patch); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil // target gone, nothing to update
			}
			return err
		}
		return nil

	case changelog.OpDelete:
		if err := a.store.DeleteLore(ctx, ev.EntityID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		return nil

	case changelog.OpArchive:
		if err := a.store.ArchiveLore(ctx, ev.EntityID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown lore operation %q", ev.Operation)
}

func (a *Adapter) applyRealm(ctx context.Context, ev *changelog.Event) error {
	switch ev.Operation {
	case changelog.OpCreate:
		var input storage.RealmInput
		if err := decodeData(ev, &input); err != nil {
			a.logger.Printf("Warning: skipping realm create %s: %v", ev.EntityID, err)
			return nil
		}
		input.ID = ev.EntityID
		if input.WorkspaceID == "" {
			if ev.Metadata != nil {
				input.WorkspaceID = ev.Metadata.WorkspaceID
			}
		}
		if _, err := a.store.CreateRealm(ctx, input); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return nil
			}
			return err
		}
		return nil

	case changelog.OpUpdate:
		// Realm updates do not replay. Dropping one silently would hide
		// divergence between devices, so it is refused out loud instead.
		a.logger.Printf("Warning: realm update replay is not supported; event %s for realm %s was NOT applied, realms may differ between devices",
			ev.ID, ev.EntityID)
		return nil
	}

	a.logger.Printf("Warning: skipping unsupported realm operation %q in event %s", ev.Operation, ev.ID)
	return nil
}

func (a *Adapter) applyRelation(ctx context.Context, ev *changelog.Event) error {
	input, err := relationFromEvent(ev)
	if err != nil {
		a.logger.Printf("Warning: skipping relation event %s: %v", ev.ID, err)
		return nil
	}

	switch ev.Operation {
	case changelog.OpCreate:
		if err := a.store.CreateRelation(ctx, *input); err != nil {
			switch {
			case errors.Is(err, storage.ErrDuplicate):
				return nil // both devices drew the same link
			case errors.Is(err, storage.ErrNotFound):
				a.logger.Printf("Warning: skipping relation %s -> %s: endpoint not present locally", input.FromID, input.ToID)
				return nil
			case errors.Is(err, storage.ErrCrossRealm):
				a.logger.Printf("Warning: skipping relation %s -> %s: endpoints span realms", input.FromID, input.ToID)
				return nil
			}
			return err
		}
		return nil

	case changelog.OpDelete:
		return a.store.DeleteRelation(ctx, input.FromID, input.ToID, input.Type)
	}
	return fmt.Errorf("unknown relation operation %q", ev.Operation)
}

// relationFromEvent recovers the relation key, preferring the payload
// and falling back to the composite entity id ("from--type--to").
func relationFromEvent(ev *changelog.Event) (*storage.RelationInput, error) {
	var input storage.RelationInput
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &input); err == nil &&
			input.FromID != "" && input.ToID != "" && input.Type != "" {
			return &input, nil
		}
	}

	parts := strings.Split(ev.EntityID, "--")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("cannot recover relation key from %q", ev.EntityID)
	}
	return &storage.RelationInput{FromID: parts[0], Type: parts[1], ToID: parts[2]}, nil
}

func decodeData(ev *changelog.Event, v interface{}) error {
	if len(ev.Data) == 0 {
		return fmt.Errorf("event has no data payload")
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("malformed data payload: %w", err)
	}
	return nil
}
