// Package storage defines the knowledge-store collaborator consumed by the
// sync engine.
//
// The sync core never talks to a database directly; it applies replicated
// mutations through this narrow interface and relies on the sentinel errors
// below to implement idempotent replay (a create that hits ErrDuplicate is
// benign, an update that hits ErrNotFound is skipped).
package storage

import (
	"context"
	"errors"
	"time"
)

// Lore statuses. Archive is a soft delete: the record stays queryable but is
// excluded from active listings.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Well-known lore types. The type field is free-form; these are the ones the
// CLI offers.
const (
	TypeDecree    = "decree"
	TypeInsight   = "insight"
	TypeCaution   = "caution"
	TypeChronicle = "chronicle"
)

// Relation types between two lores in the same realm.
const (
	RelationRelated     = "related"
	RelationSupersedes  = "supersedes"
	RelationContradicts = "contradicts"
	RelationElaborates  = "elaborates"
)

var (
	// ErrNotFound is returned when the requested lore, realm, or relation
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert collides with an existing
	// primary key (lore/realm id, or relation composite key).
	ErrDuplicate = errors.New("already exists")

	// ErrCrossRealm is returned when a relation would connect lores that
	// belong to different realms.
	ErrCrossRealm = errors.New("relation endpoints belong to different realms")
)

// Lore is one recorded piece of knowledge tied to a realm.
// JSON field names are part of the replicated payload format and must not
// change between releases.
type Lore struct {
	ID        string    `json:"id"`
	RealmID   string    `json:"realmId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Realm is a tracked codebase. Provinces are its modules/services, recorded
// as free-form names.
type Realm struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	Path        string    `json:"path,omitempty"`
	Provinces   []string  `json:"provinces,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Relation links two lores within one realm. Identity is the composite key
// (from, to, type).
type Relation struct {
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoreInput creates a lore. ID may be preset (replay of a remote create keeps
// the originating id); when empty the implementation assigns one.
type LoreInput struct {
	ID      string `json:"id,omitempty"`
	RealmID string `json:"realmId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// LorePatch updates a lore. Nil fields are left untouched.
type LorePatch struct {
	Content *string `json:"content,omitempty"`
	Type    *string `json:"type,omitempty"`
	Status  *string `json:"status,omitempty"`
}

// RealmInput creates a realm.
type RealmInput struct {
	ID          string   `json:"id,omitempty"`
	WorkspaceID string   `json:"workspaceId"`
	Name        string   `json:"name"`
	Path        string   `json:"path,omitempty"`
	Provinces   []string `json:"provinces,omitempty"`
}

// RelationInput creates a relation. Both endpoints must already exist and
// belong to the same realm.
type RelationInput struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
	Type   string `json:"type"`
}

// Storage is the knowledge-store collaborator.
//
// Implementations must be safe for concurrent use and must return the
// sentinel errors above (possibly wrapped) so callers can classify failures
// with errors.Is.
type Storage interface {
	// FindLore returns the lore with the given id, or ErrNotFound.
	FindLore(ctx context.Context, id string) (*Lore, error)

	// CreateLore inserts a new lore. Returns ErrDuplicate if the id is taken.
	CreateLore(ctx context.Context, input LoreInput) (*Lore, error)

	// UpdateLore applies a patch to an existing lore. Returns ErrNotFound if
	// the lore does not exist.
	UpdateLore(ctx context.Context, id string, patch LorePatch) (*Lore, error)

	// DeleteLore removes a lore and its relations. Returns ErrNotFound if the
	// lore does not exist.
	DeleteLore(ctx context.Context, id string) error

	// ArchiveLore soft-deletes a lore by setting its status to archived.
	// Returns ErrNotFound if the lore does not exist.
	ArchiveLore(ctx context.Context, id string) error

	// FindRealm returns the realm with the given id, or ErrNotFound.
	FindRealm(ctx context.Context, id string) (*Realm, error)

	// CreateRealm inserts a new realm. Returns ErrDuplicate if the id is taken.
	CreateRealm(ctx context.Context, input RealmInput) (*Realm, error)

	// CreateRelation links two lores. Returns ErrDuplicate when the composite
	// key already exists, ErrNotFound when either endpoint is missing, and
	// ErrCrossRealm when the endpoints live in different realms.
	CreateRelation(ctx context.Context, input RelationInput) error

	// DeleteRelation removes a relation by composite key. Absent relations are
	// not an error (idempotent).
	DeleteRelation(ctx context.Context, from, to, relType string) error

	// ListLoresByRealm returns all lores in a realm, active first, then by
	// creation time.
	ListLoresByRealm(ctx context.Context, realmID string) ([]*Lore, error)

	// ListRelationsByLore returns all relations touching a lore, in either
	// direction.
	ListRelationsByLore(ctx context.Context, loreID string) ([]*Relation, error)

	// WorkspaceRealms returns all realms registered to a workspace.
	WorkspaceRealms(ctx context.Context, workspaceID string) ([]*Realm, error)
}
