// Package changelog implements the append-only change event log that backs
// replication.
//
// Every mutation to lores, realms, and relations becomes one immutable Event
// written as its own JSON file under the workspace sync directory:
//
//	changes/<YYYY-MM-DD>/<epochMillis>-<deviceId>-<operation>.json
//
// Files are grouped by the UTC calendar day of the event so directories stay
// bounded and the sync adapter can diff the changes/ tree instead of scanning
// full history. The 13-digit millisecond prefix makes lexicographic file
// order match creation order.
package changelog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Operations an event can describe.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpArchive = "archive"
)

// Entities an event can target.
const (
	EntityLore     = "lore"
	EntityRealm    = "realm"
	EntityRelation = "relation"
)

// partitionLayout is the UTC day format used for directory names.
const partitionLayout = "2006-01-02"

// Metadata scopes an event to its realm and workspace.
type Metadata struct {
	RealmID     string `json:"realmId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// Event is the atomic unit of replication. Events are immutable once written
// and never produce further events during replay.
//
// Replay order is part of the wire format: events sort by Timestamp
// ascending, with ID (lexicographic ascending) as the tie-break for equal
// timestamps from different devices.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"deviceId"`
	Operation string          `json:"operation"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entityId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// NewEvent constructs an event stamped with a fresh id and the current time.
// Data is marshaled immediately so the event is self-contained.
func NewEvent(deviceID, operation, entity, entityID string, data interface{}, meta *Metadata) (*Event, error) {
	ev := &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		Operation: operation,
		Entity:    entity,
		EntityID:  entityID,
		Metadata:  meta,
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event data: %w", err)
		}
		ev.Data = raw
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}

	return ev, nil
}

// Validate checks that the event carries every required field and a known
// operation/entity pair.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if e.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}
	switch e.Operation {
	case OpCreate, OpUpdate, OpDelete, OpArchive:
	default:
		return fmt.Errorf("invalid operation: %q", e.Operation)
	}
	switch e.Entity {
	case EntityLore, EntityRealm, EntityRelation:
	default:
		return fmt.Errorf("invalid entity: %q", e.Entity)
	}
	if e.EntityID == "" {
		return fmt.Errorf("entityId is required")
	}
	return nil
}

// FileName returns the canonical filename for this event:
// {epochMillis}-{deviceId}-{operation}.json
func (e *Event) FileName() string {
	return fmt.Sprintf("%d-%s-%s.json", e.Timestamp.UnixMilli(), e.DeviceID, e.Operation)
}

// Partition returns the UTC day directory this event belongs to.
func (e *Event) Partition() string {
	return e.Timestamp.UTC().Format(partitionLayout)
}

// RealmID returns the realm scope, or "" when unscoped.
func (e *Event) RealmID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.RealmID
}

// Before reports whether e replays before other: timestamp ascending, id
// ascending on equal timestamps.
func (e *Event) Before(other *Event) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.ID < other.ID
	}
	return e.Timestamp.Before(other.Timestamp)
}

// SortEvents orders events into replay order in place.
func SortEvents(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})
}

// ReadEventFile reads and validates a single event file.
func ReadEventFile(path string) (*Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event file %s: %w", path, err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse event file %s: %w", path, err)
	}

	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event file %s: %w", path, err)
	}

	return &ev, nil
}
