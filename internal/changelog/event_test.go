package changelog

import (
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent("dev-1", OpCreate, EntityLore, "lore-1",
		map[string]string{"content": "use redis"}, &Metadata{RealmID: "realm-1", WorkspaceID: "ws-1"})
	if err != nil {
		t.Fatalf("NewEvent() failed: %v", err)
	}

	if ev.ID == "" {
		t.Error("NewEvent() did not assign an id")
	}
	if ev.Timestamp.IsZero() {
		t.Error("NewEvent() did not stamp a timestamp")
	}
	if ev.RealmID() != "realm-1" {
		t.Errorf("RealmID() = %q, want realm-1", ev.RealmID())
	}
	if len(ev.Data) == 0 {
		t.Error("NewEvent() did not marshal data")
	}
}

func TestEventValidate(t *testing.T) {
	base := func() *Event {
		return &Event{
			ID:        "ev-1",
			Timestamp: time.Now(),
			DeviceID:  "dev-1",
			Operation: OpCreate,
			Entity:    EntityLore,
			EntityID:  "lore-1",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{"valid", func(e *Event) {}, false},
		{"missing id", func(e *Event) { e.ID = "" }, true},
		{"missing timestamp", func(e *Event) { e.Timestamp = time.Time{} }, true},
		{"missing device", func(e *Event) { e.DeviceID = "" }, true},
		{"bad operation", func(e *Event) { e.Operation = "upsert" }, true},
		{"bad entity", func(e *Event) { e.Entity = "task" }, true},
		{"missing entity id", func(e *Event) { e.EntityID = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := base()
			tt.mutate(ev)
			err := ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventFileName(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	ev := &Event{
		ID:        "ev-1",
		Timestamp: ts,
		DeviceID:  "dev-1",
		Operation: OpUpdate,
		Entity:    EntityLore,
		EntityID:  "lore-1",
	}

	want := "1741944413589-dev-1-update.json"
	if got := ev.FileName(); got != want {
		t.Errorf("FileName() = %q, want %q", got, want)
	}

	if got := ev.Partition(); got != "2025-03-14" {
		t.Errorf("Partition() = %q, want 2025-03-14", got)
	}
}

func TestPartitionUsesUTCDay(t *testing.T) {
	// 23:30 in UTC-5 is 04:30 the next day in UTC
	loc := time.FixedZone("UTC-5", -5*3600)
	ev := &Event{
		ID:        "ev-1",
		Timestamp: time.Date(2025, 3, 14, 23, 30, 0, 0, loc),
		DeviceID:  "dev-1",
		Operation: OpCreate,
		Entity:    EntityLore,
		EntityID:  "lore-1",
	}

	if got := ev.Partition(); got != "2025-03-15" {
		t.Errorf("Partition() = %q, want 2025-03-15", got)
	}
}

func TestSortEvents(t *testing.T) {
	t1 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	events := []*Event{
		{ID: "c", Timestamp: t2, DeviceID: "d", Operation: OpCreate, Entity: EntityLore, EntityID: "x"},
		{ID: "b", Timestamp: t1, DeviceID: "d", Operation: OpCreate, Entity: EntityLore, EntityID: "x"},
		{ID: "a", Timestamp: t1, DeviceID: "d", Operation: OpCreate, Entity: EntityLore, EntityID: "x"},
	}

	SortEvents(events)

	got := []string{events[0].ID, events[1].ID, events[2].ID}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SortEvents() order = %v, want %v", got, want)
		}
	}
}

func TestSortEventsTieBreakIsDeterministic(t *testing.T) {
	// Equal timestamps from two devices must replay in id order regardless of
	// input order.
	ts := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	a := &Event{ID: "aaa", Timestamp: ts, DeviceID: "d1", Operation: OpCreate, Entity: EntityLore, EntityID: "x"}
	b := &Event{ID: "bbb", Timestamp: ts, DeviceID: "d2", Operation: OpUpdate, Entity: EntityLore, EntityID: "x"}

	forward := []*Event{a, b}
	reverse := []*Event{b, a}
	SortEvents(forward)
	SortEvents(reverse)

	if forward[0].ID != "aaa" || reverse[0].ID != "aaa" {
		t.Errorf("tie-break not deterministic: forward first = %s, reverse first = %s",
			forward[0].ID, reverse[0].ID)
	}
}
