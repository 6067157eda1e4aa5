package changelog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ChangesDir is the name of the event log directory inside a workspace sync
// directory. It is part of the on-disk layout and shared with the sync
// adapter's diff scoping.
const ChangesDir = "changes"

// Log is the append-only, day-partitioned event log of one workspace sync
// directory. Events are written once and never rewritten or removed.
type Log struct {
	dir string // <syncDir>/changes
}

// NewLog returns the log rooted at syncDir's changes/ tree.
func NewLog(syncDir string) *Log {
	return &Log{dir: filepath.Join(syncDir, ChangesDir)}
}

// Dir returns the absolute changes/ directory.
func (l *Log) Dir() string {
	return l.dir
}

// Append durably writes one event into its day partition. The write is
// atomic (temp file + rename) so a reader never observes a partial event.
func (l *Log) Append(ev *Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("cannot append invalid event: %w", err)
	}

	partDir := filepath.Join(l.dir, ev.Partition())
	if err := os.MkdirAll(partDir, 0755); err != nil {
		return fmt.Errorf("failed to create partition directory: %w", err)
	}

	path := filepath.Join(partDir, ev.FileName())
	// Two events from one device in the same millisecond with the same
	// operation would collide; nudge the name forward rather than overwrite
	// an existing event.
	for millis := ev.Timestamp.UnixMilli(); ; millis++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(partDir, fmt.Sprintf("%d-%s-%s.json", millis+1, ev.DeviceID, ev.Operation))
	}

	return writeEventFile(path, ev)
}

// Partitions returns the day partition names in ascending order.
func (l *Log) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read changes directory: %w", err)
	}

	var parts []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Skip the outbox and anything that is not a day partition
		if _, err := time.Parse(partitionLayout, entry.Name()); err != nil {
			continue
		}
		parts = append(parts, entry.Name())
	}

	return parts, nil
}

// ReadAll returns every event in the log in replay order. Malformed files
// are skipped with a warning, matching pull semantics.
func (l *Log) ReadAll() ([]*Event, error) {
	return l.ReadSince(time.Time{})
}

// ReadSince returns events with a timestamp at or after since, in replay
// order. Partitions older than since's day are not opened.
func (l *Log) ReadSince(since time.Time) ([]*Event, error) {
	parts, err := l.Partitions()
	if err != nil {
		return nil, err
	}

	cutoffDay := ""
	if !since.IsZero() {
		cutoffDay = since.UTC().Format(partitionLayout)
	}

	var events []*Event
	for _, part := range parts {
		if cutoffDay != "" && part < cutoffDay {
			continue
		}

		partDir := filepath.Join(l.dir, part)
		entries, err := os.ReadDir(partDir)
		if err != nil {
			return nil, fmt.Errorf("failed to read partition %s: %w", part, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			ev, err := ReadEventFile(filepath.Join(partDir, entry.Name()))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: skipping invalid event file %s: %v\n", entry.Name(), err)
				continue
			}

			if !since.IsZero() && ev.Timestamp.Before(since) {
				continue
			}

			events = append(events, ev)
		}
	}

	SortEvents(events)
	return events, nil
}

// writeEventFile marshals and writes one event atomically.
func writeEventFile(path string, ev *Event) error {
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write event file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to persist event file: %w", err)
	}

	return nil
}
