package changelog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OutboxDir holds events written as durable intents before their storage
// mutation commits. The dot prefix keeps intents outside the day-partition
// namespace, so diffs and pulls never see them.
const OutboxDir = ".outbox"

// Intent is a durably written event whose storage mutation has not committed
// yet. Commit moves it into the log proper; Abort removes it.
type Intent struct {
	log   *Log
	event *Event
	path  string
	done  bool
}

// BeginIntent writes the event under changes/.outbox/ and returns a handle.
// The event becomes part of the replicated log only after Commit.
func (l *Log) BeginIntent(ev *Event) (*Intent, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("cannot stage invalid event: %w", err)
	}

	dir := filepath.Join(l.dir, OutboxDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	// The event id keeps concurrent intents from colliding in the flat
	// outbox directory.
	path := filepath.Join(dir, ev.ID+".json")
	if err := writeEventFile(path, ev); err != nil {
		return nil, err
	}

	return &Intent{log: l, event: ev, path: path}, nil
}

// Commit promotes the intent into its day partition. The rename is atomic:
// after Commit returns the event is either fully in the log or (on error)
// still a pending intent.
func (i *Intent) Commit() error {
	if i.done {
		return nil
	}

	partDir := filepath.Join(i.log.dir, i.event.Partition())
	if err := os.MkdirAll(partDir, 0755); err != nil {
		return fmt.Errorf("failed to create partition directory: %w", err)
	}

	target := filepath.Join(partDir, i.event.FileName())
	if err := os.Rename(i.path, target); err != nil {
		return fmt.Errorf("failed to commit event %s: %w", i.event.ID, err)
	}

	i.done = true
	return nil
}

// Abort discards the intent. Safe to call after Commit (no-op).
func (i *Intent) Abort() error {
	if i.done {
		return nil
	}

	if err := os.Remove(i.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to discard intent %s: %w", i.event.ID, err)
	}

	i.done = true
	return nil
}

// RecoverOutbox resolves intents left behind by a crash between the intent
// write and its commit. The decide callback inspects current storage state
// and reports whether the mutation actually happened: true promotes the
// intent into the log, false discards it. Unparseable intents are discarded.
func (l *Log) RecoverOutbox(decide func(*Event) bool) (promoted, discarded int, err error) {
	dir := filepath.Join(l.dir, OutboxDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to read outbox: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		ev, readErr := ReadEventFile(path)
		if readErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: discarding invalid outbox intent %s: %v\n", entry.Name(), readErr)
			_ = os.Remove(path)
			discarded++
			continue
		}

		if decide(ev) {
			intent := &Intent{log: l, event: ev, path: path}
			if err := intent.Commit(); err != nil {
				return promoted, discarded, err
			}
			promoted++
		} else {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return promoted, discarded, fmt.Errorf("failed to discard intent: %w", err)
			}
			discarded++
		}
	}

	return promoted, discarded, nil
}
