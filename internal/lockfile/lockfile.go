// Package lockfile serializes sync operations on a workspace directory
// across processes. Git's own locking protects the object store but not
// the window where change replay runs with tracking suppressed, so every
// sync, import, and export takes this lock for its full duration.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Name is the lock file's name inside a sync directory.
const Name = ".lk.lock"

// DefaultStaleAfter is how old a lock may be before a new claimant may
// break it. A healthy sync finishes in seconds; anything holding the
// lock this long is dead.
const DefaultStaleAfter = 10 * time.Minute

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("workspace is locked by another sync operation")

// info is what the holder writes into the lock file, for diagnostics
// and staleness decisions.
type info struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is a held workspace lock. Release it with Unlock.
type Lock struct {
	path string
}

// Acquire takes the workspace lock at path, breaking a stale one if its
// holder looks dead. Returns ErrLocked while a live holder exists.
func Acquire(path string, staleAfter time.Duration) (*Lock, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			host, _ := os.Hostname()
			data, merr := json.MarshalIndent(info{
				PID:        os.Getpid(),
				Host:       host,
				AcquiredAt: time.Now().UTC(),
			}, "", "  ")
			if merr == nil {
				_, merr = f.Write(data)
			}
			f.Close()
			if merr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", merr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		holder, herr := read(path)
		if herr != nil {
			// Unreadable lock: treat as stale only by file age.
			if st, serr := os.Stat(path); serr == nil && time.Since(st.ModTime()) > staleAfter {
				os.Remove(path)
				continue
			}
			return nil, ErrLocked
		}
		if time.Since(holder.AcquiredAt) > staleAfter {
			os.Remove(path)
			continue
		}
		return nil, fmt.Errorf("%w: held by pid %d on %s since %s",
			ErrLocked, holder.PID, holder.Host, holder.AcquiredAt.Format(time.RFC3339))
	}

	return nil, ErrLocked
}

// Unlock releases the lock. Safe to call on an already-released lock.
func (l *Lock) Unlock() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func read(path string) (*info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var i info
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, err
	}
	if i.AcquiredAt.IsZero() {
		return nil, fmt.Errorf("lock file missing acquiredAt")
	}
	return &i, nil
}
