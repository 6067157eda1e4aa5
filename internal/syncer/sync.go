package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/gitrepo"
)

// conflictInstruction is what users see when a merge stops on conflicts.
const conflictInstruction = "merge conflicts require manual resolution: " +
	"resolve the listed files in the sync directory, commit the merge, then sync again"

// Push commits everything pending in the sync directory and pushes the
// branch. Pushed counts the files in the sync commit. Operational
// failures land in the result's Errors, not in the returned error: once
// a push is underway it is best-effort. The returned error covers only
// preconditions (missing repository, held lock).
func (a *Adapter) Push(ctx context.Context) (*SyncResult, error) {
	release, err := a.lock()
	if err != nil {
		return nil, err
	}
	defer release()

	return a.pushLocked(ctx), nil
}

func (a *Adapter) pushLocked(ctx context.Context) *SyncResult {
	result := &SyncResult{}

	repo, err := a.openRepo()
	if err != nil {
		result.fail(err)
		return result
	}

	changed, err := repo.HasChanges(ctx)
	if err != nil {
		result.fail(err)
		return result
	}
	if changed {
		if err := repo.AddAll(ctx); err != nil {
			result.fail(err)
			return result
		}
		staged, err := repo.StagedCount(ctx)
		if err != nil {
			result.fail(err)
			return result
		}
		if staged > 0 {
			msg := fmt.Sprintf("sync: %d change(s) from device %s at %s",
				staged, shortDevice(a.cfg.DeviceID), time.Now().UTC().Format(time.RFC3339))
			if err := repo.Commit(ctx, msg); err != nil {
				result.fail(err)
				return result
			}
			result.Pushed = staged
		}
	}

	if a.cfg.RemoteURL != "" {
		err := a.withRetry(ctx, "push", func(ctx context.Context) error {
			return repo.Push(ctx, a.cfg.Remote, a.cfg.Branch)
		})
		if err != nil {
			if errors.Is(err, gitrepo.ErrPushRejected) {
				result.fail(fmt.Errorf("%w: the remote has new commits, sync again to pick them up first", err))
			} else {
				result.fail(err)
			}
			return result
		}
	}

	if _, err := a.manifest.Touch(time.Now().UTC()); err != nil {
		a.logger.Printf("Warning: failed to update manifest lastSync: %v", err)
	}
	return result
}

// Pull fetches and merges the remote branch, then replays every event
// other devices added since the last fully applied commit. A conflicted
// merge stops the pull with zero events applied; the conflict count and
// resolution instruction come back in the result. Malformed event files
// are logged and skipped. The tracker is suppressed for the whole replay
// so applied events do not echo as new local changes.
func (a *Adapter) Pull(ctx context.Context) (*SyncResult, error) {
	release, err := a.lock()
	if err != nil {
		return nil, err
	}
	defer release()

	return a.pullLocked(ctx), nil
}

func (a *Adapter) pullLocked(ctx context.Context) *SyncResult {
	result := &SyncResult{}

	repo, err := a.openRepo()
	if err != nil {
		result.fail(err)
		return result
	}

	// Settle intents left behind by an interrupted mutation before new
	// events arrive.
	if promoted, discarded, err := a.tracker.RecoverOutbox(ctx); err != nil {
		a.logger.Printf("Warning: outbox recovery failed: %v", err)
	} else if promoted+discarded > 0 {
		a.logger.Printf("recovered outbox: %d promoted, %d discarded", promoted, discarded)
	}

	// A merge abandoned mid-conflict blocks everything until resolved.
	conflicted, err := repo.ConflictedFiles(ctx)
	if err != nil {
		result.fail(err)
		return result
	}
	if len(conflicted) > 0 {
		result.Conflicts = len(conflicted)
		result.Message = conflictInstruction
		return result
	}

	if a.cfg.RemoteURL != "" {
		err := a.withRetry(ctx, "fetch", func(ctx context.Context) error {
			return repo.Fetch(ctx, a.cfg.Remote, a.cfg.Branch)
		})
		switch {
		case err == nil:
			if merr := repo.Merge(ctx, "FETCH_HEAD"); merr != nil {
				if errors.Is(merr, gitrepo.ErrConflicts) {
					files, cerr := repo.ConflictedFiles(ctx)
					if cerr != nil || len(files) == 0 {
						result.Conflicts = 1
					} else {
						result.Conflicts = len(files)
					}
					result.Message = conflictInstruction
					return result
				}
				result.fail(merr)
				return result
			}
		case errors.Is(err, gitrepo.ErrRemoteEmpty):
			// Nothing published yet; the local log may still hold
			// events to replay below.
		default:
			result.fail(err)
			return result
		}
	}

	head, err := repo.CurrentCommit(ctx)
	if err != nil {
		result.fail(err)
		return result
	}
	if head == "" {
		return result // empty repository, nothing to replay
	}

	m, err := a.manifest.Load()
	if err != nil {
		result.fail(err)
		return result
	}
	if m.LastAppliedCommit == head {
		if _, err := a.manifest.Touch(time.Now().UTC()); err != nil {
			a.logger.Printf("Warning: failed to update manifest lastSync: %v", err)
		}
		return result
	}

	files, err := repo.ChangedFiles(ctx, m.LastAppliedCommit, head, changelog.ChangesDir)
	if err != nil {
		result.fail(err)
		return result
	}

	events := a.parseEvents(files)
	applied := a.applyBatch(ctx, events, result)
	result.Pulled = applied

	// The marker only advances once the whole batch landed; a partial
	// batch is re-read (idempotently) on the next pull.
	if len(result.Errors) == 0 {
		if _, err := a.manifest.MarkApplied(head, time.Now().UTC()); err != nil {
			a.logger.Printf("Warning: failed to persist applied commit: %v", err)
		}
	}
	return result
}

// parseEvents reads the changed files into events, dropping this
// device's own (reflected back after a prior push), anything malformed,
// and anything the workspace filters exclude, then sorts them into
// replay order.
func (a *Adapter) parseEvents(files []string) []*changelog.Event {
	var events []*changelog.Event
	for _, f := range files {
		if path.Ext(f) != ".json" || strings.Contains(f, "/.outbox/") {
			continue
		}
		ev, err := changelog.ReadEventFile(path.Join(a.cfg.SyncDir, f))
		if err != nil {
			a.logger.Printf("Warning: skipping malformed event file %s: %v", f, err)
			continue
		}
		if ev.DeviceID == a.cfg.DeviceID {
			continue
		}
		if !a.allowedByFilters(ev) {
			continue
		}
		events = append(events, ev)
	}
	changelog.SortEvents(events)
	return events
}

// allowedByFilters applies the workspace's realm and lore-type filters.
// Events with no realm scope always pass.
func (a *Adapter) allowedByFilters(ev *changelog.Event) bool {
	if len(a.cfg.RealmFilter) > 0 {
		realm := ev.RealmID()
		if ev.Entity == changelog.EntityRealm {
			realm = ev.EntityID
		}
		if realm != "" && !contains(a.cfg.RealmFilter, realm) {
			return false
		}
	}

	// Type filtering only gates creations; a lore filtered out at birth
	// never exists here, so its later updates skip as missing targets.
	if len(a.cfg.LoreTypeFilter) > 0 &&
		ev.Entity == changelog.EntityLore && ev.Operation == changelog.OpCreate {
		var payload struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err == nil &&
			payload.Type != "" && !contains(a.cfg.LoreTypeFilter, payload.Type) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// applyBatch replays events in order with tracking suppressed. Benign
// skips (already applied, target gone) are logged; hard storage failures
// go into result.Errors and the batch keeps going. Returns the number of
// events processed without hard failure.
func (a *Adapter) applyBatch(ctx context.Context, events []*changelog.Event, result *SyncResult) int {
	if len(events) == 0 {
		return 0
	}

	resume := a.tracker.Suppress()
	defer resume()

	applied := 0
	for _, ev := range events {
		if err := a.applyEvent(ctx, ev); err != nil {
			result.fail(fmt.Errorf("apply %s %s %s: %w", ev.Operation, ev.Entity, ev.EntityID, err))
			continue
		}
		applied++
	}
	return applied
}

// Sync pulls, then pushes only when the pull came back clean. A pull
// that reported conflicts or errors leaves the push unattempted so an
// inconsistent state is never compounded.
func (a *Adapter) Sync(ctx context.Context) (*SyncResult, error) {
	release, err := a.lock()
	if err != nil {
		return nil, err
	}
	defer release()

	result := a.pullLocked(ctx)
	if !result.Ok() {
		return result, nil
	}
	result.merge(a.pushLocked(ctx))
	return result, nil
}

// shortDevice abbreviates a device id for commit messages.
func shortDevice(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
