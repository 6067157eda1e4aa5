// Package exporter produces full-workspace snapshots for cold-start sync
// and backup.
//
// Exports scatter first and gather second: lores stream realm by realm
// into bounded chunk files, relations follow the same way, and only then
// are the chunks folded into one canonical snapshot. Peak memory stays
// proportional to the batch size, not the workspace, whatever the lore
// count is.
package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/lorekeep/lorekeep/internal/storage"
)

// StateDir is the sync-directory subdirectory holding export output.
const StateDir = "state"

// SnapshotFileName is the canonical snapshot inside StateDir. It is part
// of the on-disk layout and replicated like any other sync file.
const SnapshotFileName = "current-export.json"

// metadataFileName and the chunk pattern are export scratch, deleted
// once the snapshot is gathered.
const metadataFileName = "export-metadata.json"

// DefaultBatchSize bounds how many records buffer before a chunk flush.
const DefaultBatchSize = 100

// memGrowthWarn is how much the heap may grow over the export baseline
// before a warning and a best-effort reclaim.
const memGrowthWarn = 100 << 20 // 100 MiB

// Config holds per-workspace export settings.
type Config struct {
	WorkspaceID   string
	WorkspaceName string

	// SyncDir is the workspace sync directory; output goes to its
	// state/ subdirectory.
	SyncDir string

	// BatchSize caps records per chunk. Defaults to DefaultBatchSize.
	BatchSize int

	// Realms, when non-empty, restricts the export to these realm ids.
	Realms []string

	// Logger receives progress and memory warnings. Defaults to stderr.
	Logger *log.Logger
}

// Exporter writes snapshots for one workspace.
type Exporter struct {
	cfg    Config
	store  storage.Storage
	logger *log.Logger
}

// Result summarizes a completed export.
type Result struct {
	Realms    int    `json:"realms"`
	Lores     int    `json:"lores"`
	Relations int    `json:"relations"`
	Chunks    int    `json:"chunks"`
	Path      string `json:"path"`
}

// Snapshot is the canonical export document.
type Snapshot struct {
	ExportedAt    time.Time           `json:"exportedAt"`
	WorkspaceID   string              `json:"workspaceId"`
	WorkspaceName string              `json:"workspaceName,omitempty"`
	Realms        []*storage.Realm    `json:"realms"`
	Lores         []*storage.Lore     `json:"lores"`
	Relations     []*storage.Relation `json:"relations"`
}

// metadata is written before any chunk so that a crashed export is
// recognizable and cleanable.
type metadata struct {
	ExportedAt    time.Time        `json:"exportedAt"`
	WorkspaceID   string           `json:"workspaceId"`
	WorkspaceName string           `json:"workspaceName,omitempty"`
	Realms        []*storage.Realm `json:"realms"`
}

// chunk is one bounded batch of records.
type chunk struct {
	Lores     []*storage.Lore     `json:"lores,omitempty"`
	Relations []*storage.Relation `json:"relations,omitempty"`
}

// New builds an Exporter over the given storage.
func New(cfg Config, store storage.Storage) (*Exporter, error) {
	if cfg.SyncDir == "" {
		return nil, fmt.Errorf("sync directory is required")
	}
	if cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[export] ", log.LstdFlags)
	}
	return &Exporter{cfg: cfg, store: store, logger: logger}, nil
}

// Export writes the workspace's canonical snapshot and returns what it
// contains. Chunk files and the metadata file are deleted on success;
// the snapshot at state/current-export.json is the only artifact left.
func (e *Exporter) Export(ctx context.Context) (*Result, error) {
	stateDir := filepath.Join(e.cfg.SyncDir, StateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	// Leftovers from a crashed export would gather into this one.
	if err := e.removeScratch(stateDir); err != nil {
		return nil, err
	}

	realms, err := e.store.WorkspaceRealms(ctx, e.cfg.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace realms: %w", err)
	}
	realms = e.filterRealms(realms)

	baseline := heapInUse()
	meta := metadata{
		ExportedAt:    time.Now().UTC(),
		WorkspaceID:   e.cfg.WorkspaceID,
		WorkspaceName: e.cfg.WorkspaceName,
		Realms:        realms,
	}
	if err := writeJSONFile(filepath.Join(stateDir, metadataFileName), meta); err != nil {
		return nil, err
	}

	chunks := 0
	loreCount := 0
	var included []string
	includedSet := make(map[string]bool)

	// Scatter lores realm by realm.
	var loreBuf []*storage.Lore
	flushLores := func() error {
		if len(loreBuf) == 0 {
			return nil
		}
		if err := writeJSONFile(e.chunkPath(stateDir, chunks), chunk{Lores: loreBuf}); err != nil {
			return err
		}
		chunks++
		loreBuf = nil
		e.checkMemory(baseline)
		return nil
	}

	for _, realm := range realms {
		lores, err := e.store.ListLoresByRealm(ctx, realm.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list lores for realm %s: %w", realm.ID, err)
		}
		for _, lore := range lores {
			loreBuf = append(loreBuf, lore)
			included = append(included, lore.ID)
			includedSet[lore.ID] = true
			loreCount++
			if len(loreBuf) >= e.cfg.BatchSize {
				if err := flushLores(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flushLores(); err != nil {
		return nil, err
	}

	// Scatter relations: only links whose both endpoints made it into
	// the export, deduplicated on (from, to, type) since each shows up
	// from both of its lores.
	relCount := 0
	seen := make(map[string]bool)
	var relBuf []*storage.Relation
	flushRels := func() error {
		if len(relBuf) == 0 {
			return nil
		}
		if err := writeJSONFile(e.chunkPath(stateDir, chunks), chunk{Relations: relBuf}); err != nil {
			return err
		}
		chunks++
		relBuf = nil
		e.checkMemory(baseline)
		return nil
	}

	for _, loreID := range included {
		rels, err := e.store.ListRelationsByLore(ctx, loreID)
		if err != nil {
			return nil, fmt.Errorf("failed to list relations for lore %s: %w", loreID, err)
		}
		for _, rel := range rels {
			if !includedSet[rel.FromID] || !includedSet[rel.ToID] {
				continue
			}
			key := rel.FromID + "--" + rel.Type + "--" + rel.ToID
			if seen[key] {
				continue
			}
			seen[key] = true
			relBuf = append(relBuf, rel)
			relCount++
			if len(relBuf) >= e.cfg.BatchSize {
				if err := flushRels(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flushRels(); err != nil {
		return nil, err
	}

	// Gather chunks, in order, into the canonical snapshot.
	snapshot := Snapshot{
		ExportedAt:    meta.ExportedAt,
		WorkspaceID:   meta.WorkspaceID,
		WorkspaceName: meta.WorkspaceName,
		Realms:        realms,
		Lores:         make([]*storage.Lore, 0, loreCount),
		Relations:     make([]*storage.Relation, 0, relCount),
	}
	for i := 0; i < chunks; i++ {
		var c chunk
		if err := readJSONFile(e.chunkPath(stateDir, i), &c); err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", i, err)
		}
		snapshot.Lores = append(snapshot.Lores, c.Lores...)
		snapshot.Relations = append(snapshot.Relations, c.Relations...)
	}

	snapPath := filepath.Join(stateDir, SnapshotFileName)
	if err := writeJSONFile(snapPath, snapshot); err != nil {
		return nil, err
	}

	if err := e.removeScratch(stateDir); err != nil {
		return nil, err
	}

	e.logger.Printf("exported %d lores, %d relations across %d realms (%d chunks)",
		loreCount, relCount, len(realms), chunks)

	return &Result{
		Realms:    len(realms),
		Lores:     loreCount,
		Relations: relCount,
		Chunks:    chunks,
		Path:      snapPath,
	}, nil
}

// ReadSnapshot loads the canonical snapshot from a sync directory.
func ReadSnapshot(syncDir string) (*Snapshot, error) {
	var s Snapshot
	if err := readJSONFile(filepath.Join(syncDir, StateDir, SnapshotFileName), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// filterRealms applies the configured realm restriction.
func (e *Exporter) filterRealms(realms []*storage.Realm) []*storage.Realm {
	if len(e.cfg.Realms) == 0 {
		return realms
	}
	allowed := make(map[string]bool, len(e.cfg.Realms))
	for _, id := range e.cfg.Realms {
		allowed[id] = true
	}
	var kept []*storage.Realm
	for _, r := range realms {
		if allowed[r.ID] {
			kept = append(kept, r)
		}
	}
	return kept
}

func (e *Exporter) chunkPath(stateDir string, n int) string {
	return filepath.Join(stateDir, fmt.Sprintf("export-chunk-%d.json", n))
}

// removeScratch deletes the metadata file and every chunk file.
func (e *Exporter) removeScratch(stateDir string) error {
	matches, err := filepath.Glob(filepath.Join(stateDir, "export-chunk-*.json"))
	if err != nil {
		return fmt.Errorf("failed to list chunk files: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove chunk file %s: %w", m, err)
		}
	}
	if err := os.Remove(filepath.Join(stateDir, metadataFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove export metadata: %w", err)
	}
	return nil
}

// checkMemory warns and asks the runtime to give memory back when the
// heap has grown past the baseline by more than the threshold.
func (e *Exporter) checkMemory(baseline uint64) {
	current := heapInUse()
	if current > baseline && current-baseline > memGrowthWarn {
		e.logger.Printf("Warning: export memory grew by %d MiB, requesting reclaim",
			(current-baseline)>>20)
		debug.FreeOSMemory()
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
