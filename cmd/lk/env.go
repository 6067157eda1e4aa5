package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/exporter"
	"github.com/lorekeep/lorekeep/internal/identity"
	"github.com/lorekeep/lorekeep/internal/storage"
	"github.com/lorekeep/lorekeep/internal/storage/sqlite"
	"github.com/lorekeep/lorekeep/internal/syncer"
	"github.com/lorekeep/lorekeep/internal/workspace"
)

// dbFileName is the shared knowledge store under the base directory. All
// workspaces read and write the same database; sync directories are what
// keep them apart.
const dbFileName = "lorekeep.db"

func mustBaseDir() string {
	base, err := config.BaseDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving base directory: %v\n", err)
		os.Exit(1)
	}
	return base
}

func openRegistry() *workspace.Registry {
	return workspace.NewRegistry(mustBaseDir())
}

// currentWorkspace resolves --workspace, falling back to the registry
// default.
func currentWorkspace(reg *workspace.Registry) (*workspace.Workspace, error) {
	if workspaceFlag != "" {
		return reg.Get(workspaceFlag)
	}
	ws, err := reg.Default()
	if err != nil {
		return nil, fmt.Errorf("no workspace selected: %w (run 'lk init' first)", err)
	}
	return ws, nil
}

func openStore() *sqlite.Store {
	store, err := sqlite.Open(filepath.Join(mustBaseDir(), dbFileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening knowledge store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func mustDeviceID() string {
	id, err := identity.DeviceID(mustBaseDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving device identity: %v\n", err)
		os.Exit(1)
	}
	return id
}

// opLogger returns the logger passed into adapters and exporters:
// chatty on --verbose, silent otherwise.
func opLogger(prefix string) *log.Logger {
	if verboseFlag {
		return log.New(os.Stderr, prefix, log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// newAdapter wires a sync adapter for the workspace. workspaceID is only
// used for brand-new sync directories; existing ones know their own.
func newAdapter(ws *workspace.Workspace, workspaceID string, store storage.Storage) (*syncer.Adapter, error) {
	cfg := syncer.DefaultConfig()
	cfg.WorkspaceID = workspaceID
	cfg.WorkspaceName = ws.Name
	cfg.SyncDir = ws.SyncDir
	cfg.DeviceID = mustDeviceID()
	cfg.RemoteURL = ws.RemoteURL
	cfg.Branch = ws.Branch
	cfg.Timeout = config.GetDuration("sync.timeout")
	cfg.Retries = config.GetInt("sync.retries")
	cfg.Backoff = config.GetDuration("sync.backoff")
	cfg.RealmFilter = ws.Filters.Realms
	cfg.LoreTypeFilter = ws.Filters.LoreTypes
	cfg.Logger = opLogger("[sync] ")
	return syncer.New(cfg, store)
}

// newExporter wires an exporter for the workspace, plus the adapter
// whose lock the export must run under. The workspace id is read from
// the sync directory's manifest.
func newExporter(ws *workspace.Workspace, store storage.Storage) (*syncer.Adapter, *exporter.Exporter, error) {
	adapter, err := newAdapter(ws, "", store)
	if err != nil {
		return nil, nil, err
	}
	m, err := adapter.Manifest()
	if err != nil {
		return nil, nil, fmt.Errorf("workspace %s has no manifest: %w (run 'lk init' first)", ws.Name, err)
	}
	exp, err := exporter.New(exporter.Config{
		WorkspaceID:   m.WorkspaceID,
		WorkspaceName: m.WorkspaceName,
		SyncDir:       ws.SyncDir,
		BatchSize:     config.GetInt("export.batch_size"),
		Realms:        ws.Filters.Realms,
		Logger:        opLogger("[export] "),
	}, store)
	if err != nil {
		return nil, nil, err
	}
	return adapter, exp, nil
}

// structured reports whether output goes out as JSON or YAML instead of
// human-readable text.
func structured() bool {
	return outputFormat != ""
}

// emit renders v in the selected structured format.
func emit(v interface{}) {
	var (
		b   []byte
		err error
	)
	switch outputFormat {
	case "yaml":
		b, err = yaml.Marshal(v)
	default:
		b, err = json.MarshalIndent(v, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(b)
}
