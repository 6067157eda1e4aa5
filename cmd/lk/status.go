package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/exporter"
	"github.com/lorekeep/lorekeep/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show workspace sync status",
	Long: `Display the current state of the workspace: identity, change log
size, last sync, and what the knowledge store holds for it.`,
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		ws, err := currentWorkspace(reg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		store := openStore()
		defer store.Close()

		adapter, err := newAdapter(ws, "", store)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error wiring sync adapter: %v\n", err)
			os.Exit(1)
		}

		m, err := adapter.Manifest()
		if err != nil {
			if structured() {
				emit(map[string]interface{}{"workspace": ws.Name, "initialized": false})
				return
			}
			fmt.Printf("\n%s Workspace %q is not initialized\n", ui.RenderWarn("⚠"), ws.Name)
			fmt.Printf("   Run 'lk init %s' to create the sync directory\n\n", ws.Name)
			return
		}

		log := changelog.NewLog(ws.SyncDir)
		events, err := log.ReadAll()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading change log: %v\n", err)
			os.Exit(1)
		}
		local := 0
		for _, ev := range events {
			if ev.DeviceID == m.DeviceID {
				local++
			}
		}

		realms, err := store.WorkspaceRealms(rootCtx, m.WorkspaceID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading knowledge store: %v\n", err)
			os.Exit(1)
		}
		lores := 0
		for _, realm := range realms {
			list, err := store.ListLoresByRealm(rootCtx, realm.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading knowledge store: %v\n", err)
				os.Exit(1)
			}
			lores += len(list)
		}

		snapshotAge := ""
		if info, err := os.Stat(filepath.Join(ws.SyncDir, exporter.StateDir, exporter.SnapshotFileName)); err == nil {
			snapshotAge = info.ModTime().Local().Format("2006-01-02 15:04:05")
		}

		if structured() {
			out := map[string]interface{}{
				"workspace":   ws.Name,
				"initialized": true,
				"workspaceId": m.WorkspaceID,
				"deviceId":    m.DeviceID,
				"syncDir":     ws.SyncDir,
				"remote":      ws.RemoteURL,
				"events":      len(events),
				"localEvents": local,
				"realms":      len(realms),
				"lores":       lores,
				"lastSync":    m.LastSync,
			}
			if m.LastAppliedCommit != "" {
				out["lastAppliedCommit"] = m.LastAppliedCommit
			}
			if snapshotAge != "" {
				out["lastExport"] = snapshotAge
			}
			emit(out)
			return
		}

		fmt.Printf("\n%s Workspace %q\n\n", ui.RenderAccent("📚"), ws.Name)
		fmt.Printf("Workspace ID: %s\n", shortID(m.WorkspaceID))
		fmt.Printf("Device: %s\n", shortID(m.DeviceID))
		fmt.Printf("Sync dir: %s\n", ws.SyncDir)
		if ws.RemoteURL != "" {
			fmt.Printf("Remote: %s (%s)\n", ws.RemoteURL, ws.Branch)
		} else {
			fmt.Printf("Remote: none\n")
		}
		fmt.Printf("Events: %d (%d from this device)\n", len(events), local)
		fmt.Printf("Realms: %d\n", len(realms))
		fmt.Printf("Lores: %d\n", lores)
		fmt.Printf("Last sync: %s\n", m.LastSync.Local().Format("2006-01-02 15:04:05"))
		if m.LastAppliedCommit != "" {
			fmt.Printf("Applied through: %s\n", shortID(m.LastAppliedCommit))
		}
		if snapshotAge != "" {
			fmt.Printf("Last export: %s\n", snapshotAge)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
