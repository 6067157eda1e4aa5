package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/ui"
	"github.com/lorekeep/lorekeep/internal/workspace"
)

var (
	initRemote   string
	initBranch   string
	initAutoSync bool
)

var initCmd = &cobra.Command{
	Use:     "init [name]",
	GroupID: "setup",
	Short:   "Create a workspace and its sync directory",
	Long: `Create a workspace, register it, and initialize its git-backed sync
directory. The first workspace becomes the default.

With --remote, the sync directory fetches existing history before
creating anything: joining a workspace another device already pushed
adopts that workspace's identity instead of minting a new one.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := "main"
		if len(args) == 1 {
			name = args[0]
		}

		reg := openRegistry()
		ws, err := reg.Create(workspace.Workspace{
			Name:      name,
			RemoteURL: initRemote,
			Branch:    initBranch,
			AutoSync:  initAutoSync,
		})
		if errors.Is(err, workspace.ErrExists) {
			// Re-running init finishes whatever a previous run left
			// undone; Initialize is idempotent on a ready directory.
			ws, err = reg.Get(name)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating workspace: %v\n", err)
			os.Exit(1)
		}

		store := openStore()
		defer store.Close()

		adapter, err := newAdapter(ws, uuid.NewString(), store)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error wiring sync adapter: %v\n", err)
			os.Exit(1)
		}

		m, err := adapter.Initialize(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing sync directory: %v\n", err)
			os.Exit(1)
		}

		if structured() {
			emit(map[string]interface{}{
				"workspace":   ws.Name,
				"workspaceId": m.WorkspaceID,
				"syncDir":     ws.SyncDir,
				"deviceId":    m.DeviceID,
				"remote":      ws.RemoteURL,
				"branch":      ws.Branch,
			})
			return
		}

		fmt.Printf("%s Workspace %q initialized\n", ui.RenderPass("✓"), ws.Name)
		fmt.Printf("   Sync dir: %s\n", ws.SyncDir)
		fmt.Printf("   Device: %s\n", shortID(m.DeviceID))
		if ws.RemoteURL != "" {
			fmt.Printf("   Remote: %s (%s)\n", ws.RemoteURL, ws.Branch)
		} else {
			fmt.Printf("   Remote: none (local-only until one is configured)\n")
		}
		if ws.Default {
			fmt.Printf("   This is now the default workspace\n")
		}
	},
}

// shortID trims a uuid to its first block for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	initCmd.Flags().StringVar(&initRemote, "remote", "", "Git remote URL to replicate through")
	initCmd.Flags().StringVar(&initBranch, "branch", "", "Sync branch (default: main)")
	initCmd.Flags().BoolVar(&initAutoSync, "auto-sync", false, "Enable background sync for this workspace")
	rootCmd.AddCommand(initCmd)
}
