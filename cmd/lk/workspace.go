package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/ui"
	"github.com/lorekeep/lorekeep/internal/workspace"
)

var (
	wsRemote    string
	wsBranch    string
	wsAutoSync  bool
	wsInterval  time.Duration
	wsRealms    []string
	wsLoreTypes []string
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	GroupID: "setup",
	Short:   "Manage workspaces",
	Long: `Manage the workspaces registered on this device.

Each workspace groups realms and lore, and replicates through its own
sync directory. Commands without --workspace operate on the default.`,
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new workspace",
	Long: `Register a workspace without initializing its sync directory. Use
'lk init <name>' to create and initialize in one step.

--realm and --lore-type, repeatable, restrict what this device applies
from the remote and what it exports.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		ws, err := reg.Create(workspace.Workspace{
			Name:             args[0],
			RemoteURL:        wsRemote,
			Branch:           wsBranch,
			AutoSync:         wsAutoSync,
			AutoSyncInterval: intervalString(wsInterval),
			Filters: workspace.Filters{
				Realms:    wsRealms,
				LoreTypes: wsLoreTypes,
			},
		})
		if err != nil {
			if errors.Is(err, workspace.ErrExists) {
				fmt.Fprintf(os.Stderr, "Error: workspace %q already exists\n", args[0])
			} else {
				fmt.Fprintf(os.Stderr, "Error creating workspace: %v\n", err)
			}
			os.Exit(1)
		}

		if structured() {
			emit(ws)
			return
		}
		fmt.Printf("%s Workspace %q registered\n", ui.RenderPass("✓"), ws.Name)
		fmt.Printf("   Sync dir: %s\n", ws.SyncDir)
		if ws.Default {
			fmt.Printf("   This is now the default workspace\n")
		}
	},
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workspaces",
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		list, err := reg.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing workspaces: %v\n", err)
			os.Exit(1)
		}

		if structured() {
			emit(list)
			return
		}
		if len(list) == 0 {
			fmt.Printf("%s No workspaces registered. Run 'lk init' to create one.\n", ui.RenderMuted("·"))
			return
		}
		for _, ws := range list {
			marker := " "
			if ws.Default {
				marker = ui.RenderPass("*")
			}
			line := fmt.Sprintf("%s %s", marker, ws.Name)
			var notes []string
			if ws.RemoteURL != "" {
				notes = append(notes, ws.RemoteURL)
			} else {
				notes = append(notes, "local-only")
			}
			if ws.AutoSync {
				notes = append(notes, "auto-sync "+ws.SyncInterval().String())
			}
			fmt.Printf("%s  %s\n", line, ui.RenderMuted(strings.Join(notes, ", ")))
		}
	},
}

var workspaceUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Make a workspace the default",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		if err := reg.SetDefault(args[0]); err != nil {
			if errors.Is(err, workspace.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "Error: no workspace named %q\n", args[0])
			} else {
				fmt.Fprintf(os.Stderr, "Error switching workspace: %v\n", err)
			}
			os.Exit(1)
		}
		if !quietFlag {
			fmt.Printf("%s Default workspace is now %q\n", ui.RenderPass("✓"), args[0])
		}
	},
}

var workspaceShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show one workspace's configuration",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()

		var (
			ws  *workspace.Workspace
			err error
		)
		if len(args) == 1 {
			ws, err = reg.Get(args[0])
		} else {
			ws, err = currentWorkspace(reg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if structured() {
			emit(ws)
			return
		}

		fmt.Printf("\n%s Workspace %q\n\n", ui.RenderAccent("◆"), ws.Name)
		fmt.Printf("Sync dir: %s\n", ws.SyncDir)
		if ws.RemoteURL != "" {
			fmt.Printf("Remote: %s (%s)\n", ws.RemoteURL, ws.Branch)
		} else {
			fmt.Printf("Remote: none\n")
		}
		fmt.Printf("Auto-sync: %v", ws.AutoSync)
		if ws.AutoSync {
			fmt.Printf(" (every %s)", ws.SyncInterval())
		}
		fmt.Println()
		if len(ws.Filters.Realms) > 0 {
			fmt.Printf("Realm filter: %s\n", strings.Join(ws.Filters.Realms, ", "))
		}
		if len(ws.Filters.LoreTypes) > 0 {
			fmt.Printf("Lore type filter: %s\n", strings.Join(ws.Filters.LoreTypes, ", "))
		}
		fmt.Printf("Default: %v\n", ws.Default)
		fmt.Printf("Created: %s\n", ws.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Println()
	},
}

// intervalString renders a flag duration for the registry, empty when
// unset so the workspace falls back to the stock interval.
func intervalString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func init() {
	workspaceCreateCmd.Flags().StringVar(&wsRemote, "remote", "", "Git remote URL to replicate through")
	workspaceCreateCmd.Flags().StringVar(&wsBranch, "branch", "", "Sync branch (default: main)")
	workspaceCreateCmd.Flags().BoolVar(&wsAutoSync, "auto-sync", false, "Enable background sync for this workspace")
	workspaceCreateCmd.Flags().DurationVar(&wsInterval, "interval", 0, "Background sync interval (default: 5m)")
	workspaceCreateCmd.Flags().StringSliceVar(&wsRealms, "realm", nil, "Restrict applied and exported events to this realm id (repeatable)")
	workspaceCreateCmd.Flags().StringSliceVar(&wsLoreTypes, "lore-type", nil, "Restrict applied lore creations to this type (repeatable)")

	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceUseCmd)
	workspaceCmd.AddCommand(workspaceShowCmd)
	rootCmd.AddCommand(workspaceCmd)
}
