package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/internal/syncer"
	"github.com/lorekeep/lorekeep/internal/ui"
	"github.com/lorekeep/lorekeep/internal/workspace"
)

var syncAll bool

type syncOp func(ctx context.Context, a *syncer.Adapter) (*syncer.SyncResult, error)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull remote changes, then push local ones",
	Long: `Synchronize the workspace with its git remote: pull and apply what
other devices pushed, then push this device's pending changes.

A pull that hits merge conflicts stops everything: nothing is applied,
nothing is pushed, and the conflicted files are listed for manual
resolution in the sync directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		runSyncOp("sync", func(ctx context.Context, a *syncer.Adapter) (*syncer.SyncResult, error) {
			return a.Sync(ctx)
		})
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Push local changes to the remote",
	Run: func(cmd *cobra.Command, args []string) {
		runSyncOp("push", func(ctx context.Context, a *syncer.Adapter) (*syncer.SyncResult, error) {
			return a.Push(ctx)
		})
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull and apply changes from the remote",
	Run: func(cmd *cobra.Command, args []string) {
		runSyncOp("pull", func(ctx context.Context, a *syncer.Adapter) (*syncer.SyncResult, error) {
			return a.Pull(ctx)
		})
	},
}

// runSyncOp executes op for the selected workspace, or for every
// registered workspace with --all.
func runSyncOp(name string, op syncOp) {
	reg := openRegistry()

	var targets []*workspace.Workspace
	if syncAll {
		list, err := reg.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing workspaces: %v\n", err)
			os.Exit(1)
		}
		for _, ws := range list {
			if ws.SyncEnabled {
				targets = append(targets, ws)
			}
		}
		if len(targets) == 0 {
			fmt.Fprintf(os.Stderr, "Error: no sync-enabled workspaces registered\n")
			os.Exit(1)
		}
	} else {
		ws, err := currentWorkspace(reg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		targets = append(targets, ws)
	}

	store := openStore()
	defer store.Close()

	// Workspaces have disjoint sync directories, so they run in
	// parallel; the store itself is safe for concurrent use.
	results := make(map[string]*syncer.SyncResult, len(targets))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(rootCtx)
	for _, ws := range targets {
		ws := ws
		g.Go(func() error {
			adapter, err := newAdapter(ws, "", store)
			if err == nil {
				var result *syncer.SyncResult
				result, err = op(ctx, adapter)
				if err == nil {
					mu.Lock()
					results[ws.Name] = result
					mu.Unlock()
					return nil
				}
			}
			mu.Lock()
			failures[ws.Name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	reportResults(name, targets, results, failures)
}

func reportResults(name string, targets []*workspace.Workspace, results map[string]*syncer.SyncResult, failures map[string]error) {
	if structured() {
		out := make(map[string]interface{}, len(targets))
		for ws, r := range results {
			out[ws] = r
		}
		for ws, err := range failures {
			out[ws] = map[string]string{"error": err.Error()}
		}
		emit(out)
	} else {
		names := make([]string, 0, len(targets))
		for _, ws := range targets {
			names = append(names, ws.Name)
		}
		sort.Strings(names)

		for _, wsName := range names {
			if err, ok := failures[wsName]; ok {
				fmt.Printf("%s %s: %s failed: %v\n", ui.RenderError("✗"), wsName, name, err)
				continue
			}
			printResult(wsName, results[wsName])
		}
	}

	exitCode := 0
	for _, r := range results {
		if !r.Ok() {
			exitCode = 1
		}
	}
	if len(failures) > 0 {
		exitCode = 1
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func printResult(wsName string, r *syncer.SyncResult) {
	switch {
	case r.Conflicts > 0:
		fmt.Printf("%s %s: %d conflict(s), nothing applied\n", ui.RenderWarn("⚠"), wsName, r.Conflicts)
		fmt.Printf("   %s\n", r.Message)
	case len(r.Errors) > 0:
		fmt.Printf("%s %s: finished with %d error(s)\n", ui.RenderWarn("⚠"), wsName, len(r.Errors))
		for _, e := range r.Errors {
			fmt.Printf("   %s\n", e)
		}
	default:
		fmt.Printf("%s %s: pulled %d, pushed %d\n", ui.RenderPass("✓"), wsName, r.Pulled, r.Pushed)
	}
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, pushCmd, pullCmd} {
		c.Flags().BoolVar(&syncAll, "all", false, "Run against every sync-enabled workspace")
	}
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
}
