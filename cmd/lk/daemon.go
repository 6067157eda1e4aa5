package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lorekeep/lorekeep/internal/autosync"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/ui"
	"github.com/lorekeep/lorekeep/internal/workspace"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync in the foreground",
	Long: `Watch every auto-sync workspace and synchronize it as changes land.

The daemon watches each workspace's change log, debounces bursts of
local edits into one sync, and falls back to the workspace's interval
when the filesystem is quiet. Activity is written to a rotating log
under the base directory.

Runs in the foreground; use a process manager to keep it running.`,
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		list, err := reg.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing workspaces: %v\n", err)
			os.Exit(1)
		}

		var targets []*workspace.Workspace
		for _, ws := range list {
			if workspaceFlag != "" && ws.Name != workspaceFlag {
				continue
			}
			if ws.AutoSync || ws.Name == workspaceFlag {
				targets = append(targets, ws)
			}
		}
		if len(targets) == 0 {
			fmt.Fprintf(os.Stderr, "Error: no auto-sync workspaces configured\n")
			fmt.Fprintf(os.Stderr, "Enable one with 'lk workspace create <name> --auto-sync' or pass --workspace\n")
			os.Exit(1)
		}

		store := openStore()
		defer store.Close()

		logPath := filepath.Join(mustBaseDir(), "logs", "autosync.log")
		rotating := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    config.GetInt("log.max_size_mb"),
			MaxBackups: config.GetInt("log.max_backups"),
			MaxAge:     config.GetInt("log.max_age_days"),
		}
		logger := log.New(io.MultiWriter(os.Stderr, rotating), "[autosync] ", log.LstdFlags)

		runner, err := autosync.New(&autosync.Config{
			Debounce: config.GetDuration("autosync.debounce"),
			Logger:   logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sync runner: %v\n", err)
			os.Exit(1)
		}

		for _, ws := range targets {
			adapter, err := newAdapter(ws, "", store)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error wiring workspace %s: %v\n", ws.Name, err)
				os.Exit(1)
			}
			err = runner.Add(&autosync.Target{
				Name:     ws.Name,
				SyncDir:  ws.SyncDir,
				Interval: ws.SyncInterval(),
				Adapter:  adapter,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error watching workspace %s: %v\n", ws.Name, err)
				os.Exit(1)
			}
		}

		fmt.Printf("%s Starting sync daemon for %d workspace(s)...\n", ui.RenderAccent("🚀"), len(targets))
		for _, ws := range targets {
			fmt.Printf("   %s: %s\n", ws.Name, ws.SyncDir)
		}
		fmt.Printf("   Log: %s\n", logPath)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Blocks until the signal context is cancelled.
		if err := runner.Start(rootCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
