package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/ui"
)

// Version and Build are stamped at link time.
var (
	Version = "0.1.0"
	Build   = "dev"
)

var (
	workspaceFlag string
	jsonOutput    bool
	outputFormat  string
	quietFlag     bool
	verboseFlag   bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "lk",
	Short: "lk - Local-first knowledge base with git-backed sync",
	Long: `Lore chained to the codebases it describes. A local-first knowledge
base that replicates between devices through a plain git repository.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("lk version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		// Flags beat config; config fills in what the user left unset.
		if !cmd.Flags().Changed("json") {
			jsonOutput = config.GetBool("json")
		}
		if !cmd.Flags().Changed("quiet") {
			quietFlag = config.GetBool("quiet")
		}
		if jsonOutput && outputFormat == "" {
			outputFormat = "json"
		}
		if outputFormat != "" && outputFormat != "json" && outputFormat != "yaml" {
			fmt.Fprintf(os.Stderr, "Error: unknown output format %q (want json or yaml)\n", outputFormat)
			os.Exit(1)
		}

		// Structured output and pipes get plain text, no styling.
		if outputFormat != "" || !term.IsTerminal(int(os.Stdout.Fd())) {
			ui.Disable()
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	base, err := config.BaseDir()
	if err == nil {
		err = config.Init(base)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.AddGroup(&cobra.Group{ID: "lore", Title: "Working With Lore:"})
	rootCmd.AddGroup(&cobra.Group{ID: "sync", Title: "Sync & Replication:"})
	rootCmd.AddGroup(&cobra.Group{ID: "setup", Title: "Setup & Configuration:"})

	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "Workspace to operate on (default: the default workspace)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "", "Output format: json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose output")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
