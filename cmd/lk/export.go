package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "sync",
	Short:   "Write the workspace snapshot to state/current-export.json",
	Long: `Export the workspace's full knowledge state as a single snapshot under
the sync directory.

The export streams in bounded batches so a large workspace does not
balloon memory, and only relations whose both endpoints are in the
snapshot are included. The snapshot replicates with the next push.`,
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		ws, err := currentWorkspace(reg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		store := openStore()
		defer store.Close()

		adapter, exp, err := newExporter(ws, store)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error wiring exporter: %v\n", err)
			os.Exit(1)
		}

		start := time.Now()
		result, err := adapter.Export(rootCtx, exp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during export: %v\n", err)
			os.Exit(1)
		}

		if structured() {
			emit(result)
			return
		}

		fmt.Printf("%s Export complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Realms: %d\n", result.Realms)
		fmt.Printf("   Lores: %d\n", result.Lores)
		fmt.Printf("   Relations: %d\n", result.Relations)
		fmt.Printf("   Snapshot: %s\n", result.Path)
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
