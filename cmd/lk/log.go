package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/ui"
)

var (
	logSince string
	logRealm string
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "lore",
	Short:   "Show the workspace change log",
	Long: `List change events recorded in the workspace, local and replicated
alike, oldest first.

--since accepts natural language ("yesterday", "2 hours ago") as well as
dates ("2025-06-01").`,
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		ws, err := currentWorkspace(reg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		log := changelog.NewLog(ws.SyncDir)
		var events []*changelog.Event
		if logSince != "" {
			since, err := parseSince(logSince)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			events, err = log.ReadSince(since)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading change log: %v\n", err)
				os.Exit(1)
			}
		} else {
			events, err = log.ReadAll()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading change log: %v\n", err)
				os.Exit(1)
			}
		}

		if logRealm != "" {
			var kept []*changelog.Event
			for _, ev := range events {
				realm := ev.RealmID()
				if ev.Entity == changelog.EntityRealm {
					realm = ev.EntityID
				}
				if realm == logRealm {
					kept = append(kept, ev)
				}
			}
			events = kept
		}

		if structured() {
			emit(events)
			return
		}

		if len(events) == 0 {
			fmt.Printf("%s No changes recorded\n", ui.RenderMuted("·"))
			return
		}
		for _, ev := range events {
			fmt.Printf("%s  %s %s %s  %s  %s\n",
				ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
				opMarker(ev.Operation),
				ev.Operation,
				ev.Entity,
				shortID(ev.EntityID),
				ui.RenderMuted("device "+shortID(ev.DeviceID)))
		}
		if !quietFlag {
			fmt.Printf("\n%d event(s)\n", len(events))
		}
	},
}

// parseSince turns natural language or a date into a point in time.
func parseSince(s string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	if r, err := w.Parse(s, time.Now()); err == nil && r != nil {
		return r.Time, nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse --since value %q", s)
}

func opMarker(op string) string {
	switch op {
	case changelog.OpCreate:
		return ui.RenderPass("+")
	case changelog.OpDelete:
		return ui.RenderError("-")
	case changelog.OpArchive:
		return ui.RenderMuted("▣")
	default:
		return ui.RenderAccent("~")
	}
}

func init() {
	logCmd.Flags().StringVar(&logSince, "since", "", "Only events at or after this time (natural language or date)")
	logCmd.Flags().StringVar(&logRealm, "realm", "", "Only events scoped to this realm id")
	rootCmd.AddCommand(logCmd)
}
