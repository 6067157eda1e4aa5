package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/changelog"
	"github.com/lorekeep/lorekeep/internal/storage"
	"github.com/lorekeep/lorekeep/internal/syncer"
	"github.com/lorekeep/lorekeep/internal/ui"
)

var (
	addRealm string
	addType  string
)

var addCmd = &cobra.Command{
	Use:     "add <content>",
	GroupID: "lore",
	Short:   "Record a piece of lore",
	Long: `Record a piece of lore in the current workspace.

The lore attaches to a realm: --realm names one by id or name, and an
unknown name is registered on the spot. Without --realm, the realm whose
path matches the current directory is used, registering it first if this
is the first lore recorded here.

The change is written durably to the workspace's change log before the
store mutation commits, so a crash can never record one without the
other.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		content := strings.Join(args, " ")

		switch addType {
		case storage.TypeDecree, storage.TypeInsight, storage.TypeCaution, storage.TypeChronicle:
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown lore type %q (want %s, %s, %s, or %s)\n",
				addType, storage.TypeDecree, storage.TypeInsight, storage.TypeCaution, storage.TypeChronicle)
			os.Exit(1)
		}

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
			fmt.Fprintf(os.Stderr, "Error: workspace %s is not initialized: %v\n", ws.Name, err)
			os.Exit(1)
		}

		realm, err := resolveRealm(rootCtx, adapter, store, m.WorkspaceID, addRealm)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving realm: %v\n", err)
			os.Exit(1)
		}

		input := storage.LoreInput{
			ID:      uuid.NewString(),
			RealmID: realm.ID,
			Content: content,
			Type:    addType,
		}
		err = adapter.Tracker().TrackLore(rootCtx, changelog.OpCreate, input.ID, realm.ID, input,
			func(ctx context.Context) error {
				_, err := store.CreateLore(ctx, input)
				return err
			})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error recording lore: %v\n", err)
			os.Exit(1)
		}

		if structured() {
			emit(map[string]interface{}{
				"id":      input.ID,
				"realmId": realm.ID,
				"realm":   realm.Name,
				"type":    input.Type,
			})
			return
		}

		fmt.Printf("%s Lore recorded\n", ui.RenderPass("✓"))
		fmt.Printf("   ID: %s\n", shortID(input.ID))
		fmt.Printf("   Realm: %s\n", realm.Name)
		fmt.Printf("   Type: %s\n", input.Type)
	},
}

// resolveRealm finds the realm named by --realm (id or name), or the one
// registered for the current directory. A miss registers a new realm,
// tracked through the same durable path as any other change.
func resolveRealm(ctx context.Context, adapter *syncer.Adapter, store storage.Storage, workspaceID, selector string) (*storage.Realm, error) {
	realms, err := store.WorkspaceRealms(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list realms: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	for _, r := range realms {
		if selector != "" {
			if r.ID == selector || r.Name == selector {
				return r, nil
			}
			continue
		}
		if r.Path == cwd {
			return r, nil
		}
	}

	input := storage.RealmInput{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        selector,
	}
	if selector == "" {
		input.Name = filepath.Base(cwd)
		input.Path = cwd
	}

	err = adapter.Tracker().TrackRealm(ctx, changelog.OpCreate, input.ID, input,
		func(ctx context.Context) error {
			_, err := store.CreateRealm(ctx, input)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("failed to register realm %q: %w", input.Name, err)
	}

	if !quietFlag && !structured() {
		fmt.Printf("%s Registered realm %q\n", ui.RenderAccent("◆"), input.Name)
	}
	return store.FindRealm(ctx, input.ID)
}

func init() {
	addCmd.Flags().StringVar(&addRealm, "realm", "", "Realm to attach the lore to, by id or name (default: the current directory's realm)")
	addCmd.Flags().StringVar(&addType, "type", storage.TypeInsight, "Lore type: decree, insight, caution, or chronicle")
	rootCmd.AddCommand(addCmd)
}
