package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local mirror and queue status",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx := cmd.Context()

		workspace, err := st.GetSyncMeta(ctx, store.MetaWorkspaceID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		lastSync, err := st.GetSyncMeta(ctx, store.MetaLastSync)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		version, err := st.SchemaVersion(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if workspace == "" {
			workspace = "(none)"
		}
		if lastSync == "" {
			lastSync = "never"
		}
		fmt.Printf("Workspace:      %s\n", workspace)
		fmt.Printf("Last pull:      %s\n", lastSync)
		fmt.Printf("Schema version: %d\n", version)

		fmt.Println("\nCollections:")
		for _, kind := range entity.Kinds() {
			count, err := st.Count(ctx, kind)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("  %-12s %d\n", kind, count)
		}

		stats, err := st.QueueStats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nQueue: %d pending, %d syncing, %d failed\n",
			stats[store.StatusPending], stats[store.StatusSyncing], stats[store.StatusFailed])

		open, err := st.OpenConflicts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(open) > 0 {
			fmt.Printf("Conflicts awaiting resolution: %d\n", len(open))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
