package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the mutation queue against the server",
	Long: `Replay queued local edits against the server, oldest first.

Each pending entry is submitted with its idempotency key. Committed
entries are removed and the local mirror is refreshed from the server's
response. Version conflicts are logged for resolution (see 'shelfsync
conflicts'). Entries that fail are parked until retried explicitly.`,
	Run: func(cmd *cobra.Command, args []string) {
		workspaceID, err := requireWorkspace()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		client, err := newAPIClient()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		manager, err := syncer.New(cmd.Context(), st, client, syncer.Config{
			WorkspaceID: workspaceID,
			Logger:      newLogger("[sync] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		result, err := manager.ProcessQueue(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: drain failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Attempted %d mutation(s): %d committed, %d conflicted, %d failed, %d waiting on dependencies\n",
			result.Attempted, result.Committed, result.Conflicted, result.Failed, result.Skipped)
		if result.Conflicted > 0 {
			fmt.Println("Run 'shelfsync conflicts list' to review conflicts.")
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
