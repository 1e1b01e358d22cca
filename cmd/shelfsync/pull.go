package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shelfsync/shelfsync/internal/pull"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Mirror all workspace collections from the server",
	Long: `Pull every collection of the configured workspace into the local
mirror, replacing the previous contents.

If the configured workspace differs from the one currently mirrored, all
local collections are cleared first so records never bleed across
workspaces. The last-sync timestamp only advances when every collection
pulls successfully.`,
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

		puller := pull.New(st, client, viper.GetInt("page_size"), newLogger("[pull] "))

		start := time.Now()
		result, err := puller.SyncWorkspaceData(cmd.Context(), workspaceID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: pull failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Pulled workspace %s in %v\n", workspaceID, time.Since(start).Round(time.Millisecond))
		for _, kind := range sortedKinds(result.Counts) {
			fmt.Printf("  %-12s %d\n", kind, result.Counts[kind])
		}
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
