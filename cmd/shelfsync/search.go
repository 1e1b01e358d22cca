package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/search"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Fuzzy-search the local mirror",
	Long: `Search the local mirror without touching the network.

By default every searchable collection is queried, including creates
still waiting in the mutation queue (marked pending). Use --entity to
restrict to one collection.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		query := args[0]

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		searcher := search.New(st, newLogger("[search] "))
		limit, _ := cmd.Flags().GetInt("limit")

		var results []search.Result
		if kindArg, _ := cmd.Flags().GetString("entity"); kindArg != "" {
			kind, err := entity.ParseKind(kindArg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			results, err = searcher.Search(cmd.Context(), kind, query, limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		} else {
			results, err = searcher.GlobalSearch(cmd.Context(), query, limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if len(results) == 0 {
			fmt.Println("No matches.")
			return
		}

		for _, r := range results {
			name, _ := r.Record["name"].(string)
			line := fmt.Sprintf("%-12s %-20s %s", r.Entity, r.ID, name)
			if r.IsPending {
				line += "  (pending sync)"
			}
			fmt.Println(line)
		}
	},
}

func init() {
	searchCmd.Flags().String("entity", "", "restrict to one collection (items, borrowers, ...)")
	searchCmd.Flags().Int("limit", 20, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}
