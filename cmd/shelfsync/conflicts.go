package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/conflict"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/store"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review and resolve version conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting resolution",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		all, _ := cmd.Flags().GetBool("all")
		var entries []*store.ConflictEntry
		if all {
			entries, err = st.Conflicts(cmd.Context())
		} else {
			entries, err = st.OpenConflicts(cmd.Context())
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(entries) == 0 {
			fmt.Println("No conflicts.")
			return
		}

		for _, c := range entries {
			status := "open"
			if c.Resolved() {
				status = string(c.Resolution)
			}
			fmt.Printf("%-4d %-12s %-20s %-8s fields=%s\n",
				c.ID, c.EntityType, c.EntityID, status, strings.Join(c.ConflictFields, ","))
		}
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show both versions of a conflicted record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid conflict id %q\n", args[0])
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		c, err := st.ConflictByID(cmd.Context(), id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Conflict %d on %s %s (fields: %s)\n\n",
			c.ID, c.EntityType, c.EntityID, strings.Join(c.ConflictFields, ", "))
		local, _ := json.MarshalIndent(c.LocalData, "", "  ")
		server, _ := json.MarshalIndent(c.ServerData, "", "  ")
		fmt.Printf("Local:\n%s\n\nServer:\n%s\n", local, server)
		if c.Resolved() {
			fmt.Printf("\nResolved as %s at %s\n", c.Resolution, c.ResolvedAt.Format("2006-01-02 15:04:05"))
		}
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict by choosing a version.

  --use local    keep the local edit and re-submit it
  --use server   accept the server's version
  --use merged   field-level merge; fields named in --local keep the
                 local value, every other conflicted field takes the
                 server's

A conflict can only be resolved once.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid conflict id %q\n", args[0])
			os.Exit(1)
		}

		use, _ := cmd.Flags().GetString("use")
		resolution, err := store.ParseResolution(use)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		choices := map[string]conflict.Choice{}
		localFields, _ := cmd.Flags().GetStringSlice("local")
		for _, f := range localFields {
			choices[f] = conflict.ChoiceLocal
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		q := queue.New(st, newLogger("[queue] "))
		resolver := conflict.NewResolver(st, q, newLogger("[conflict] "))

		final, err := resolver.Resolve(cmd.Context(), id, resolution, choices)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Conflict %d resolved as %s.\n", id, resolution)
		if resolution != store.ResolutionServer {
			fmt.Println("A new mutation was queued; run 'shelfsync sync' to submit.")
		}
		out, _ := json.MarshalIndent(final, "", "  ")
		fmt.Printf("%s\n", out)
	},
}

var conflictsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a conflict, accepting the server's version",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid conflict id %q\n", args[0])
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		resolver := conflict.NewResolver(st, nil, newLogger("[conflict] "))
		if err := resolver.Dismiss(cmd.Context(), id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Conflict %d dismissed; server version kept.\n", id)
	},
}

func init() {
	conflictsListCmd.Flags().Bool("all", false, "include resolved conflicts")
	conflictsResolveCmd.Flags().String("use", "", "resolution: local, server, or merged")
	conflictsResolveCmd.Flags().StringSlice("local", nil, "conflicted fields that keep the local value (merged only)")
	_ = conflictsResolveCmd.MarkFlagRequired("use")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsDismissCmd)
	rootCmd.AddCommand(conflictsCmd)
}
