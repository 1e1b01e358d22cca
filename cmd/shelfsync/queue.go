package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		q := queue.New(st, newLogger("[queue] "))
		entries, err := q.All(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(entries) == 0 {
			fmt.Println("Queue is empty.")
			return
		}

		for _, m := range entries {
			line := fmt.Sprintf("%-4d %-8s %-7s %-12s %s", m.ID, m.Status, m.Operation, m.Entity, m.EntityID)
			if m.Status == store.StatusFailed && m.LastError != "" {
				line += fmt.Sprintf("  (%s, retries=%d)", m.LastError, m.Retries)
			}
			if len(m.DependsOn) > 0 {
				line += fmt.Sprintf("  dependsOn=%v", m.DependsOn)
			}
			fmt.Println(line)
		}
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed mutation to pending",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid mutation id %q\n", args[0])
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		q := queue.New(st, newLogger("[queue] "))
		if err := q.Retry(cmd.Context(), id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Mutation %d reset to pending. Run 'shelfsync sync' to submit.\n", id)
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Remove a mutation from the queue",
	Long: `Remove a queued mutation without submitting it.

The optimistic local edit is not rolled back; run 'shelfsync pull' to
restore the server's version of the affected record.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid mutation id %q\n", args[0])
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		q := queue.New(st, newLogger("[queue] "))
		if err := q.Cancel(cmd.Context(), id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Mutation %d cancelled.\n", id)
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <operation> <entity> [entityId]",
	Short: "Queue a mutation from a JSON payload",
	Long: `Queue a create or update mutation. The payload is read from the
--payload flag or stdin.

Examples:
  shelfsync queue add create items --payload '{"name":"Drill"}'
  shelfsync queue add update items itm_42 --payload '{"quantity":5}'`,
	Args: cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		op, err := entity.ParseOperation(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		kind, err := entity.ParseKind(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		entityID := ""
		if len(args) == 3 {
			entityID = args[2]
		}

		raw, _ := cmd.Flags().GetString("payload")
		if raw == "" {
			fmt.Fprintf(os.Stderr, "Error: --payload is required\n")
			os.Exit(1)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid payload JSON: %v\n", err)
			os.Exit(1)
		}
		dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		q := queue.New(st, newLogger("[queue] "))
		key, err := q.Enqueue(cmd.Context(), op, kind, payload, queue.Options{
			EntityID:  entityID,
			DependsOn: dependsOn,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Queued %s %s (key=%s)\n", op, kind, key)
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by status",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		q := queue.New(st, newLogger("[queue] "))
		stats, err := q.Stats(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("pending: %d\nsyncing: %d\nfailed:  %d\n",
			stats[store.StatusPending], stats[store.StatusSyncing], stats[store.StatusFailed])
	},
}

func init() {
	queueAddCmd.Flags().String("payload", "", "mutation payload as JSON")
	queueAddCmd.Flags().StringSlice("depends-on", nil, "idempotency keys this mutation depends on")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}
