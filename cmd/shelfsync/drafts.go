package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/store"
)

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "Manage saved form drafts",
	Long: `Form drafts preserve half-finished edits across sessions. They are
purely local and never synced.`,
}

var draftsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved drafts newest first",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		drafts, err := st.Drafts(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(drafts) == 0 {
			fmt.Println("No drafts.")
			return
		}

		for _, d := range drafts {
			fmt.Printf("%-30s %s (%d field(s))\n", d.ID, d.SavedAt.Format("2006-01-02 15:04:05"), len(d.Fields))
		}
	},
}

var draftsSaveCmd = &cobra.Command{
	Use:   "save <id>",
	Short: "Save a draft from a JSON payload",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, _ := cmd.Flags().GetString("fields")
		if raw == "" {
			fmt.Fprintf(os.Stderr, "Error: --fields is required\n")
			os.Exit(1)
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid fields JSON: %v\n", err)
			os.Exit(1)
		}

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		draft := &store.FormDraft{ID: args[0], Fields: fields, SavedAt: time.Now()}
		if err := st.SaveDraft(cmd.Context(), draft); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Draft %s saved.\n", args[0])
	},
}

var draftsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a draft's saved fields",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		d, err := st.Draft(cmd.Context(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		out, _ := json.MarshalIndent(d.Fields, "", "  ")
		fmt.Printf("%s\n", out)
	},
}

var draftsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a draft",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if err := st.DeleteDraft(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Draft %s deleted.\n", args[0])
	},
}

func init() {
	draftsSaveCmd.Flags().String("fields", "", "draft fields as JSON")

	draftsCmd.AddCommand(draftsListCmd)
	draftsCmd.AddCommand(draftsSaveCmd)
	draftsCmd.AddCommand(draftsShowCmd)
	draftsCmd.AddCommand(draftsDeleteCmd)
	rootCmd.AddCommand(draftsCmd)
}
