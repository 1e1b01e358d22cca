package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shelfsync/shelfsync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Run the WebSocket monitoring dashboard standalone",
	Long: `Serve the monitoring dashboard without the sync daemon.

Clients connect to ws://<host>:<port>/ws and receive sync events as JSON
messages. Useful when another process drives the sync engine.`,
	Run: func(cmd *cobra.Command, args []string) {
		server := dashboard.NewServer(&dashboard.Config{
			Port:   viper.GetInt("dashboard_port"),
			Logger: newLogger("[dashboard] "),
		})

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Dashboard listening on %s. Ctrl-C to stop.\n", server.GetAddr())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
