package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shelfsync/shelfsync/internal/daemon"
	"github.com/shelfsync/shelfsync/internal/dashboard"
	"github.com/shelfsync/shelfsync/internal/pull"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/syncer"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Watches the edits directory for dropped mutation files and queues them
  2. Probes server connectivity on an interval
  3. Drains the mutation queue whenever connectivity returns
  4. Re-pulls the mirror when it has gone stale

With --with-dashboard, a WebSocket server broadcasts sync events for
real-time monitoring.`,
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

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		managerConfig := syncer.Config{
			WorkspaceID: workspaceID,
			Logger:      newLogger("[sync] "),
		}

		// Optional dashboard: sync events are broadcast to connected
		// WebSocket clients.
		var dash *dashboard.Server
		if withDashboard, _ := cmd.Flags().GetBool("with-dashboard"); withDashboard {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   viper.GetInt("dashboard_port"),
				Logger: newLogger("[dashboard] "),
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := dash.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
				}
			}()
			managerConfig.Notify = dashboard.EventSink(dash)
		}

		manager, err := syncer.New(ctx, st, client, managerConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		q := queue.New(st, newLogger("[queue] "))
		puller := pull.New(st, client, viper.GetInt("page_size"), newLogger("[pull] "))

		config := daemon.DefaultConfig()
		config.Logger = newLogger("[daemon] ")
		config.Dashboard = dash
		if interval := viper.GetDuration("probe_interval"); interval > 0 {
			config.ProbeInterval = interval
		}
		if stale := viper.GetDuration("stale_after"); stale > 0 {
			config.StaleAfter = stale
		}

		d, err := daemon.New(st, q, puller, manager, client, workspaceID, viper.GetString("edits_dir"), config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Daemon running (workspace %s, probe every %v). Ctrl-C to stop.\n",
			workspaceID, config.ProbeInterval.Round(time.Second))
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("with-dashboard", false, "serve the WebSocket monitoring dashboard")
	rootCmd.AddCommand(daemonCmd)
}
