package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shelfsync/shelfsync/internal/api"
	"github.com/shelfsync/shelfsync/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shelfsync",
	Short: "Offline-first inventory sync engine",
	Long: `shelfsync keeps a local SQLite mirror of an inventory workspace and
replays offline edits to the server when connectivity returns.

All reads come from the local mirror (.shelfsync/shelfsync.db). Writes are
applied locally first and queued; the sync engine drains the queue against
the server, detecting and logging version conflicts for resolution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./shelfsync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the local mirror database")
	rootCmd.PersistentFlags().String("server", "", "base URL of the inventory server")
	rootCmd.PersistentFlags().String("workspace", "", "workspace id to sync")

	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("workspace_id", rootCmd.PersistentFlags().Lookup("workspace"))
}

// initConfig loads configuration from file, environment, and flags.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("shelfsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "shelfsync"))
		}
	}

	viper.SetEnvPrefix("SHELFSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db_path", filepath.Join(".shelfsync", "shelfsync.db"))
	viper.SetDefault("edits_dir", filepath.Join(".shelfsync", "edits"))
	viper.SetDefault("page_size", 100)
	viper.SetDefault("dashboard_port", 8090)
	viper.SetDefault("probe_interval", "30s")
	viper.SetDefault("log_file", "")

	if err := viper.ReadInConfig(); err != nil {
		// Missing config files are fine; flags and env still apply.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

// newLogger builds a bracketed-prefix logger, rotating to log_file when
// configured and writing to stderr otherwise.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if logFile := viper.GetString("log_file"); logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

// openStore opens the local mirror database from configuration.
func openStore() (*store.Store, error) {
	path := viper.GetString("db_path")
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store at %s: %w", path, err)
	}
	return st, nil
}

// newAPIClient builds the server client from configuration.
func newAPIClient() (*api.Client, error) {
	serverURL := viper.GetString("server_url")
	if serverURL == "" {
		return nil, fmt.Errorf("server URL not configured (set server_url or --server)")
	}
	return api.New(serverURL, viper.GetString("token")), nil
}

// requireWorkspace returns the configured workspace id or an error.
func requireWorkspace() (string, error) {
	ws := viper.GetString("workspace_id")
	if ws == "" {
		return "", fmt.Errorf("workspace not configured (set workspace_id or --workspace)")
	}
	return ws, nil
}
