package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/treetodo/treetodo/internal/config"
	"github.com/treetodo/treetodo/internal/logging"
	"github.com/treetodo/treetodo/internal/retry"
	"github.com/treetodo/treetodo/internal/store"
	"github.com/treetodo/treetodo/internal/ui"
)

var (
	cfgFile string
	noColor bool

	cfg    *config.Config
	logOut *logging.Output
)

var rootCmd = &cobra.Command{
	Use:   "treetodo",
	Short: "Hierarchical to-do lists, private or shared",
	Long: `treetodo keeps a tree of tasks in a local SQLite database.

Private tasks never leave the machine. Collaborations are shared task trees
kept in sync through a relay server: every change is logged on the server,
pushed to everyone online and replayed in order on each device.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.ConfigureColor(noColor)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			fatalf("%v", err)
		}
		logOut, err = logging.Open(cfg.Log)
		if err != nil {
			fatalf("%v", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOut != nil {
			_ = logOut.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: treetodo.yaml in the user config dir or .)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Collaboration:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, ui.Error("Error: "+format, args...))
	os.Exit(1)
}

func logger(component string) *log.Logger {
	return logOut.Logger(component)
}

func retryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  cfg.Client.RetryAttempts,
		BaseDelay: cfg.Client.RetryBaseDelay,
	}
}

// openStore opens the local task database.
func openStore() *store.DB {
	db, err := store.Open(cfg.Client.DB)
	if err != nil {
		fatalf("failed to open %s: %v", cfg.Client.DB, err)
	}
	return db
}
