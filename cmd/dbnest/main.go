package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by client subcommands.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "dbnest",
		Short: "Local database process lifecycle manager",
		Long: `dbnest runs local PostgreSQL, MySQL, MongoDB and Redis servers as
managed child processes: per-instance data directories, readiness
detection, credential provisioning, and cleanup of orphaned processes.

Examples:
  dbnest serve                                  # run the daemon
  dbnest create --engine=postgresql --port=5433
  dbnest start <id>
  dbnest list
  dbnest credentials <id> --username=app --password=secret`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API base URL (default http://127.0.0.1:7913/api/v1)")

	root.AddCommand(
		createServeCommand(flags),
		createCreateCommand(flags),
		createListCommand(flags),
		createStatusCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createRemoveCommand(flags),
		createCredentialsCommand(flags),
		createCheckCommand(flags),
		createAutoStartCommand(flags),
		createReconcileCommand(flags),
		createKillAllCommand(flags),
		createEventsCommand(flags),
	)
	return root
}
