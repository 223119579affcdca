package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/dbnest/pkg/client"
)

const apiTimeout = 30 * time.Second

func apiClient(flags *GlobalFlags) *client.Client {
	cfg := client.DefaultConfig()
	if flags.APIUrl != "" {
		cfg.BaseURL = flags.APIUrl
	}
	return client.New(cfg)
}

func apiContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), apiTimeout)
}

func createCreateCommand(flags *GlobalFlags) *cobra.Command {
	req := client.CreateRequest{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a database instance record",
		Long: `Create a record for a managed database instance. Nothing is started;
use "dbnest start <id>" afterwards.

Examples:
  dbnest create --engine=postgresql
  dbnest create --engine=redis --port=6380 --password=secret --auto-start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			db, err := apiClient(flags).Create(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s on port %d)\n", db.ID, db.Engine, db.Port)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Engine, "engine", "", "engine: postgresql|mysql|mongodb|redis (required)")
	cmd.Flags().IntVar(&req.Port, "port", 0, "listen port (default: engine default)")
	cmd.Flags().StringVar(&req.Username, "username", "", "database user to provision")
	cmd.Flags().StringVar(&req.Password, "password", "", "password to provision")
	cmd.Flags().StringVar(&req.ContainerID, "container-id", "", "data directory name (default: record id)")
	cmd.Flags().StringVar(&req.EngineVersion, "engine-version", "", "preferred engine version for binary discovery")
	cmd.Flags().BoolVar(&req.AutoStart, "auto-start", false, "start this instance on daemon auto-start")
	if err := cmd.MarkFlagRequired("engine"); err != nil {
		panic(err)
	}
	return cmd
}

func createListCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List database instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			dbs, err := apiClient(flags).List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tENGINE\tPORT\tSTATUS\tPID\tAUTOSTART")
			for _, db := range dbs {
				auto := ""
				if db.AutoStart {
					auto = "yes"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					db.ID, db.Engine, db.Port, db.Status, pidCol(db.PID), auto)
			}
			return w.Flush()
		},
	}
}

func pidCol(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the live status of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			st, err := apiClient(flags).Status(ctx, args[0])
			if err != nil {
				return err
			}
			if st.PID != 0 {
				fmt.Printf("%s: %s (pid %d)\n", st.ID, st.Status, st.PID)
			} else {
				fmt.Printf("%s: %s\n", st.ID, st.Status)
			}
			return nil
		},
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a database instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			if err := apiClient(flags).Start(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("starting %s\n", args[0])
			return nil
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			if err := apiClient(flags).Stop(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("stopped %s\n", args[0])
			return nil
		},
	}
}

func createRemoveCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a stopped instance record",
		Long: `Remove the record of a stopped instance. The data directory stays on
disk; creating a new record with the same --container-id reattaches it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			if err := apiClient(flags).Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}

func createCredentialsCommand(flags *GlobalFlags) *cobra.Command {
	req := client.CredentialsRequest{}
	cmd := &cobra.Command{
		Use:   "credentials <id>",
		Short: "Update credentials on a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			if err := apiClient(flags).UpdateCredentials(ctx, args[0], req); err != nil {
				return err
			}
			fmt.Printf("credentials updated on %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Username, "username", "", "database user (empty keeps the current one)")
	cmd.Flags().StringVar(&req.Password, "password", "", "new password")
	return cmd
}

func createCheckCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check <id>",
		Short: "Probe a running instance over its wire protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			res, err := apiClient(flags).Check(ctx, args[0])
			if err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("check failed after %s: %s", res.Latency, res.Detail)
			}
			fmt.Printf("ok (%s)\n", res.Latency)
			return nil
		},
	}
}

func createAutoStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "autostart",
		Short: "Start every instance flagged for auto-start",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			sum, err := apiClient(flags).AutoStart(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("succeeded=%d failed=%d skipped=%d reassigned=%d\n",
				sum.Succeeded, sum.Failed, sum.Skipped, sum.Reassigned)
			return nil
		},
	}
}

func createReconcileCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile records against live processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			if err := apiClient(flags).Reconcile(ctx); err != nil {
				return err
			}
			fmt.Println("reconciled")
			return nil
		},
	}
}

func createKillAllCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "killall",
		Short: "Terminate every managed engine process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			if err := apiClient(flags).KillAll(ctx); err != nil {
				return err
			}
			fmt.Println("kill-all pass triggered")
			return nil
		},
	}
}

func createEventsCommand(flags *GlobalFlags) *cobra.Command {
	limit := 50
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := apiContext()
			defer cancel()
			evs, err := apiClient(flags).Events(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "TIME\tTYPE\tID\tENGINE\tDETAIL")
			for _, e := range evs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.OccurredAt.Local().Format(time.DateTime), e.Type, e.ID, e.Engine, e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of events to fetch")
	return cmd
}
