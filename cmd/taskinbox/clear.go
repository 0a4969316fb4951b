package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskinbox/internal/audit"
	"github.com/basket/taskinbox/internal/retention"
	"github.com/basket/taskinbox/internal/shared"
)

var operatorAnnotations = map[string]string{annReporter: string(shared.ReporterOperator)}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "clear TASK_ID",
		Short:       "Delete one task, whatever its status",
		Args:        exactArgs(1),
		Annotations: operatorAnnotations,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			removed, err := e.Clear(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if removed {
				audit.Record(cmd.Context(), audit.ActionClear, args[0], 1, "")
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "No task %s\n", args[0])
			}
			return nil
		},
	}
}

func newClearAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "clear-all",
		Short:       "Delete every completed and failed task",
		Args:        noArgs,
		Annotations: operatorAnnotations,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			n, err := e.ClearAll(cmd.Context())
			if err != nil {
				return err
			}
			audit.Record(cmd.Context(), audit.ActionClearAll, "", n, "")
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d finished task(s)\n", n)
			return nil
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	var secs int
	cmd := &cobra.Command{
		Use:         "cleanup",
		Short:       "Run one retention sweep now",
		Args:        noArgs,
		Annotations: operatorAnnotations,
		RunE: func(cmd *cobra.Command, args []string) error {
			window := a.cfg.Retention()
			if cmd.Flags().Changed("retention") {
				if secs < 0 {
					return usagef("--retention must not be negative")
				}
				window = time.Duration(secs) * time.Second
			}
			if _, err := a.openEngine(cmd.Context()); err != nil {
				return err
			}
			sw := a.sweeper()
			res, err := sw.SweepWithRetention(cmd.Context(), window)
			if err != nil {
				return err
			}
			audit.Record(cmd.Context(), audit.ActionRetention, "", res.PurgedTasks, "retention="+window.String())
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d task(s) finished before %s\n",
				res.PurgedTasks, res.Cutoff.Local().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().IntVar(&secs, "retention", 0, "Retention window in seconds (default: retention_secs from config)")
	return cmd
}

// sweeper builds the retention sweeper over the open store.
func (a *app) sweeper() *retention.Sweeper {
	return retention.NewSweeper(retention.Config{
		Store:     a.store,
		Retention: a.cfg.Retention(),
		Schedule:  a.cfg.SweepSchedule,
		Bus:       a.bus,
		Logger:    a.logger,
		Tracer:    a.provider.Tracer,
		Metrics:   a.metrics,
	})
}
