package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskinbox/internal/lifecycle"
	"github.com/basket/taskinbox/internal/tui"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of the inbox",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return usagef("--interval must be positive")
			}
			ctx := cmd.Context()
			e, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			provider := snapshotProvider(ctx, e, lifecycle.ListOptions{All: all})
			out := cmd.OutOrStdout()
			if isTerminal(out) {
				err := tui.Run(ctx, provider, interval)
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			return watchPlain(ctx, out, provider, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Refresh interval")
	cmd.Flags().BoolVar(&all, "all", false, "Include completed and failed tasks")
	return cmd
}

// snapshotProvider reads the store on every refresh. Store errors are shown
// in the view instead of ending it.
func snapshotProvider(ctx context.Context, e *lifecycle.Engine, opts lifecycle.ListOptions) tui.StatusProvider {
	return func() tui.Snapshot {
		snap := tui.Snapshot{TakenAt: time.Now()}
		tasks, err := e.List(ctx, opts)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		counts, err := e.Counts(ctx)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		snap.Tasks, snap.Counts, snap.DBOK = tasks, counts, true
		return snap
	}
}

// watchPlain reprints the table for pipes and dumb terminals.
func watchPlain(ctx context.Context, w io.Writer, provider tui.StatusProvider, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap := provider()
		fmt.Fprintf(w, "== %s ==\n", snap.TakenAt.Local().Format("15:04:05"))
		if snap.DBOK {
			io.WriteString(w, tui.RenderTable(snap.Tasks, snap.TakenAt, false))
		} else {
			fmt.Fprintf(w, "store unavailable: %s\n", snap.LastError)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
