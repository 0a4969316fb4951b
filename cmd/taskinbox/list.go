package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskinbox/internal/lifecycle"
	"github.com/basket/taskinbox/internal/persistence"
	"github.com/basket/taskinbox/internal/task"
	"github.com/basket/taskinbox/internal/tui"
)

func newListCmd(a *app) *cobra.Command {
	var (
		statuses []string
		opts     lifecycle.ListOptions
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks (active ones unless --all or --status)",
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range statuses {
				s, err := task.ParseStatus(raw)
				if err != nil {
					return err
				}
				opts.Statuses = append(opts.Statuses, s)
			}
			e, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := e.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, tasks)
			}
			_, err = io.WriteString(out, tui.RenderTable(tasks, time.Now(), isTerminal(out)))
			return err
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&statuses, "status", nil, "Only show these statuses (running, needs-attention, completed, failed)")
	f.StringVar(&opts.AgentType, "agent", "", "Only show tasks of this agent type")
	f.BoolVar(&opts.All, "all", false, "Include completed and failed tasks")
	f.IntVar(&opts.Limit, "limit", 0, "Show at most N tasks (0 = no limit)")
	f.BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

type showOutput struct {
	task.Task
	Events []persistence.TaskEvent `json:"events"`
}

func newShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show TASK_ID",
		Short: "Show one task with its transition history",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			t, err := e.Show(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := e.History(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, showOutput{Task: t, Events: events})
			}
			printTask(out, t, events, isTerminal(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printTask(w io.Writer, t task.Task, events []persistence.TaskEvent, color bool) {
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(w, "%-12s %s\n", k+":", v)
		}
	}
	intStr := func(p *int) string {
		if p == nil {
			return ""
		}
		return fmt.Sprint(*p)
	}
	timeStr := func(ts *time.Time) string {
		if ts == nil {
			return ""
		}
		return ts.Local().Format(time.RFC3339)
	}

	row("Task", t.TaskID)
	row("Agent", t.AgentType)
	row("Title", t.Title)
	row("Status", tui.StatusLabel(t.Status, color))
	row("Created", timeStr(&t.CreatedAt))
	row("Updated", timeStr(&t.UpdatedAt))
	row("Completed", timeStr(t.CompletedAt))
	row("PID", intStr(t.PID))
	row("PPID", intStr(t.PPID))
	row("Monitor", intStr(t.MonitorPID))
	row("Attention", t.AttentionReason)
	row("Failure", t.FailureReason)
	row("Exit code", intStr(t.ExitCode))
	if len(t.Context) > 0 {
		row("Context", string(t.Context))
	}
	if len(t.Metadata) > 0 {
		row("Metadata", string(t.Metadata))
	}

	if len(events) == 0 {
		return
	}
	fmt.Fprintln(w, "\nHistory:")
	for _, ev := range events {
		from := string(ev.StateFrom)
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("  %s  %-16s %s → %s", ev.CreatedAt.Local().Format("15:04:05"), ev.EventType, from, ev.StateTo)
		if ev.Reason != "" {
			line += "  (" + ev.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
