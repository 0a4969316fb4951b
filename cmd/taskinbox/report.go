package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/basket/taskinbox/internal/lifecycle"
	"github.com/basket/taskinbox/internal/shared"
	"github.com/basket/taskinbox/internal/task"
)

func newReportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "report",
		Short:       "Report a task lifecycle event (called by agents and hooks)",
		Annotations: map[string]string{annReporter: string(shared.ReporterAgent)},
	}
	cmd.AddCommand(newReportStartCmd(a))
	cmd.AddCommand(newReportAttentionCmd(a))
	cmd.AddCommand(newReportResumeCmd(a))
	cmd.AddCommand(newReportCompleteCmd(a))
	cmd.AddCommand(newReportFailedCmd(a))
	return cmd
}

func newReportStartCmd(a *app) *cobra.Command {
	var (
		req         lifecycle.StartRequest
		pid, ppid   int
		contextJSON string
		metaJSON    string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Register a new running task",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("pid") {
				req.PID = &pid
			}
			if cmd.Flags().Changed("ppid") {
				req.PPID = &ppid
			}
			if req.Cwd == "" {
				if wd, err := os.Getwd(); err == nil {
					req.Cwd = wd
				}
			}
			var err error
			if req.Context, err = rawJSONFlag("context", contextJSON); err != nil {
				return err
			}
			if req.Metadata, err = rawJSONFlag("metadata", metaJSON); err != nil {
				return err
			}
			return a.report(cmd, req.TaskID, func(ctx context.Context, e *lifecycle.Engine) (task.Task, error) {
				return e.Start(ctx, req)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.TaskID, "task-id", "", "Task id (generated when omitted)")
	f.StringVar(&req.AgentType, "agent", "", "Agent type, e.g. claude-code")
	f.StringVar(&req.Title, "title", "", "Short description of the task")
	f.StringVar(&req.Cwd, "cwd", "", "Working directory recorded as context.project_path (default: current directory)")
	f.IntVar(&pid, "pid", 0, "Process id of the agent")
	f.IntVar(&ppid, "ppid", 0, "Parent process id of the agent")
	f.StringVar(&contextJSON, "context", "", "Context JSON object")
	f.StringVar(&metaJSON, "metadata", "", "Metadata JSON object")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newReportAttentionCmd(a *app) *cobra.Command {
	var taskID, reason string
	cmd := &cobra.Command{
		Use:   "needs-attention",
		Short: "Mark a task as waiting for the user",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.report(cmd, taskID, func(ctx context.Context, e *lifecycle.Engine) (task.Task, error) {
				return e.NeedsAttention(ctx, taskID, reason)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task needs the user")
	_ = cmd.MarkFlagRequired("task-id")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newReportResumeCmd(a *app) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Mark a task as running again",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.report(cmd, taskID, func(ctx context.Context, e *lifecycle.Engine) (task.Task, error) {
				return e.Resume(ctx, taskID)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id")
	_ = cmd.MarkFlagRequired("task-id")
	return cmd
}

func newReportCompleteCmd(a *app) *cobra.Command {
	var (
		taskID   string
		exitCode int
	)
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark a task as completed",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := exitCode
			return a.report(cmd, taskID, func(ctx context.Context, e *lifecycle.Engine) (task.Task, error) {
				return e.Complete(ctx, taskID, &code)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id")
	cmd.Flags().IntVar(&exitCode, "exit-code", 0, "Process exit code")
	_ = cmd.MarkFlagRequired("task-id")
	return cmd
}

func newReportFailedCmd(a *app) *cobra.Command {
	var (
		taskID   string
		exitCode int
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Mark a task as failed",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := exitCode
			return a.report(cmd, taskID, func(ctx context.Context, e *lifecycle.Engine) (task.Task, error) {
				return e.Fail(ctx, taskID, &code, reason)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id")
	cmd.Flags().IntVar(&exitCode, "exit-code", 0, "Process exit code")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason")
	_ = cmd.MarkFlagRequired("task-id")
	_ = cmd.MarkFlagRequired("exit-code")
	return cmd
}

// report runs one producer report and prints "<task_id> <status>". A
// duplicate report is logged to stderr and still exits 0.
func (a *app) report(cmd *cobra.Command, taskID string, fn func(context.Context, *lifecycle.Engine) (task.Task, error)) error {
	ctx := cmd.Context()
	if taskID != "" {
		ctx = shared.WithTaskID(ctx, taskID)
	}
	e, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	t, err := fn(ctx, e)
	if lifecycle.IsDuplicateReport(err) {
		fmt.Fprintf(a.stderr, "taskinbox: ignored duplicate report: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", t.TaskID, t.Status)
	return nil
}

func rawJSONFlag(name, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if !json.Valid([]byte(value)) {
		return nil, usagef("--%s is not valid JSON", name)
	}
	return json.RawMessage(value), nil
}
