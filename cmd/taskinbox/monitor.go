package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskinbox/internal/audit"
	"github.com/basket/taskinbox/internal/bus"
	"github.com/basket/taskinbox/internal/config"
	"github.com/basket/taskinbox/internal/monitor"
	"github.com/basket/taskinbox/internal/retention"
	"github.com/basket/taskinbox/internal/shared"
)

func newMonitorCmd(a *app) *cobra.Command {
	var (
		taskID   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch agent processes and flag tasks that need attention",
		Long: `Without --task, runs the global monitor: every active task with a pid is
probed each poll, finished tasks are swept on the retention schedule and
config.yaml is reloaded on change. Only one global monitor runs per home.

With --task, follows a single task until it is completed, failed or cleared.`,
		Args: noArgs,
		Annotations: map[string]string{
			annReporter:  string(shared.ReporterMonitor),
			annLogStderr: "",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("interval") && interval <= 0 {
				return usagef("--interval must be positive")
			}
			override := time.Duration(0)
			if cmd.Flags().Changed("interval") {
				override = interval
			}
			if taskID != "" {
				return a.runTaskMonitor(cmd, taskID, override)
			}
			return a.runGlobalMonitor(cmd, override)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Follow a single task and exit when it finishes")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (default: monitor.poll_interval_seconds)")
	return cmd
}

func monitorSettings(cfg config.Config, interval time.Duration) monitor.Settings {
	s := monitor.SettingsFromConfig(cfg)
	if interval > 0 {
		s.PollInterval = interval
	}
	return s
}

func (a *app) newMonitor(ctx context.Context, taskID string, interval time.Duration) (*monitor.Monitor, error) {
	e, err := a.openEngine(ctx)
	if err != nil {
		return nil, err
	}
	return monitor.New(monitor.Options{
		Lifecycle: e,
		Settings:  monitorSettings(a.cfg, interval),
		TaskID:    taskID,
		Bus:       a.bus,
		Logger:    a.logger,
		Tracer:    a.provider.Tracer,
		Metrics:   a.metrics,
	}), nil
}

func (a *app) runTaskMonitor(cmd *cobra.Command, taskID string, interval time.Duration) error {
	ctx := shared.WithTaskID(cmd.Context(), taskID)
	m, err := a.newMonitor(ctx, taskID, interval)
	if err != nil {
		return err
	}
	m.Start(ctx)
	defer m.Stop()

	select {
	case <-ctx.Done():
	case <-m.Done():
	}
	return nil
}

func (a *app) runGlobalMonitor(cmd *cobra.Command, interval time.Duration) error {
	ctx := cmd.Context()

	lock, err := monitor.AcquireLock(a.cfg.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	a.bus = bus.New()
	if a.cfg.MetricsAddr != "" {
		a.cfg.Telemetry.Prometheus = true
	}
	m, err := a.newMonitor(ctx, "", interval)
	if err != nil {
		return err
	}

	sub := a.bus.Subscribe("task.")
	defer a.bus.Unsubscribe(sub)
	go printTaskEvents(cmd.OutOrStdout(), sub)
	sweeps := a.bus.Subscribe(bus.TopicRetentionSwept)
	defer a.bus.Unsubscribe(sweeps)
	go auditSweeps(ctx, sweeps)

	sw := a.sweeper()
	if a.cfg.SweepSchedule != "" {
		if err := sw.Start(ctx); err != nil {
			return err
		}
		defer sw.Stop()
	}

	if a.cfg.MetricsAddr != "" && a.provider.MetricsHandler != nil {
		srv, err := serveMetrics(a.cfg.MetricsAddr, a.provider.MetricsHandler)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "metrics endpoint listening", "addr", a.cfg.MetricsAddr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, a.logger)
	var reloads <-chan config.ReloadEvent
	if err := watcher.Start(ctx); err != nil {
		a.logger.WarnContext(ctx, "config watcher disabled", "error", err)
	} else {
		reloads = watcher.Events()
	}

	m.Start(ctx)
	defer m.Stop()
	fmt.Fprintf(cmd.OutOrStdout(), "taskinbox monitor running (pid %d, poll %s). Ctrl-C to stop.\n",
		os.Getpid(), m.Settings().PollInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			a.reloadConfig(ctx, ev, m, sw, interval)
		}
	}
}

// reloadConfig applies a changed config.yaml to the running monitor and
// sweeper. Storage and logging settings need a restart.
func (a *app) reloadConfig(ctx context.Context, ev config.ReloadEvent, m *monitor.Monitor, sw *retention.Sweeper, interval time.Duration) {
	next, err := config.LoadFrom(a.cfg.HomeDir)
	if err != nil {
		a.logger.WarnContext(ctx, "config reload rejected", "path", ev.Path, "error", err)
		return
	}
	if a.dbFlag != "" {
		next.DBPath = a.cfg.DBPath
	}
	if next.Fingerprint() == a.cfg.Fingerprint() {
		return
	}
	if next.DatabasePath() != a.cfg.DatabasePath() || next.MetricsAddr != a.cfg.MetricsAddr {
		a.logger.WarnContext(ctx, "db_path and metrics_addr changes need a monitor restart")
	}
	m.UpdateSettings(monitorSettings(next, interval))
	sw.SetRetention(next.Retention())
	next.DBPath, next.MetricsAddr = a.cfg.DBPath, a.cfg.MetricsAddr
	next.Telemetry = a.cfg.Telemetry
	a.cfg = next
	a.logger.InfoContext(ctx, "config reloaded", "fingerprint", next.Fingerprint())
	a.bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Path: ev.Path})
}

func serveMetrics(addr string, handler http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "taskinbox: metrics server: %v\n", err)
		}
	}()
	return srv, nil
}

func auditSweeps(ctx context.Context, sub *bus.Subscription) {
	for ev := range sub.Ch() {
		if p, ok := ev.Payload.(bus.RetentionSweptEvent); ok && p.Purged > 0 {
			audit.Record(ctx, audit.ActionRetention, "", p.Purged, "cutoff="+p.Cutoff.UTC().Format(time.RFC3339))
		}
	}
}

func printTaskEvents(w io.Writer, sub *bus.Subscription) {
	for ev := range sub.Ch() {
		switch p := ev.Payload.(type) {
		case bus.TaskCreatedEvent:
			fmt.Fprintf(w, "%s  %s started (%s): %s\n", p.At.Local().Format("15:04:05"), p.TaskID, p.AgentType, p.Title)
		case bus.TaskStateChangedEvent:
			line := fmt.Sprintf("%s  %s %s → %s", p.At.Local().Format("15:04:05"), p.TaskID, p.OldStatus, p.NewStatus)
			if p.Reason != "" {
				line += " (" + p.Reason + ")"
			}
			fmt.Fprintf(w, "%s [%s]\n", line, p.Source)
		case bus.TaskDeletedEvent:
			if p.TaskID != "" {
				fmt.Fprintf(w, "%s  %s cleared\n", time.Now().Format("15:04:05"), p.TaskID)
			}
		}
	}
}
