package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/taskinbox/internal/audit"
	"github.com/basket/taskinbox/internal/bus"
	"github.com/basket/taskinbox/internal/config"
	"github.com/basket/taskinbox/internal/lifecycle"
	"github.com/basket/taskinbox/internal/otel"
	"github.com/basket/taskinbox/internal/persistence"
	"github.com/basket/taskinbox/internal/shared"
	"github.com/basket/taskinbox/internal/telemetry"
)

// Command annotations read by the root pre-run hook.
const (
	// annLogStderr mirrors log records to stderr (long-running commands).
	annLogStderr = "taskinbox/log-stderr"
	// annConfigOptional keeps going when config.yaml fails to load.
	annConfigOptional = "taskinbox/config-optional"
	// annReporter names the transition source for the command.
	annReporter = "taskinbox/reporter"
)

// app holds per-invocation state shared by all commands. Each invocation
// opens the store at most once and closes it on exit.
type app struct {
	homeFlag string
	dbFlag   string
	stderr   io.Writer

	cfg       config.Config
	cfgErr    error
	logger    *slog.Logger
	logCloser io.Closer
	bus       *bus.Bus

	provider *otel.Provider
	metrics  *otel.Metrics
	store    *persistence.Store
	engine   *lifecycle.Engine
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskinbox",
		Short:         "Inbox for long-running agent tasks: report, watch and monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.homeFlag, "home", "", "Data directory (default: ~/.taskinbox, env: TASKINBOX_HOME)")
	cmd.PersistentFlags().StringVar(&a.dbFlag, "db", "", "Database path (default: <home>/tasks.db, env: TASKINBOX_DB)")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	cmd.AddCommand(newReportCmd(a))
	cmd.AddCommand(newListCmd(a))
	cmd.AddCommand(newShowCmd(a))
	cmd.AddCommand(newClearCmd(a))
	cmd.AddCommand(newClearAllCmd(a))
	cmd.AddCommand(newCleanupCmd(a))
	cmd.AddCommand(newWatchCmd(a))
	cmd.AddCommand(newMonitorCmd(a))
	cmd.AddCommand(newDoctorCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newBackupCmd(a))
	cmd.AddCommand(newVersionCmd())

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Version = Version
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	home := a.homeFlag
	if home == "" {
		home = config.HomeDir()
	}
	home, err := filepath.Abs(home)
	if err != nil {
		return fmt.Errorf("resolve home: %w", err)
	}

	a.cfg, a.cfgErr = config.LoadFrom(home)
	if a.cfgErr != nil && !hasAnnotation(cmd, annConfigOptional) {
		return a.cfgErr
	}
	if a.dbFlag != "" {
		db, err := filepath.Abs(a.dbFlag)
		if err != nil {
			return fmt.Errorf("resolve --db: %w", err)
		}
		a.cfg.DBPath = db
	}

	quiet := !hasAnnotation(cmd, annLogStderr)
	logger, closer, err := telemetry.NewLogger(a.cfg.HomeDir, a.cfg.LogLevel, quiet, cmd.Name())
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	a.logger, a.logCloser = logger, closer
	slog.SetDefault(logger)
	if err := audit.Init(a.cfg.HomeDir); err != nil {
		logger.Warn("audit log disabled", "error", err)
	}

	ctx := shared.EnsureTraceID(cmd.Context())
	if r, _ := annotation(cmd, annReporter); r != "" {
		ctx = shared.WithReporter(ctx, shared.Reporter(r))
	}
	cmd.SetContext(ctx)
	if a.cfgErr != nil {
		logger.WarnContext(ctx, "config load failed", "error", a.cfgErr)
	}
	return nil
}

// openEngine lazily opens the store and telemetry for commands that need
// them.
func (a *app) openEngine(ctx context.Context) (*lifecycle.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	if a.provider == nil {
		p, err := otel.Init(ctx, a.cfg.Telemetry)
		if err != nil {
			a.logger.WarnContext(ctx, "telemetry disabled", "error", err)
			p, _ = otel.Init(ctx, otel.Config{})
		}
		a.provider = p
		m, err := otel.NewMetrics(p.Meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		a.metrics = m
	}

	store, err := persistence.Open(a.cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a.store = store
	a.engine = lifecycle.New(store, lifecycle.Options{
		Bus:     a.bus,
		Logger:  a.logger,
		Tracer:  a.provider.Tracer,
		Metrics: a.metrics,
	})
	return a.engine, nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.provider.Shutdown(ctx)
		cancel()
	}
	_ = audit.Close()
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// annotation looks key up on cmd and then its parents.
func annotation(cmd *cobra.Command, key string) (string, bool) {
	for c := cmd; c != nil; c = c.Parent() {
		if v, ok := c.Annotations[key]; ok {
			return v, true
		}
	}
	return "", false
}

func hasAnnotation(cmd *cobra.Command, key string) bool {
	_, ok := annotation(cmd, key)
	return ok
}

// isTerminal reports whether w is a terminal, for colour and dashboard
// decisions.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exactArgs is cobra.ExactArgs with usage-error classification.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s accepts %d arg(s), received %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usagef("unknown command %q for %q", args[0], cmd.CommandPath())
	}
	return nil
}
