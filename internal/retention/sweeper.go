// Package retention removes finished tasks once they are older than the
// retention window. It runs once from the cleanup command and periodically
// inside the monitor daemon.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskinbox/internal/bus"
	"github.com/basket/taskinbox/internal/otel"
	"github.com/basket/taskinbox/internal/persistence"
	"github.com/basket/taskinbox/internal/shared"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// DefaultSchedule runs a sweep every five minutes.
const DefaultSchedule = "@every 5m"

// scheduleParser accepts standard 5-field expressions and descriptors such
// as "@hourly" or "@every 10m".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Store is the persistence surface the sweeper needs.
type Store interface {
	RunRetention(ctx context.Context, retention time.Duration) (persistence.RetentionResult, error)
}

type Config struct {
	Store     Store
	Retention time.Duration
	// Schedule is a cron spec for Start. Defaults to DefaultSchedule.
	Schedule string
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
}

// Sweeper deletes terminal tasks whose completed_at is older than the
// retention window. Running and NeedsAttention tasks are never touched.
type Sweeper struct {
	store    Store
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
	schedule string

	mu        sync.RWMutex
	retention time.Duration

	cron    *cronlib.Cron
	running sync.Mutex
}

func NewSweeper(cfg Config) *Sweeper {
	s := &Sweeper{
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
	}
	if s.schedule == "" {
		s.schedule = DefaultSchedule
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "retention")
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if s.metrics == nil {
		s.metrics = otel.NoopMetrics()
	}
	return s
}

// ValidateSchedule reports whether spec is a usable sweep schedule.
func ValidateSchedule(spec string) error {
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// NextRunTime returns the first activation of spec after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func (s *Sweeper) Retention() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retention
}

// SetRetention changes the window used by later scheduled sweeps.
func (s *Sweeper) SetRetention(d time.Duration) {
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

// Sweep runs one pass with the configured retention.
func (s *Sweeper) Sweep(ctx context.Context) (persistence.RetentionResult, error) {
	return s.SweepWithRetention(ctx, s.Retention())
}

// SweepWithRetention runs one pass with an explicit window. Passes never
// overlap; a pass started while another runs waits for it.
func (s *Sweeper) SweepWithRetention(ctx context.Context, retention time.Duration) (persistence.RetentionResult, error) {
	if retention < 0 {
		return persistence.RetentionResult{}, fmt.Errorf("retention must not be negative: %s", retention)
	}
	s.running.Lock()
	defer s.running.Unlock()

	ctx = shared.EnsureTraceID(ctx)
	ctx, span := otel.StartSpan(ctx, s.tracer, "retention.sweep")
	defer span.End()

	res, err := s.store.RunRetention(ctx, retention)
	if err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
		return res, err
	}
	s.metrics.RetentionPurged.Add(ctx, res.PurgedTasks)
	if res.PurgedTasks > 0 {
		s.logger.InfoContext(ctx, "retention sweep", "purged", res.PurgedTasks, "cutoff", res.Cutoff)
	} else {
		s.logger.DebugContext(ctx, "retention sweep", "purged", 0, "cutoff", res.Cutoff)
	}
	s.bus.Publish(bus.TopicRetentionSwept, bus.RetentionSweptEvent{Cutoff: res.Cutoff, Purged: res.PurgedTasks})
	return res, nil
}

// Start runs one sweep immediately, then on the configured schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cronlib.New(cronlib.WithParser(scheduleParser), cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() {
		_, _ = s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron = c

	_, _ = s.Sweep(ctx)
	c.Start()
	s.logger.Info("retention sweeper started", "schedule", s.schedule, "retention", s.Retention())
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("retention sweeper stopped")
}
