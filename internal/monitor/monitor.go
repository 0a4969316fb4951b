// Package monitor watches the processes behind active tasks and reports on
// their behalf: a vanished process fails its task, a process blocked on
// terminal input or making no progress is flagged for attention, and a
// flagged process that becomes busy again is resumed.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/basket/taskinbox/internal/bus"
	"github.com/basket/taskinbox/internal/lifecycle"
	"github.com/basket/taskinbox/internal/otel"
	"github.com/basket/taskinbox/internal/shared"
	"github.com/basket/taskinbox/internal/task"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Lifecycle is the part of the lifecycle engine the monitor reports through.
type Lifecycle interface {
	List(ctx context.Context, opts lifecycle.ListOptions) ([]task.Task, error)
	Show(ctx context.Context, taskID string) (task.Task, error)
	NeedsAttention(ctx context.Context, taskID, reason string) (task.Task, error)
	Resume(ctx context.Context, taskID string) (task.Task, error)
	Fail(ctx context.Context, taskID string, exitCode *int, reason string) (task.Task, error)
	AttachMonitor(ctx context.Context, taskID string, pid int) error
}

const defaultPollInterval = 2 * time.Second

type Options struct {
	Lifecycle Lifecycle
	Prober    Prober
	Settings  Settings
	// TaskID selects single-task mode. Empty means every active task.
	TaskID  string
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Now     func() time.Time
}

type Monitor struct {
	lc       Lifecycle
	prober   Prober
	registry *Registry
	taskID   string
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
	now      func() time.Time

	mu       sync.RWMutex
	settings Settings
	reset    chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(opts Options) *Monitor {
	m := &Monitor{
		lc:       opts.Lifecycle,
		prober:   opts.Prober,
		registry: NewRegistry(),
		taskID:   opts.TaskID,
		bus:      opts.Bus,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		now:      opts.Now,
		settings: normalizeSettings(opts.Settings),
		reset:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if m.prober == nil {
		m.prober = NewProcessProber()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "monitor")
	if m.tracer == nil {
		m.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if m.metrics == nil {
		m.metrics = otel.NoopMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func normalizeSettings(s Settings) Settings {
	if s.PollInterval <= 0 {
		s.PollInterval = defaultPollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = 500 * time.Millisecond
	}
	return s
}

// Registry exposes the per-task observation state.
func (m *Monitor) Registry() *Registry { return m.registry }

func (m *Monitor) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// UpdateSettings swaps thresholds between cycles. A changed poll interval
// takes effect on the next tick.
func (m *Monitor) UpdateSettings(s Settings) {
	s = normalizeSettings(s)
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	select {
	case m.reset <- struct{}{}:
	default:
	}
	m.logger.Info("monitor settings updated",
		"poll_interval", s.PollInterval,
		"stall_threshold", s.StallThreshold,
		"input_idle", s.InputIdle,
	)
}

// Done is closed when a single-task monitor's task is terminal or gone.
// It never closes in global mode.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Start begins the poll loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	mode := "global"
	if m.taskID != "" {
		mode = "task"
	}
	m.logger.Info("monitor started", "mode", mode, "task_id", m.taskID, "interval", m.Settings().PollInterval)
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	if m.taskID != "" {
		if err := m.lc.AttachMonitor(ctx, m.taskID, os.Getpid()); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				m.logger.Warn("monitored task does not exist", "task_id", m.taskID)
				m.finish()
				return
			}
			m.logger.Warn("record monitor pid failed", "task_id", m.taskID, "error", err)
		}
	}

	ticker := time.NewTicker(m.Settings().PollInterval)
	defer ticker.Stop()

	if m.Tick(ctx) {
		m.finish()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reset:
			ticker.Reset(m.Settings().PollInterval)
		case <-ticker.C:
			if m.Tick(ctx) {
				m.finish()
				return
			}
		}
	}
}

func (m *Monitor) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

// Tick runs one poll cycle. It returns true when a single-task monitor has
// nothing left to watch.
func (m *Monitor) Tick(ctx context.Context) bool {
	started := time.Now()
	s := m.Settings()
	ctx = shared.WithReporter(shared.EnsureTraceID(ctx), shared.ReporterMonitor)
	ctx, span := otel.StartSpan(ctx, m.tracer, "monitor.cycle")
	defer span.End()
	defer func() {
		m.metrics.MonitorCycle.Record(ctx, time.Since(started).Seconds())
	}()

	targets, finished, err := m.targets(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.WarnContext(ctx, "monitor cycle skipped", "error", err)
		return false
	}
	for _, t := range targets {
		if ctx.Err() != nil {
			return false
		}
		if m.check(ctx, t, s) && m.taskID != "" {
			finished = true
		}
	}
	return finished
}

// targets returns the tasks to probe this cycle.
func (m *Monitor) targets(ctx context.Context) ([]task.Task, bool, error) {
	if m.taskID != "" {
		t, err := m.lc.Show(ctx, m.taskID)
		if errors.Is(err, task.ErrNotFound) {
			m.logger.InfoContext(ctx, "monitored task removed", "task_id", m.taskID)
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if t.Status.Terminal() {
			m.logger.InfoContext(ctx, "monitored task finished", "task_id", t.TaskID, "status", string(t.Status))
			return nil, true, nil
		}
		if t.PID == nil {
			return nil, false, nil
		}
		return []task.Task{t}, false, nil
	}

	active, err := m.lc.List(ctx, lifecycle.ListOptions{})
	if err != nil {
		return nil, false, err
	}
	counts := map[task.Status]int64{}
	keep := make(map[string]struct{}, len(active))
	out := active[:0]
	for _, t := range active {
		counts[t.Status]++
		if t.PID == nil {
			continue
		}
		keep[t.TaskID] = struct{}{}
		out = append(out, t)
	}
	m.registry.Retain(keep)
	for _, st := range task.ActiveStatuses {
		m.metrics.ActiveTasks.Record(ctx, counts[st], metric.WithAttributes(otel.AttrStatus.String(string(st))))
	}
	return out, false, nil
}

// check probes one task and applies the resulting verdict. It returns true
// when the task ended up terminal.
func (m *Monitor) check(ctx context.Context, t task.Task, s Settings) bool {
	ctx = shared.WithTaskID(ctx, t.TaskID)
	pid := *t.PID

	probeCtx, cancel := context.WithTimeout(ctx, s.ProbeTimeout)
	snap, err := m.prober.Probe(probeCtx, pid)
	cancel()
	if err != nil {
		m.probeFailed(ctx, t, pid, err)
		return false
	}

	now := m.now()
	var obs Observation
	if snap.Alive {
		obs = m.registry.Observe(t.TaskID, pid, snap.CPUTime, now)
		switch {
		case t.Status == task.StatusRunning && obs.Flagged:
			// Resumed by someone else since we flagged it.
			m.registry.SetFlagged(t.TaskID, false)
			obs.Flagged = false
		case t.Status == task.StatusNeedsAttention && !obs.Sampled && isMonitorReason(t.AttentionReason):
			m.registry.SetFlagged(t.TaskID, true)
			obs.Flagged = true
		}
	}

	v := judge(t, snap, obs, now, s)
	if v == verdictNone {
		return false
	}
	m.logger.DebugContext(ctx, "monitor verdict",
		"verdict", v.String(),
		"pid", pid,
		"idle", obs.Idle,
		"cpu", snap.CPUTime,
	)

	switch v {
	case verdictExited:
		m.registry.Forget(t.TaskID)
		_, err = m.lc.Fail(ctx, t.TaskID, nil, ReasonExited)
		m.settle(ctx, err, v)
		return err == nil || task.IsDuplicateReport(err)
	case verdictWaitingInput:
		if _, err = m.lc.NeedsAttention(ctx, t.TaskID, ReasonWaitingForInput); err == nil {
			m.registry.SetFlagged(t.TaskID, true)
		}
	case verdictStalled:
		if _, err = m.lc.NeedsAttention(ctx, t.TaskID, ReasonStalled); err == nil {
			m.registry.SetFlagged(t.TaskID, true)
		}
	case verdictResumed:
		if _, err = m.lc.Resume(ctx, t.TaskID); err == nil {
			m.registry.SetFlagged(t.TaskID, false)
		}
	}
	m.settle(ctx, err, v)
	return task.IsDuplicateReport(err)
}

// settle logs the outcome of a monitor-driven transition. A task changed
// concurrently by its producer is expected and not an error.
func (m *Monitor) settle(ctx context.Context, err error, v verdict) {
	switch {
	case err == nil:
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrNotFound):
		m.logger.DebugContext(ctx, "task changed before monitor transition", "verdict", v.String(), "error", err)
	default:
		m.logger.WarnContext(ctx, "monitor transition failed", "verdict", v.String(), "error", err)
	}
}

func (m *Monitor) probeFailed(ctx context.Context, t task.Task, pid int, err error) {
	m.metrics.ProbeFailures.Add(ctx, 1, metric.WithAttributes(otel.AttrProbe.String("process")))
	m.logger.WarnContext(ctx, "process probe failed", "pid", pid, "error", err)
	m.bus.Publish(bus.TopicMonitorProbe, bus.ProbeFailedEvent{
		TaskID: t.TaskID,
		PID:    pid,
		Probe:  "process",
		Err:    err.Error(),
	})
}
