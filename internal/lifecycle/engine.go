// Package lifecycle is the single entry point for task mutations. Producers,
// the operator CLI and the attention monitor all go through Engine, which
// applies the transition table via the store, then logs, publishes and
// counts every change.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/taskinbox/internal/bus"
	"github.com/basket/taskinbox/internal/otel"
	"github.com/basket/taskinbox/internal/persistence"
	"github.com/basket/taskinbox/internal/shared"
	"github.com/basket/taskinbox/internal/task"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Store is the subset of the persistence layer the engine drives.
type Store interface {
	Create(ctx context.Context, nt task.NewTask) (task.Task, error)
	Get(ctx context.Context, taskID string) (task.Task, error)
	ApplyTransition(ctx context.Context, taskID string, tr task.Transition) (before, after task.Task, err error)
	SetMonitorPID(ctx context.Context, taskID string, pid int) error
	List(ctx context.Context, f persistence.Filter) ([]task.Task, error)
	Delete(ctx context.Context, taskID string) (bool, error)
	DeleteWhere(ctx context.Context, p persistence.Predicate) (int64, error)
	Counts(ctx context.Context) (map[task.Status]int, error)
	ListEvents(ctx context.Context, taskID string) ([]persistence.TaskEvent, error)
}

type Options struct {
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Engine struct {
	store   Store
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
}

func New(store Store, opts Options) *Engine {
	e := &Engine{
		store:   store,
		bus:     opts.Bus,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if e.metrics == nil {
		e.metrics = otel.NoopMetrics()
	}
	return e
}

// StartRequest is a producer's start report.
type StartRequest struct {
	// TaskID is generated when empty.
	TaskID    string
	AgentType string
	Title     string
	// Cwd becomes context.project_path unless the context already has one.
	Cwd      string
	PID      *int
	PPID     *int
	Context  json.RawMessage
	Metadata json.RawMessage
}

// Start registers a new Running task. A repeated start for the same id
// returns an error satisfying IsDuplicateReport and leaves the first record
// as it was.
func (e *Engine) Start(ctx context.Context, req StartRequest) (task.Task, error) {
	id := strings.TrimSpace(req.TaskID)
	if id == "" {
		id = uuid.NewString()
	}
	ctx = shared.WithTaskID(ctx, id)
	ctx, span := otel.StartSpan(ctx, e.tracer, "lifecycle.start",
		otel.AttrTaskID.String(id),
		otel.AttrAgentType.String(req.AgentType),
		otel.AttrSource.String(string(shared.ReporterFrom(ctx))),
	)
	defer span.End()

	if err := task.ValidateContext(req.Context); err != nil {
		return e.fail(ctx, span, "start", err)
	}
	taskCtx, err := task.WithContextDefault(req.Context, "project_path", strings.TrimSpace(req.Cwd))
	if err != nil {
		return e.fail(ctx, span, "start", err)
	}

	rec, err := e.store.Create(ctx, task.NewTask{
		TaskID:    id,
		AgentType: req.AgentType,
		Title:     req.Title,
		PID:       req.PID,
		PPID:      req.PPID,
		Context:   taskCtx,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return e.fail(ctx, span, "start", err)
	}

	e.metrics.TasksCreated.Add(ctx, 1, metric.WithAttributes(otel.AttrAgentType.String(rec.AgentType)))
	e.logger.InfoContext(ctx, "task started",
		"agent_type", rec.AgentType,
		"title", rec.Title,
		"pid", derefInt(rec.PID),
		"source", string(shared.ReporterFrom(ctx)),
	)
	e.bus.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{
		TaskID:    rec.TaskID,
		AgentType: rec.AgentType,
		Title:     rec.Title,
		At:        rec.CreatedAt,
	})
	return rec, nil
}

func (e *Engine) NeedsAttention(ctx context.Context, taskID, reason string) (task.Task, error) {
	return e.Transition(ctx, taskID, task.NeedsAttention(reason))
}

func (e *Engine) Resume(ctx context.Context, taskID string) (task.Task, error) {
	return e.Transition(ctx, taskID, task.Resume())
}

// Complete finishes a task; a nil exitCode is recorded as 0.
func (e *Engine) Complete(ctx context.Context, taskID string, exitCode *int) (task.Task, error) {
	return e.Transition(ctx, taskID, task.Complete(exitCode))
}

func (e *Engine) Fail(ctx context.Context, taskID string, exitCode *int, reason string) (task.Task, error) {
	return e.Transition(ctx, taskID, task.Fail(exitCode, reason))
}

// Transition applies tr to taskID. This is the only mutation path for status.
func (e *Engine) Transition(ctx context.Context, taskID string, tr task.Transition) (task.Task, error) {
	ctx = shared.WithTaskID(ctx, taskID)
	source := string(shared.ReporterFrom(ctx))
	ctx, span := otel.StartSpan(ctx, e.tracer, "lifecycle."+string(tr.Event),
		otel.AttrTaskID.String(taskID),
		otel.AttrEvent.String(string(tr.Event)),
		otel.AttrSource.String(source),
	)
	defer span.End()

	before, after, err := e.store.ApplyTransition(ctx, taskID, tr)
	if err != nil {
		return e.fail(ctx, span, string(tr.Event), err)
	}

	span.SetAttributes(otel.AttrStatus.String(string(after.Status)))
	e.metrics.TaskTransitions.Add(ctx, 1, metric.WithAttributes(
		otel.AttrEvent.String(string(tr.Event)),
		otel.AttrStatus.String(string(after.Status)),
		otel.AttrSource.String(source),
	))
	if after.Status.Terminal() && after.CompletedAt != nil {
		e.metrics.TaskDuration.Record(ctx, after.CompletedAt.Sub(after.CreatedAt).Seconds(),
			metric.WithAttributes(
				otel.AttrAgentType.String(after.AgentType),
				otel.AttrStatus.String(string(after.Status)),
			))
	}

	attrs := []any{
		"event", string(tr.Event),
		"from", string(before.Status),
		"to", string(after.Status),
		"source", source,
	}
	if r := strings.TrimSpace(tr.Reason); r != "" {
		attrs = append(attrs, "reason", r)
	}
	if after.ExitCode != nil && after.Status.Terminal() {
		attrs = append(attrs, "exit_code", *after.ExitCode)
	}
	e.logger.InfoContext(ctx, "task transition", attrs...)

	e.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    after.TaskID,
		AgentType: after.AgentType,
		OldStatus: string(before.Status),
		NewStatus: string(after.Status),
		Event:     string(tr.Event),
		Reason:    strings.TrimSpace(tr.Reason),
		Source:    source,
		At:        after.UpdatedAt,
	})
	return after, nil
}

// AttachMonitor records the pid of a single-task monitor.
func (e *Engine) AttachMonitor(ctx context.Context, taskID string, pid int) error {
	if err := e.store.SetMonitorPID(ctx, taskID, pid); err != nil {
		return err
	}
	e.logger.DebugContext(shared.WithTaskID(ctx, taskID), "monitor attached", "monitor_pid", pid)
	return nil
}

// Show returns one task or task.ErrNotFound.
func (e *Engine) Show(ctx context.Context, taskID string) (task.Task, error) {
	return e.store.Get(ctx, taskID)
}

// History returns the transition journal of one task, oldest first.
func (e *Engine) History(ctx context.Context, taskID string) ([]persistence.TaskEvent, error) {
	if _, err := e.store.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, taskID)
}

// ListOptions filters List. Without All or Statuses only active tasks are
// returned.
type ListOptions struct {
	Statuses  []task.Status
	AgentType string
	All       bool
	Limit     int
}

func (o ListOptions) filter() persistence.Filter {
	f := persistence.Filter{AgentType: o.AgentType, Limit: o.Limit}
	switch {
	case len(o.Statuses) > 0:
		f.Statuses = o.Statuses
	case !o.All:
		f.Statuses = task.ActiveStatuses
	}
	return f
}

func (e *Engine) List(ctx context.Context, opts ListOptions) ([]task.Task, error) {
	return e.store.List(ctx, opts.filter())
}

// Counts returns the number of tasks per status.
func (e *Engine) Counts(ctx context.Context) (map[task.Status]int, error) {
	return e.store.Counts(ctx)
}

// Clear deletes one task in any status. Clearing an unknown id is not an
// error; the bool reports whether a row was removed.
func (e *Engine) Clear(ctx context.Context, taskID string) (bool, error) {
	ctx = shared.WithTaskID(ctx, taskID)
	removed, err := e.store.Delete(ctx, taskID)
	if err != nil {
		return false, err
	}
	if removed {
		e.metrics.TasksDeleted.Add(ctx, 1)
		e.logger.InfoContext(ctx, "task cleared")
		e.bus.Publish(bus.TopicTaskDeleted, bus.TaskDeletedEvent{TaskID: taskID, Count: 1})
	}
	return removed, nil
}

// ClearAll deletes every terminal task and returns how many were removed.
func (e *Engine) ClearAll(ctx context.Context) (int64, error) {
	n, err := e.store.DeleteWhere(ctx, persistence.Predicate{Statuses: task.TerminalStatuses})
	if err != nil {
		return 0, err
	}
	e.metrics.TasksDeleted.Add(ctx, n)
	e.logger.InfoContext(ctx, "terminal tasks cleared", "count", n)
	e.bus.Publish(bus.TopicTaskDeleted, bus.TaskDeletedEvent{Count: n})
	return n, nil
}

// IsDuplicateReport reports whether err only means the report was already
// applied: a repeated start, or a transition on a finished task. Producers
// treat such errors as success.
func IsDuplicateReport(err error) bool {
	return task.IsDuplicateReport(err)
}

func (e *Engine) fail(ctx context.Context, span trace.Span, op string, err error) (task.Task, error) {
	if task.IsDuplicateReport(err) {
		span.SetAttributes(attribute.Bool("taskinbox.duplicate", true))
		e.metrics.DuplicateReports.Add(ctx, 1, metric.WithAttributes(otel.AttrEvent.String(op)))
		e.logger.InfoContext(ctx, "duplicate report ignored", "event", op, "error", err)
		return task.Task{}, err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch {
	case errors.Is(err, task.ErrStorageUnavailable):
		e.logger.ErrorContext(ctx, "task operation failed", "event", op, "error", err)
	default:
		e.logger.WarnContext(ctx, "task operation rejected", "event", op, "error", err)
	}
	return task.Task{}, fmt.Errorf("%s: %w", op, err)
}

func derefInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
