package lifecycle_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskinbox/internal/bus"
	"github.com/basket/taskinbox/internal/lifecycle"
	"github.com/basket/taskinbox/internal/persistence"
	"github.com/basket/taskinbox/internal/shared"
	"github.com/basket/taskinbox/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *lifecycle.Engine
	store  *persistence.Store
	bus    *bus.Bus
	clock  *fakeClock
	logs   *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"), persistence.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var logs bytes.Buffer
	b := bus.New()
	eng := lifecycle.New(store, lifecycle.Options{
		Bus:    b,
		Logger: slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	return &harness{engine: eng, store: store, bus: b, clock: clock, logs: &logs}
}

func intp(v int) *int { return &v }

func recvStateChange(t *testing.T, sub *bus.Subscription) bus.TaskStateChangedEvent {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok {
			t.Fatalf("unexpected payload %T on %s", ev.Payload, ev.Topic)
		}
		return payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state change event")
	}
	return bus.TaskStateChangedEvent{}
}

func TestEngine_StartGeneratesIDAndDefaultsProjectPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub := h.bus.Subscribe(bus.TopicTaskCreated)
	defer h.bus.Unsubscribe(sub)

	rec, err := h.engine.Start(ctx, lifecycle.StartRequest{
		AgentType: "claude_code",
		Title:     "Refactor auth",
		Cwd:       "/home/dev/app",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.TaskID == "" {
		t.Fatal("expected generated task id")
	}
	if rec.Status != task.StatusRunning {
		t.Fatalf("expected running, got %s", rec.Status)
	}
	if got := task.ContextString(rec.Context, "project_path"); got != "/home/dev/app" {
		t.Fatalf("expected project_path default, got %q", got)
	}

	select {
	case ev := <-sub.Ch():
		created := ev.Payload.(bus.TaskCreatedEvent)
		if created.TaskID != rec.TaskID || created.Title != "Refactor auth" {
			t.Fatalf("unexpected created event %+v", created)
		}
	case <-time.After(time.Second):
		t.Fatal("expected task.created event")
	}
}

func TestEngine_StartKeepsExplicitProjectPath(t *testing.T) {
	h := newHarness(t)
	rec, err := h.engine.Start(context.Background(), lifecycle.StartRequest{
		TaskID:    "t-ctx",
		AgentType: "claude_code",
		Title:     "x",
		Cwd:       "/somewhere/else",
		Context:   json.RawMessage(`{"project_path":"/repo","git_branch":"main"}`),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := task.ContextString(rec.Context, "project_path"); got != "/repo" {
		t.Fatalf("expected explicit project_path, got %q", got)
	}
	if got := task.ContextString(rec.Context, "git_branch"); got != "main" {
		t.Fatalf("expected git_branch preserved, got %q", got)
	}
}

func TestEngine_StartRejectsBadContext(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), lifecycle.StartRequest{
		TaskID:    "t-bad",
		AgentType: "claude_code",
		Title:     "x",
		Context:   json.RawMessage(`{"project_path": 7}`),
	})
	if !errors.Is(err, task.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := h.engine.Show(context.Background(), "t-bad"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected no row after rejected start, got %v", err)
	}
}

func TestEngine_DuplicateStartIsDuplicateReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := lifecycle.StartRequest{TaskID: "t-dup", AgentType: "claude_code", Title: "first"}
	if _, err := h.engine.Start(ctx, req); err != nil {
		t.Fatalf("start: %v", err)
	}
	req.Title = "second"
	_, err := h.engine.Start(ctx, req)
	if !lifecycle.IsDuplicateReport(err) {
		t.Fatalf("expected duplicate report, got %v", err)
	}
	got, err := h.engine.Show(ctx, "t-dup")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if got.Title != "first" {
		t.Fatalf("duplicate start changed the record: %q", got.Title)
	}
	if !strings.Contains(h.logs.String(), "duplicate report ignored") {
		t.Fatalf("expected duplicate log line, got %s", h.logs.String())
	}
}

func TestEngine_FullLifecyclePublishesTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := shared.WithReporter(context.Background(), shared.ReporterMonitor)

	sub := h.bus.Subscribe(bus.TopicTaskStateChanged)
	defer h.bus.Unsubscribe(sub)

	if _, err := h.engine.Start(ctx, lifecycle.StartRequest{TaskID: "t-1", AgentType: "claude_code", Title: "x"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.clock.Advance(2 * time.Second)
	rec, err := h.engine.NeedsAttention(ctx, "t-1", "Waiting for input")
	if err != nil {
		t.Fatalf("needs attention: %v", err)
	}
	if rec.AttentionReason != "Waiting for input" {
		t.Fatalf("unexpected reason %q", rec.AttentionReason)
	}
	ev := recvStateChange(t, sub)
	if ev.OldStatus != "running" || ev.NewStatus != "needs_attention" || ev.Source != "monitor" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := h.engine.Resume(ctx, "t-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	ev = recvStateChange(t, sub)
	if ev.OldStatus != "needs_attention" || ev.NewStatus != "running" {
		t.Fatalf("unexpected resume event %+v", ev)
	}

	h.clock.Advance(5 * time.Second)
	rec, err = h.engine.Complete(ctx, "t-1", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", rec.ExitCode)
	}
	if rec.CompletedAt == nil {
		t.Fatal("expected completed_at")
	}
	ev = recvStateChange(t, sub)
	if ev.NewStatus != "completed" || ev.Event != "complete" {
		t.Fatalf("unexpected complete event %+v", ev)
	}

	history, err := h.engine.History(ctx, "t-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 journal entries, got %d", len(history))
	}
}

func TestEngine_ReportAfterTerminalIsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.Start(ctx, lifecycle.StartRequest{TaskID: "t-2", AgentType: "claude_code", Title: "x"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.engine.Fail(ctx, "t-2", intp(3), "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	_, err := h.engine.Complete(ctx, "t-2", intp(0))
	if !lifecycle.IsDuplicateReport(err) {
		t.Fatalf("expected duplicate report for complete after fail, got %v", err)
	}
	got, _ := h.engine.Show(ctx, "t-2")
	if got.Status != task.StatusFailed || got.ExitCode == nil || *got.ExitCode != 3 {
		t.Fatalf("terminal record changed: %+v", got)
	}
	if got.FailureReason != "boom" {
		t.Fatalf("expected failure reason, got %q", got.FailureReason)
	}
}

func TestEngine_InvalidTransitionIsNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.Start(ctx, lifecycle.StartRequest{TaskID: "t-3", AgentType: "claude_code", Title: "x"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := h.engine.Resume(ctx, "t-3")
	if !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if lifecycle.IsDuplicateReport(err) {
		t.Fatal("resume from running must not count as duplicate")
	}
}

func TestEngine_TransitionOnMissingTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Complete(context.Background(), "nope", nil)
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.History(context.Background(), "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from history, got %v", err)
	}
}

func TestEngine_ListDefaultsToActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.engine.Start(ctx, lifecycle.StartRequest{TaskID: id, AgentType: "claude_code", Title: id}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	if _, err := h.engine.Complete(ctx, "b", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	active, err := h.engine.List(ctx, lifecycle.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 || active[0].TaskID != "a" || active[1].TaskID != "c" {
		t.Fatalf("unexpected active list %+v", active)
	}

	all, err := h.engine.List(ctx, lifecycle.ListOptions{All: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}

	done, err := h.engine.List(ctx, lifecycle.ListOptions{Statuses: []task.Status{task.StatusCompleted}})
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(done) != 1 || done[0].TaskID != "b" {
		t.Fatalf("unexpected completed list %+v", done)
	}
}

func TestEngine_ClearAndClearAll(t *testing.T) {
	h := newHarness(t)
	ctx := shared.WithReporter(context.Background(), shared.ReporterOperator)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.engine.Start(ctx, lifecycle.StartRequest{TaskID: id, AgentType: "claude_code", Title: id}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	if _, err := h.engine.Complete(ctx, "b", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := h.engine.Fail(ctx, "c", nil, ""); err != nil {
		t.Fatalf("fail: %v", err)
	}

	removed, err := h.engine.Clear(ctx, "a")
	if err != nil || !removed {
		t.Fatalf("clear running task: removed=%v err=%v", removed, err)
	}
	removed, err = h.engine.Clear(ctx, "a")
	if err != nil || removed {
		t.Fatalf("second clear: removed=%v err=%v", removed, err)
	}

	n, err := h.engine.ClearAll(ctx)
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 terminal tasks cleared, got %d", n)
	}
	counts, err := h.engine.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	for status, c := range counts {
		if c != 0 {
			t.Fatalf("expected empty inbox, %s=%d", status, c)
		}
	}
}

func TestEngine_AttachMonitor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.Start(ctx, lifecycle.StartRequest{TaskID: "m", AgentType: "claude_code", Title: "x"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.AttachMonitor(ctx, "m", 4242); err != nil {
		t.Fatalf("attach: %v", err)
	}
	got, _ := h.engine.Show(ctx, "m")
	if got.MonitorPID == nil || *got.MonitorPID != 4242 {
		t.Fatalf("expected monitor pid 4242, got %v", got.MonitorPID)
	}
	if err := h.engine.AttachMonitor(ctx, "missing", 1); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
