package monitor_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskinbox/internal/bus"
	"github.com/basket/taskinbox/internal/config"
	"github.com/basket/taskinbox/internal/lifecycle"
	"github.com/basket/taskinbox/internal/monitor"
	"github.com/basket/taskinbox/internal/persistence"
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

type probeResult struct {
	snap monitor.Snapshot
	err  error
}

type fakeProber struct {
	mu    sync.Mutex
	procs map[int]probeResult
	calls int
}

func newFakeProber() *fakeProber {
	return &fakeProber{procs: make(map[int]probeResult)}
}

func (p *fakeProber) Set(pid int, snap monitor.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs[pid] = probeResult{snap: snap}
}

func (p *fakeProber) Fail(pid int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs[pid] = probeResult{err: err}
}

func (p *fakeProber) Probe(ctx context.Context, pid int) (monitor.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := ctx.Err(); err != nil {
		return monitor.Snapshot{}, err
	}
	r, ok := p.procs[pid]
	if !ok {
		return monitor.Snapshot{Alive: false}, nil
	}
	return r.snap, r.err
}

type harness struct {
	engine *lifecycle.Engine
	prober *fakeProber
	clock  *fakeClock
	bus    *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"), persistence.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &harness{
		engine: lifecycle.New(store, lifecycle.Options{Bus: b, Logger: logger}),
		prober: newFakeProber(),
		clock:  clock,
		bus:    b,
	}
}

func (h *harness) monitor(taskID string, mutate func(*monitor.Settings)) *monitor.Monitor {
	s := monitor.DefaultSettings()
	if mutate != nil {
		mutate(&s)
	}
	return monitor.New(monitor.Options{
		Lifecycle: h.engine,
		Prober:    h.prober,
		Settings:  s,
		TaskID:    taskID,
		Bus:       h.bus,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       h.clock.Now,
	})
}

func (h *harness) start(t *testing.T, id string, pid int) {
	t.Helper()
	_, err := h.engine.Start(context.Background(), lifecycle.StartRequest{
		TaskID:    id,
		AgentType: "claude_code",
		Title:     "task " + id,
		PID:       &pid,
	})
	if err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
}

func (h *harness) status(t *testing.T, id string) task.Task {
	t.Helper()
	rec, err := h.engine.Show(context.Background(), id)
	if err != nil {
		t.Fatalf("show %s: %v", id, err)
	}
	return rec
}

func TestMonitor_DeadProcessFailsTask(t *testing.T) {
	h := newHarness(t)
	h.start(t, "dead", 101)
	m := h.monitor("", nil)

	m.Tick(context.Background())

	rec := h.status(t, "dead")
	if rec.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.FailureReason != monitor.ReasonExited {
		t.Fatalf("unexpected failure reason %q", rec.FailureReason)
	}
	if rec.ExitCode != nil {
		t.Fatalf("expected no exit code for a vanished process, got %d", *rec.ExitCode)
	}
	if rec.CompletedAt == nil {
		t.Fatal("expected completed_at")
	}
}

func TestMonitor_DeadProcessFailsTaskInNeedsAttention(t *testing.T) {
	h := newHarness(t)
	h.start(t, "waiting", 102)
	if _, err := h.engine.NeedsAttention(context.Background(), "waiting", "approve the plan"); err != nil {
		t.Fatalf("needs attention: %v", err)
	}
	h.monitor("", nil).Tick(context.Background())
	if rec := h.status(t, "waiting"); rec.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
}

func TestMonitor_ExitDetectorDisabled(t *testing.T) {
	h := newHarness(t)
	h.start(t, "dead", 103)
	m := h.monitor("", func(s *monitor.Settings) { s.ExitDetector = false })
	m.Tick(context.Background())
	if rec := h.status(t, "dead"); rec.Status != task.StatusRunning {
		t.Fatalf("expected running with exit detector off, got %s", rec.Status)
	}
}

func TestMonitor_WaitingForInputThenResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "tty", 200)
	h.prober.Set(200, monitor.Snapshot{Alive: true, Sleeping: true, StdinTTY: true, CPUTime: time.Second})
	m := h.monitor("", nil)

	m.Tick(ctx)
	if rec := h.status(t, "tty"); rec.Status != task.StatusRunning {
		t.Fatalf("first sample must not flag, got %s", rec.Status)
	}

	// Too young: 8s old, idle 8s.
	h.clock.Advance(8 * time.Second)
	m.Tick(ctx)
	if rec := h.status(t, "tty"); rec.Status != task.StatusRunning {
		t.Fatalf("task younger than input_min_age flagged: %s", rec.Status)
	}

	h.clock.Advance(3 * time.Second)
	m.Tick(ctx)
	rec := h.status(t, "tty")
	if rec.Status != task.StatusNeedsAttention || rec.AttentionReason != monitor.ReasonWaitingForInput {
		t.Fatalf("expected waiting for input, got %s %q", rec.Status, rec.AttentionReason)
	}
	if !m.Registry().Flagged("tty") {
		t.Fatal("expected registry to mark monitor-raised attention")
	}

	// Operator typed something: CPU moves.
	h.prober.Set(200, monitor.Snapshot{Alive: true, Sleeping: false, StdinTTY: true, CPUTime: 2 * time.Second})
	h.clock.Advance(2 * time.Second)
	m.Tick(ctx)
	rec = h.status(t, "tty")
	if rec.Status != task.StatusRunning || rec.AttentionReason != "" {
		t.Fatalf("expected resumed, got %s %q", rec.Status, rec.AttentionReason)
	}
	if m.Registry().Flagged("tty") {
		t.Fatal("flag must clear after resume")
	}

	events, err := h.engine.History(ctx, "tty")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected start, needs_attention, resume; got %d events", len(events))
	}
}

func TestMonitor_ProducerAttentionNotAutoResumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "prod", 300)
	if _, err := h.engine.NeedsAttention(ctx, "prod", "approve the plan"); err != nil {
		t.Fatalf("needs attention: %v", err)
	}
	m := h.monitor("", nil)

	for i := 0; i < 4; i++ {
		h.prober.Set(300, monitor.Snapshot{Alive: true, CPUTime: time.Duration(i+1) * time.Second})
		h.clock.Advance(2 * time.Second)
		m.Tick(ctx)
	}
	rec := h.status(t, "prod")
	if rec.Status != task.StatusNeedsAttention || rec.AttentionReason != "approve the plan" {
		t.Fatalf("producer attention changed: %s %q", rec.Status, rec.AttentionReason)
	}
}

func TestMonitor_RecoversOwnAttentionAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "restart", 310)
	if _, err := h.engine.NeedsAttention(ctx, "restart", monitor.ReasonStalled); err != nil {
		t.Fatalf("needs attention: %v", err)
	}
	m := h.monitor("", nil)

	h.prober.Set(310, monitor.Snapshot{Alive: true, CPUTime: time.Second})
	m.Tick(ctx)
	h.prober.Set(310, monitor.Snapshot{Alive: true, CPUTime: 3 * time.Second})
	h.clock.Advance(2 * time.Second)
	m.Tick(ctx)

	if rec := h.status(t, "restart"); rec.Status != task.StatusRunning {
		t.Fatalf("expected monitor-reason attention to resume, got %s", rec.Status)
	}
}

func TestMonitor_StallDetected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "stall", 400)
	h.prober.Set(400, monitor.Snapshot{Alive: true, CPUTime: 5 * time.Second})
	m := h.monitor("", nil)

	m.Tick(ctx)
	h.clock.Advance(300 * time.Second)
	m.Tick(ctx)
	if rec := h.status(t, "stall"); rec.Status != task.StatusRunning {
		t.Fatalf("stall flagged before threshold: %s", rec.Status)
	}

	h.clock.Advance(301 * time.Second)
	m.Tick(ctx)
	rec := h.status(t, "stall")
	if rec.Status != task.StatusNeedsAttention || rec.AttentionReason != monitor.ReasonStalled {
		t.Fatalf("expected stalled, got %s %q", rec.Status, rec.AttentionReason)
	}
}

func TestMonitor_BusyProcessNotStalled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "busy", 410)
	m := h.monitor("", func(s *monitor.Settings) { s.StallThreshold = 10 * time.Second })

	for i := 0; i < 5; i++ {
		h.prober.Set(410, monitor.Snapshot{Alive: true, CPUTime: time.Duration(i) * time.Second})
		h.clock.Advance(60 * time.Second)
		m.Tick(ctx)
	}
	if rec := h.status(t, "busy"); rec.Status != task.StatusRunning {
		t.Fatalf("busy process flagged: %s", rec.Status)
	}
}

func TestMonitor_ProbeFailureChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "flaky", 500)
	h.prober.Fail(500, fmt.Errorf("%w: status: permission denied", monitor.ErrProbeFailed))

	sub := h.bus.Subscribe(bus.TopicMonitorProbe)
	defer h.bus.Unsubscribe(sub)

	h.monitor("", nil).Tick(ctx)

	if rec := h.status(t, "flaky"); rec.Status != task.StatusRunning {
		t.Fatalf("probe failure transitioned task to %s", rec.Status)
	}
	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.ProbeFailedEvent)
		if payload.TaskID != "flaky" || payload.PID != 500 {
			t.Fatalf("unexpected probe event %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected probe failure event")
	}
}

func TestMonitor_SkipsTasksWithoutPID(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Start(context.Background(), lifecycle.StartRequest{TaskID: "nopid", AgentType: "x", Title: "x"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.monitor("", nil).Tick(context.Background())
	if h.prober.calls != 0 {
		t.Fatalf("expected no probes, got %d", h.prober.calls)
	}
	if rec := h.status(t, "nopid"); rec.Status != task.StatusRunning {
		t.Fatalf("unexpected status %s", rec.Status)
	}
}

func TestMonitor_RegistryForgetsFinishedTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "a", 600)
	h.start(t, "b", 601)
	h.prober.Set(600, monitor.Snapshot{Alive: true, CPUTime: time.Second})
	h.prober.Set(601, monitor.Snapshot{Alive: true, CPUTime: time.Second})
	m := h.monitor("", nil)

	m.Tick(ctx)
	if n := m.Registry().Len(); n != 2 {
		t.Fatalf("expected 2 registry entries, got %d", n)
	}
	if _, err := h.engine.Complete(ctx, "a", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	m.Tick(ctx)
	if n := m.Registry().Len(); n != 1 {
		t.Fatalf("expected finished task dropped from registry, got %d", n)
	}
}

func TestMonitor_SingleTaskModeFinishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, "solo", 700)
	h.prober.Set(700, monitor.Snapshot{Alive: true, CPUTime: time.Second})

	m := h.monitor("solo", func(s *monitor.Settings) { s.PollInterval = 10 * time.Millisecond })
	m.Start(ctx)
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := h.status(t, "solo")
		if rec.MonitorPID != nil {
			if *rec.MonitorPID != os.Getpid() {
				t.Fatalf("unexpected monitor pid %d", *rec.MonitorPID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor pid never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := h.engine.Complete(ctx, "solo", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("single-task monitor did not finish after completion")
	}
}

func TestMonitor_SingleTaskMissing(t *testing.T) {
	h := newHarness(t)
	m := h.monitor("ghost", nil)
	m.Start(context.Background())
	defer m.Stop()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor for a missing task should finish immediately")
	}
}

func TestMonitor_TickReportsSingleTaskFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t, "gone", 800)
	m := h.monitor("gone", nil)
	if !m.Tick(context.Background()) {
		t.Fatal("expected Tick to report the task finished after exit detection")
	}
}

func TestMonitor_UpdateSettings(t *testing.T) {
	h := newHarness(t)
	m := h.monitor("", nil)
	s := m.Settings()
	s.StallThreshold = time.Minute
	s.PollInterval = 0
	m.UpdateSettings(s)
	got := m.Settings()
	if got.StallThreshold != time.Minute {
		t.Fatalf("expected updated stall threshold, got %v", got.StallThreshold)
	}
	if got.PollInterval <= 0 {
		t.Fatal("poll interval must fall back to a positive default")
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Monitor.Detectors = []string{config.DetectorExit}
	cfg.Monitor.StallThresholdSeconds = 120
	s := monitor.SettingsFromConfig(cfg)
	if !s.ExitDetector || s.InputDetector || s.StallDetector {
		t.Fatalf("unexpected detector flags %+v", s)
	}
	if s.StallThreshold != 2*time.Minute {
		t.Fatalf("expected 2m stall threshold, got %v", s.StallThreshold)
	}
	if s.PollInterval != 2*time.Second {
		t.Fatalf("expected default 2s poll interval, got %v", s.PollInterval)
	}
}

func TestRegistry_Observe(t *testing.T) {
	r := monitor.NewRegistry()
	t0 := time.Unix(0, 0)

	obs := r.Observe("a", 1, time.Second, t0)
	if obs.Sampled || obs.Active {
		t.Fatalf("first observation: %+v", obs)
	}
	obs = r.Observe("a", 1, time.Second, t0.Add(5*time.Second))
	if !obs.Sampled || obs.Active || obs.Idle != 5*time.Second {
		t.Fatalf("idle observation: %+v", obs)
	}
	obs = r.Observe("a", 1, 2*time.Second, t0.Add(6*time.Second))
	if !obs.Active || obs.Idle != 0 {
		t.Fatalf("active observation: %+v", obs)
	}

	r.SetFlagged("a", true)
	obs = r.Observe("a", 2, 2*time.Second, t0.Add(7*time.Second))
	if obs.Sampled || obs.Flagged {
		t.Fatalf("pid change must reset the entry: %+v", obs)
	}

	r.Observe("b", 3, 0, t0)
	r.Retain(map[string]struct{}{"b": {}})
	if r.Len() != 1 || r.Flagged("a") {
		t.Fatalf("retain kept stale entries, len=%d", r.Len())
	}
}

func TestAcquireLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")
	first, err := monitor.AcquireLock(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := monitor.AcquireLock(path); !errors.Is(err, monitor.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	first.Release()
	again, err := monitor.AcquireLock(path)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again.Release()
}

func TestProcessProber_Self(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs probe is exercised on linux only")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := monitor.NewProcessProber().Probe(ctx, os.Getpid())
	if err != nil {
		t.Fatalf("probe self: %v", err)
	}
	if !snap.Alive {
		t.Fatal("expected own process to be alive")
	}
	if snap.CPUTime < 0 {
		t.Fatalf("negative cpu time %v", snap.CPUTime)
	}
}

func TestProcessProber_InvalidPID(t *testing.T) {
	_, err := monitor.NewProcessProber().Probe(context.Background(), 0)
	if !errors.Is(err, monitor.ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed, got %v", err)
	}
}
