package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	checks := map[string]bool{
		"TaskTransitions":  m.TaskTransitions != nil,
		"TasksCreated":     m.TasksCreated != nil,
		"DuplicateReports": m.DuplicateReports != nil,
		"TasksDeleted":     m.TasksDeleted != nil,
		"TaskDuration":     m.TaskDuration != nil,
		"ActiveTasks":      m.ActiveTasks != nil,
		"MonitorCycle":     m.MonitorCycle != nil,
		"ProbeFailures":    m.ProbeFailures != nil,
		"RetentionPurged":  m.RetentionPurged != nil,
	}
	for name, ok := range checks {
		if !ok {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	m.TaskTransitions.Add(context.Background(), 1)
	m.ActiveTasks.Record(context.Background(), 2)
}
