package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the taskinbox instruments.
type Metrics struct {
	TaskTransitions  metric.Int64Counter
	TasksCreated     metric.Int64Counter
	DuplicateReports metric.Int64Counter
	TasksDeleted     metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	ActiveTasks      metric.Int64Gauge
	MonitorCycle     metric.Float64Histogram
	ProbeFailures    metric.Int64Counter
	RetentionPurged  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskTransitions, err = meter.Int64Counter("taskinbox.task.transitions",
		metric.WithDescription("Applied task transitions by event and resulting status"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("taskinbox.task.created",
		metric.WithDescription("Tasks registered by start reports"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicateReports, err = meter.Int64Counter("taskinbox.task.duplicate_reports",
		metric.WithDescription("Reports ignored because the task was already started or finished"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeleted, err = meter.Int64Counter("taskinbox.task.deleted",
		metric.WithDescription("Tasks removed by clear and clear-all"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskinbox.task.duration",
		metric.WithDescription("Time from start to a terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64Gauge("taskinbox.task.active",
		metric.WithDescription("Tasks per non-terminal status at the last monitor cycle"),
	)
	if err != nil {
		return nil, err
	}

	m.MonitorCycle, err = meter.Float64Histogram("taskinbox.monitor.cycle.duration",
		metric.WithDescription("Attention monitor poll cycle duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeFailures, err = meter.Int64Counter("taskinbox.monitor.probe_failures",
		metric.WithDescription("Process probes that failed or timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.RetentionPurged, err = meter.Int64Counter("taskinbox.retention.purged",
		metric.WithDescription("Terminal tasks removed by the retention sweeper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noopProvider().Meter)
	return m
}
