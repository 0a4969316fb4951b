package bus

import "time"

// Task event topics. Subscribing to "task." receives all of them.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCreated      = "task.created"
	TopicTaskDeleted      = "task.deleted"
)

// Daemon topics.
const (
	TopicRetentionSwept = "retention.swept"
	TopicConfigReloaded = "config.reloaded"
	TopicMonitorProbe   = "monitor.probe_failed"
)

// TaskStateChangedEvent is published after a transition commits.
type TaskStateChangedEvent struct {
	TaskID    string
	AgentType string
	OldStatus string
	NewStatus string
	Event     string
	Reason    string
	// Source is "agent", "monitor" or "operator".
	Source string
	At     time.Time
}

// TaskCreatedEvent is published after a start report commits.
type TaskCreatedEvent struct {
	TaskID    string
	AgentType string
	Title     string
	At        time.Time
}

// TaskDeletedEvent is published by clear and clear-all. TaskID is empty for a
// bulk delete.
type TaskDeletedEvent struct {
	TaskID string
	Count  int64
}

// RetentionSweptEvent is published after each sweeper run.
type RetentionSweptEvent struct {
	Cutoff time.Time
	Purged int64
}

// ConfigReloadedEvent is published when config.yaml changes on disk.
type ConfigReloadedEvent struct {
	Path string
}

// ProbeFailedEvent is published when a monitor probe errors or times out.
type ProbeFailedEvent struct {
	TaskID string
	PID    int
	Probe  string
	Err    string
}
