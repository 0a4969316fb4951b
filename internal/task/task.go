// Package task defines the Task Record tracked by the inbox, its status
// values and the transition rules every writer must go through.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTitleLen is the maximum number of characters kept from a producer title.
const MaxTitleLen = 100

type Status string

const (
	StatusRunning        Status = "running"
	StatusNeedsAttention Status = "needs_attention"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusRunning, StatusNeedsAttention, StatusCompleted, StatusFailed}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusRunning, StatusNeedsAttention}

// TerminalStatuses are the statuses no transition may leave.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed}

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusNeedsAttention, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is Completed or Failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts the stored spelling plus the dashed CLI spelling
// ("needs-attention") and a few short aliases.
func ParseStatus(raw string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "running", "run":
		return StatusRunning, nil
	case "needs_attention", "attention", "waiting":
		return StatusNeedsAttention, nil
	case "completed", "complete", "done":
		return StatusCompleted, nil
	case "failed", "fail", "error":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, raw)
}

// Task is one row of the inbox. ID is the storage surrogate key and is never
// used as identity; TaskID is the producer-supplied identifier.
type Task struct {
	ID              int64           `json:"-"`
	TaskID          string          `json:"task_id"`
	AgentType       string          `json:"agent_type"`
	Title           string          `json:"title"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	PID             *int            `json:"pid,omitempty"`
	PPID            *int            `json:"ppid,omitempty"`
	MonitorPID      *int            `json:"monitor_pid,omitempty"`
	AttentionReason string          `json:"attention_reason,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Age returns how long the task has existed at now.
func (t Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// NewTask carries the fields a producer supplies on start.
type NewTask struct {
	TaskID    string
	AgentType string
	Title     string
	PID       *int
	PPID      *int
	Context   json.RawMessage
	Metadata  json.RawMessage
}

// Build validates n and returns the Running record created at now.
func (n NewTask) Build(now time.Time) (Task, error) {
	id := strings.TrimSpace(n.TaskID)
	if id == "" {
		return Task{}, fmt.Errorf("%w: task_id is required", ErrInvalidArgument)
	}
	agent := strings.TrimSpace(n.AgentType)
	if agent == "" {
		return Task{}, fmt.Errorf("%w: agent_type is required", ErrInvalidArgument)
	}
	if err := ValidateContext(n.Context); err != nil {
		return Task{}, err
	}
	if err := ValidateMetadata(n.Metadata); err != nil {
		return Task{}, err
	}
	ts := now.UTC().Truncate(time.Second)
	return Task{
		TaskID:    id,
		AgentType: agent,
		Title:     TruncateTitle(n.Title),
		Status:    StatusRunning,
		CreatedAt: ts,
		UpdatedAt: ts,
		PID:       n.PID,
		PPID:      n.PPID,
		Context:   compactJSON(n.Context),
		Metadata:  compactJSON(n.Metadata),
	}, nil
}

// TruncateTitle trims whitespace and keeps at most MaxTitleLen runes.
func TruncateTitle(title string) string {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) <= MaxTitleLen {
		return title
	}
	runes := []rune(title)
	return string(runes[:MaxTitleLen])
}

// CheckInvariants returns an error describing the first record invariant t
// violates, or nil.
func CheckInvariants(t Task) error {
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return fmt.Errorf("updated_at %d before created_at %d", t.UpdatedAt.Unix(), t.CreatedAt.Unix())
	}
	if t.Status.Terminal() != (t.CompletedAt != nil) {
		return fmt.Errorf("completed_at presence does not match status %s", t.Status)
	}
	if (t.Status == StatusNeedsAttention) != (t.AttentionReason != "") {
		return fmt.Errorf("attention_reason presence does not match status %s", t.Status)
	}
	return nil
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}
