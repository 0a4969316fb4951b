// Package audit appends one JSON line per destructive or configuration
// changing operator action to <home>/logs/audit.jsonl. Task transitions are
// journaled in task_events instead; this covers what deletes or rewrites
// state outside the lifecycle.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskinbox/internal/shared"
)

// Actions recorded by the CLI and the monitor daemon.
const (
	ActionClear     = "task.clear"
	ActionClearAll  = "task.clear_all"
	ActionRetention = "retention.sweep"
	ActionConfigSet = "config.set"
	ActionBackup    = "store.backup"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Count     int64  `json:"count"`
	Detail    string `json:"detail,omitempty"`
	Source    string `json:"source"`
	TraceID   string `json:"trace_id"`
}

var (
	mu      sync.Mutex
	file    *os.File
	written atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Written returns how many entries were appended since startup.
func Written() int64 {
	return written.Load()
}

// Record appends one entry. It is a no-op before Init. Detail is redacted
// because config values may carry endpoints with credentials.
func Record(ctx context.Context, action, subject string, count int64, detail string) {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   subject,
		Count:     count,
		Detail:    shared.Redact(detail),
		Source:    string(shared.ReporterFrom(ctx)),
		TraceID:   shared.TraceID(ctx),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := file.Write(append(b, '\n')); err == nil {
		written.Add(1)
	}
}
