package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskinbox/internal/shared"
	"github.com/basket/taskinbox/internal/task"
)

// TaskEvent is one journaled transition of a task.
type TaskEvent struct {
	EventID   int64       `json:"event_id"`
	TaskID    string      `json:"task_id"`
	EventType task.Event  `json:"event_type"`
	StateFrom task.Status `json:"state_from,omitempty"`
	StateTo   task.Status `json:"state_to"`
	Reason    string      `json:"reason,omitempty"`
	TraceID   string      `json:"trace_id"`
	CreatedAt time.Time   `json:"created_at"`
}

// Filter selects tasks for List. Zero values match everything.
type Filter struct {
	Statuses  []task.Status
	AgentType string
	// Limit caps the result size; 0 means unlimited.
	Limit int
}

// Predicate selects tasks for DeleteWhere. Statuses must be non-empty.
type Predicate struct {
	Statuses []task.Status
	// CompletedBefore, when non-zero, keeps only rows with
	// completed_at strictly before it.
	CompletedBefore time.Time
}

const taskColumns = `id, task_id, agent_type, title, status, created_at, updated_at, completed_at,
	pid, ppid, monitor_pid, attention_reason, failure_reason, exit_code, context, metadata`

// Create inserts a new Running record. A second Create for the same task_id
// fails with task.ErrConflict and leaves the first record untouched.
func (s *Store) Create(ctx context.Context, nt task.NewTask) (task.Task, error) {
	rec, err := nt.Build(s.now())
	if err != nil {
		return task.Task{}, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, agent_type, title, status, created_at, updated_at, pid, ppid, context, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.TaskID, rec.AgentType, rec.Title, string(rec.Status), rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
			nullInt(rec.PID), nullInt(rec.PPID), nullJSON(rec.Context), nullJSON(rec.Metadata))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: task %q already exists", task.ErrConflict, rec.TaskID)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		rec.ID, _ = res.LastInsertId()
		return appendTaskEventTx(ctx, tx, rec.TaskID, task.EventStart, "", rec.Status, "", rec.CreatedAt)
	})
	if err != nil {
		return task.Task{}, storageError("create task", err)
	}
	return rec, nil
}

// Get returns the record for taskID or task.ErrNotFound.
func (s *Store) Get(ctx context.Context, taskID string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?;`, taskID)
	rec, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: task %q", task.ErrNotFound, taskID)
	}
	if err != nil {
		return task.Task{}, storageError("get task", err)
	}
	return rec, nil
}

// UpdateStatus applies tr to the stored record under the write lock and
// returns the updated record. See ApplyTransition.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, tr task.Transition) (task.Task, error) {
	_, after, err := s.ApplyTransition(ctx, taskID, tr)
	return after, err
}

// ApplyTransition reads the row, checks tr against the transition table and
// writes the result in one transaction, so concurrent reporters observe a
// single serial order. It returns the record before and after the change. A
// rejected transition leaves the row unchanged.
func (s *Store) ApplyTransition(ctx context.Context, taskID string, tr task.Transition) (before, after task.Task, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?;`, taskID)
		cur, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %q", task.ErrNotFound, taskID)
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		next, err := task.Apply(cur, tr, s.now())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = ?, completed_at = ?, attention_reason = ?, failure_reason = ?, exit_code = ?
			WHERE id = ?;
		`, string(next.Status), next.UpdatedAt.Unix(), nullTime(next.CompletedAt), nullString(next.AttentionReason),
			nullString(next.FailureReason), nullInt(next.ExitCode), next.ID); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, taskID, tr.Event, cur.Status, next.Status, strings.TrimSpace(tr.Reason), next.UpdatedAt); err != nil {
			return err
		}
		before, after = cur, next
		return nil
	})
	if err != nil {
		return task.Task{}, task.Task{}, storageError("update task status", err)
	}
	return before, after, nil
}

// SetMonitorPID records the pid of the monitor watching taskID. It does not
// change status or updated_at.
func (s *Store) SetMonitorPID(ctx context.Context, taskID string, pid int) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET monitor_pid = ? WHERE task_id = ?;`, pid, taskID)
		if err != nil {
			return fmt.Errorf("set monitor pid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %q", task.ErrNotFound, taskID)
		}
		return nil
	})
	return storageError("set monitor pid", err)
}

// List returns tasks matching f in insertion order.
func (s *Store) List(ctx context.Context, f Filter) ([]task.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.AgentType != "" {
		where = append(where, "agent_type = ?")
		args = append(args, f.AgentType)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q+";", args...)
	if err != nil {
		return nil, storageError("list tasks", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		rec, err := scanTask(rows.Scan)
		if err != nil {
			return nil, storageError("scan task", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list tasks", err)
	}
	return out, nil
}

// Delete removes one task. It returns whether a row was removed.
func (s *Store) Delete(ctx context.Context, taskID string) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?;`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, storageError("delete task", err)
	}
	return removed, nil
}

// DeleteWhere removes every task matching p in one transaction and returns the
// number removed.
func (s *Store) DeleteWhere(ctx context.Context, p Predicate) (int64, error) {
	if len(p.Statuses) == 0 {
		return 0, fmt.Errorf("%w: delete predicate needs at least one status", task.ErrInvalidArgument)
	}
	args := make([]any, 0, len(p.Statuses)+1)
	for _, st := range p.Statuses {
		args = append(args, string(st))
	}
	q := `DELETE FROM tasks WHERE status IN (` + placeholders(len(p.Statuses)) + `)`
	if !p.CompletedBefore.IsZero() {
		q += ` AND completed_at IS NOT NULL AND completed_at < ?`
		args = append(args, p.CompletedBefore.Unix())
	}

	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q+";", args...)
		if err != nil {
			return fmt.Errorf("delete tasks: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, storageError("delete tasks", err)
	}
	return removed, nil
}

// Counts returns the number of tasks per status. Every status is present.
func (s *Store) Counts(ctx context.Context) (map[task.Status]int, error) {
	out := make(map[task.Status]int, len(task.AllStatuses))
	for _, st := range task.AllStatuses {
		out[st] = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, storageError("count tasks", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storageError("scan task count", err)
		}
		out[task.Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("count tasks", err)
	}
	return out, nil
}

// ListEvents returns the transition journal for taskID, oldest first.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to, COALESCE(reason, ''), trace_id, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, storageError("list task events", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			ev        TaskEvent
			eventType string
			from, to  string
			createdAt int64
		)
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &eventType, &from, &to, &ev.Reason, &ev.TraceID, &createdAt); err != nil {
			return nil, storageError("scan task event", err)
		}
		ev.EventType = task.Event(eventType)
		ev.StateFrom = task.Status(from)
		ev.StateTo = task.Status(to)
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list task events", err)
	}
	return out, nil
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, ev task.Event, from, to task.Status, reason string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, reason, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, taskID, string(ev), nullString(string(from)), string(to), nullString(reason), shared.TraceID(ctx), at.Unix()); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

func scanTask(scanFn func(dest ...any) error) (task.Task, error) {
	var (
		rec                      task.Task
		status                   string
		createdAt, updatedAt     int64
		completedAt              sql.NullInt64
		pid, ppid, monitorPID    sql.NullInt64
		attention, failureReason sql.NullString
		exitCode                 sql.NullInt64
		taskCtx, metadata        sql.NullString
	)
	if err := scanFn(
		&rec.ID, &rec.TaskID, &rec.AgentType, &rec.Title, &status, &createdAt, &updatedAt, &completedAt,
		&pid, &ppid, &monitorPID, &attention, &failureReason, &exitCode, &taskCtx, &metadata,
	); err != nil {
		return task.Task{}, err
	}
	rec.Status = task.Status(status)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0).UTC()
		rec.CompletedAt = &ts
	}
	rec.PID = intPtr(pid)
	rec.PPID = intPtr(ppid)
	rec.MonitorPID = intPtr(monitorPID)
	rec.ExitCode = intPtr(exitCode)
	rec.AttentionReason = attention.String
	rec.FailureReason = failureReason.String
	if taskCtx.Valid && taskCtx.String != "" {
		rec.Context = json.RawMessage(taskCtx.String)
	}
	if metadata.Valid && metadata.String != "" {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	return rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.Unix()
}

func nullJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
