package persistence

import (
	"context"
	"time"

	"github.com/basket/taskinbox/internal/task"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	Cutoff      time.Time `json:"cutoff"`
	PurgedTasks int64     `json:"purged_tasks"`
}

// RunRetention deletes terminal tasks whose completed_at is strictly older
// than now minus retention. Timestamps are stored in whole seconds, so the
// comparison is at one-second granularity: the cutoff drops the sub-second
// part of now. Active tasks are never touched. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, retention time.Duration) (RetentionResult, error) {
	cutoff := s.now().UTC().Add(-retention).Truncate(time.Second)
	n, err := s.DeleteWhere(ctx, Predicate{
		Statuses:        task.TerminalStatuses,
		CompletedBefore: cutoff,
	})
	if err != nil {
		return RetentionResult{Cutoff: cutoff}, err
	}
	return RetentionResult{Cutoff: cutoff, PurgedTasks: n}, nil
}
