package task

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by create when a row with the same task_id exists.
	ErrConflict = errors.New("task already exists")

	// ErrNotFound is returned when no row matches the task_id.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when the event is not allowed from the
	// task's current status. The row is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrStorageUnavailable wraps failures of the underlying store (open,
	// lock contention past the retry budget, corruption).
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidArgument reports producer input that can never be stored.
	ErrInvalidArgument = errors.New("invalid argument")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	TaskID string
	From   Status
	Event  Event
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("task %s is already %s; %s rejected", e.TaskID, e.From, e.Event)
	}
	return fmt.Sprintf("task %s: %s not allowed from %s", e.TaskID, e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsDuplicateReport reports whether err is the expected outcome of a producer
// re-sending a report: a transition rejected because the task is already
// terminal, or a start for a task_id that already exists.
func IsDuplicateReport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return te.From.Terminal()
	}
	return false
}
