package task

import (
	"fmt"
	"strings"
	"time"
)

type Event string

const (
	EventStart          Event = "start"
	EventNeedsAttention Event = "needs_attention"
	EventResume         Event = "resume"
	EventComplete       Event = "complete"
	EventFail           Event = "fail"
)

// allowedTransitions maps a current status and event to the next status.
// Terminal statuses have no entry.
var allowedTransitions = map[Status]map[Event]Status{
	StatusRunning: {
		EventNeedsAttention: StatusNeedsAttention,
		EventComplete:       StatusCompleted,
		EventFail:           StatusFailed,
	},
	StatusNeedsAttention: {
		EventNeedsAttention: StatusNeedsAttention, // refresh reason
		EventResume:         StatusRunning,
		EventComplete:       StatusCompleted,
		EventFail:           StatusFailed,
	},
}

// Next returns the status reached by applying ev in from.
func Next(from Status, ev Event) (Status, bool) {
	next, ok := allowedTransitions[from]
	if !ok {
		return "", false
	}
	to, ok := next[ev]
	return to, ok
}

// Transition is one lifecycle event with its payload.
type Transition struct {
	Event Event
	// Reason is the attention reason for EventNeedsAttention and the optional
	// failure reason for EventFail.
	Reason   string
	ExitCode *int
}

func NeedsAttention(reason string) Transition {
	return Transition{Event: EventNeedsAttention, Reason: reason}
}

func Resume() Transition {
	return Transition{Event: EventResume}
}

func Complete(exitCode *int) Transition {
	return Transition{Event: EventComplete, ExitCode: exitCode}
}

func Fail(exitCode *int, reason string) Transition {
	return Transition{Event: EventFail, ExitCode: exitCode, Reason: reason}
}

// Apply returns cur with tr applied at now. cur is not modified. On error the
// caller must leave the stored row unchanged.
func Apply(cur Task, tr Transition, now time.Time) (Task, error) {
	to, ok := Next(cur.Status, tr.Event)
	if !ok {
		return cur, &TransitionError{TaskID: cur.TaskID, From: cur.Status, Event: tr.Event}
	}
	reason := strings.TrimSpace(tr.Reason)
	if tr.Event == EventNeedsAttention && reason == "" {
		return cur, fmt.Errorf("%w: attention reason is required", ErrInvalidArgument)
	}

	next := cur
	next.Status = to
	// updated_at never moves backwards, even if the caller's clock does.
	ts := now.UTC().Truncate(time.Second)
	if ts.Before(cur.UpdatedAt) {
		ts = cur.UpdatedAt
	}
	next.UpdatedAt = ts

	switch tr.Event {
	case EventNeedsAttention:
		next.AttentionReason = reason
	case EventResume:
		next.AttentionReason = ""
	case EventComplete:
		code := 0
		if tr.ExitCode != nil {
			code = *tr.ExitCode
		}
		next.ExitCode = &code
		next.AttentionReason = ""
		next.CompletedAt = &ts
	case EventFail:
		if tr.ExitCode != nil {
			code := *tr.ExitCode
			next.ExitCode = &code
		}
		next.FailureReason = reason
		next.AttentionReason = ""
		next.CompletedAt = &ts
	}
	return next, nil
}
