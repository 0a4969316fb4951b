package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type agentTypeKey struct{}
type reporterKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace_id and
// attaches a fresh one otherwise.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "-" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAgentType attaches the reporting agent type to the context.
func WithAgentType(ctx context.Context, agentType string) context.Context {
	return context.WithValue(ctx, agentTypeKey{}, agentType)
}

// AgentType extracts agent_type from context. Returns "" if absent.
func AgentType(ctx context.Context) string {
	if v, ok := ctx.Value(agentTypeKey{}).(string); ok {
		return v
	}
	return ""
}

// Reporter identifies who drove a transition: a producer ("agent"), the
// monitor, or the operator CLI.
type Reporter string

const (
	ReporterAgent    Reporter = "agent"
	ReporterMonitor  Reporter = "monitor"
	ReporterOperator Reporter = "operator"
)

// WithReporter attaches the transition source to the context.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// ReporterFrom returns the transition source, defaulting to ReporterAgent.
func ReporterFrom(ctx context.Context) Reporter {
	if v, ok := ctx.Value(reporterKey{}).(Reporter); ok && v != "" {
		return v
	}
	return ReporterAgent
}
