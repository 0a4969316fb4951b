package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrTaskID    = attribute.Key("taskinbox.task.id")
	AttrAgentType = attribute.Key("taskinbox.agent.type")
	AttrEvent     = attribute.Key("taskinbox.task.event")
	AttrStatus    = attribute.Key("taskinbox.task.status")
	AttrSource    = attribute.Key("taskinbox.source")
	AttrProbe     = attribute.Key("taskinbox.monitor.probe")
	AttrPID       = attribute.Key("process.pid")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
