package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/flowgate/internal/persistence"
)

func (c *Coordinator) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "flowgate."+op, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it. Lost compare-and-swap races are
// not errors.
func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, persistence.ErrStaleRuntime) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
