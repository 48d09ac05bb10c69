package telemetry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/taskwatch/internal/task"
)

// UnitTracer is a pool observer that records one span per unit, from
// scheduling to completion. Starting the body is recorded as a span event.
type UnitTracer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[uuid.UUID]trace.Span
}

// NewUnitTracer returns an observer that starts spans on tracer.
func NewUnitTracer(tracer trace.Tracer) *UnitTracer {
	return &UnitTracer{
		tracer: tracer,
		spans:  make(map[uuid.UUID]trace.Span),
	}
}

// Scheduled starts the unit span.
func (t *UnitTracer) Scheduled(u *task.Unit) {
	_, span := t.tracer.Start(context.Background(), "unit",
		trace.WithTimestamp(u.CreatedAt()),
		trace.WithAttributes(
			attribute.String("unit.id", u.ID().String()),
			attribute.String("unit.description", u.Description()),
			attribute.String("unit.kind", u.Kind().String()),
		),
	)
	t.mu.Lock()
	t.spans[u.ID()] = span
	t.mu.Unlock()
}

// BeforeRun marks the end of queueing.
func (t *UnitTracer) BeforeRun(u *task.Unit) {
	if span := t.span(u, false); span != nil {
		span.AddEvent("started")
	}
}

// AfterRun ends the unit span with the unit's outcome.
func (t *UnitTracer) AfterRun(u *task.Unit, err error) {
	span := t.span(u, true)
	if span == nil {
		return
	}
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case task.IsCanceled(err):
		span.SetAttributes(attribute.Bool("unit.canceled", true))
		span.SetStatus(codes.Unset, "canceled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Drained implements the pool observer contract.
func (t *UnitTracer) Drained() {}

func (t *UnitTracer) span(u *task.Unit, remove bool) trace.Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	span, ok := t.spans[u.ID()]
	if !ok {
		return nil
	}
	if remove {
		delete(t.spans, u.ID())
	}
	return span
}
