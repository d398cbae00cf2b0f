package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/baolood/project-anchor/internal/store"
)

const storeScopeName = "github.com/baolood/project-anchor/store"

// InstrumentedStore wraps store.Store with OTel tracing and metrics on the
// engine's hot paths: claims, terminal writes, retries, event appends. The
// remaining methods pass through via embedding. Use WrapStore to create one;
// it returns the original store unchanged when telemetry is disabled.
type InstrumentedStore struct {
	store.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s store.Store) store.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storeScopeName)
	ops, _ := m.Int64Counter("anchor.store.operations",
		metric.WithDescription("Total store operations executed"),
	)
	dur, _ := m.Float64Histogram("anchor.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("anchor.store.errors",
		metric.WithDescription("Total store operation errors"),
	)
	return &InstrumentedStore{
		Store:  s,
		tracer: Tracer(storeScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named store operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) CreateCommand(ctx context.Context, id, cmdType string, payload map[string]any) (*store.Command, error) {
	attrs := []attribute.KeyValue{attribute.String("anchor.command.type", cmdType)}
	ctx, span, t := s.op(ctx, "CreateCommand", attrs...)
	v, err := s.Store.CreateCommand(ctx, id, cmdType, payload)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ClaimOne(ctx context.Context, workerID string) (*store.Command, error) {
	attrs := []attribute.KeyValue{attribute.String("anchor.worker.id", workerID)}
	ctx, span, t := s.op(ctx, "ClaimOne", attrs...)
	v, err := s.Store.ClaimOne(ctx, workerID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) MarkDone(ctx context.Context, id string, result map[string]any) (int64, error) {
	attrs := []attribute.KeyValue{attribute.String("anchor.command.id", id)}
	ctx, span, t := s.op(ctx, "MarkDone", attrs...)
	v, err := s.Store.MarkDone(ctx, id, result)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) MarkFailed(ctx context.Context, id, reason string, detail map[string]any) (int64, error) {
	attrs := []attribute.KeyValue{attribute.String("anchor.command.id", id)}
	ctx, span, t := s.op(ctx, "MarkFailed", attrs...)
	v, err := s.Store.MarkFailed(ctx, id, reason, detail)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) Retry(ctx context.Context, id string) (*store.Command, error) {
	attrs := []attribute.KeyValue{attribute.String("anchor.command.id", id)}
	ctx, span, t := s.op(ctx, "Retry", attrs...)
	v, err := s.Store.Retry(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) AppendEvent(ctx context.Context, commandID, eventType string, attempt int, payload map[string]any) {
	attrs := []attribute.KeyValue{attribute.String("anchor.event.type", eventType)}
	ctx, span, t := s.op(ctx, "AppendEvent", attrs...)
	s.Store.AppendEvent(ctx, commandID, eventType, attempt, payload)
	s.done(ctx, span, t, nil, attrs...)
}

func (s *InstrumentedStore) ReserveExposure(ctx context.Context, notional, maxTotal float64) (float64, error) {
	ctx, span, t := s.op(ctx, "ReserveExposure")
	v, err := s.Store.ReserveExposure(ctx, notional, maxTotal)
	s.done(ctx, span, t, err)
	return v, err
}
