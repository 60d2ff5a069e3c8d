// Package trace provides tracing instrumentation for page navigations.
package trace

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "xk6.pageload"

// liveSpan represents an active span associated with a page navigation.
//
// Lifecycle signals resolve on the CDP receive loop, which has no reference
// to the span of the navigation they belong to, so the tracer keeps the
// active span of each target.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for navigations and the CDP commands they issue,
// correlating asynchronous lifecycle signals with the navigation of the
// target they belong to.
type Tracer struct {
	logger logrus.FieldLogger

	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(
	logger logrus.FieldLogger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	return &Tracer{
		logger:    logger,
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() *Tracer {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return NewTracer(l, noop.NewTracerProvider(), nil)
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the hex trace ID of spanCtx, or an empty string.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

// TraceCommand adds a new span for a CDP command to the current liveSpan for
// the given targetID and returns it. It is the caller's responsibility to
// close the generated span.
// If there is not a liveSpan for the given targetID, the new span is created
// based on the given context.
func (t *Tracer) TraceCommand(
	ctx context.Context, targetID string, method string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[targetID]
	t.liveSpansMu.RUnlock()

	opts = append(opts, trace.WithAttributes(attribute.String("cdp.method", method)))

	if ls == nil {
		t.logger.Debugf("TraceCommand: no live span spanName: %q targetID: %q", method, targetID)
		sCtx, span := t.Start(ctx, method, opts...)

		return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: method}
	}

	traceID := GetTraceID(trace.SpanContextFromContext(ls.ctx))
	t.logger.Debugf("TraceCommand: with live span spanName: %q traceID: %q targetID: %q", method, traceID, targetID)
	sCtx, span := t.Start(ls.ctx, method, opts...)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: method}
}

// TraceNavigation starts the span of a navigation of the given target and
// records it as the target's liveSpan. If there was already a liveSpan for
// the targetID, it is ended first. The span is ended with EndNavigation.
func (t *Tracer) TraceNavigation(
	ctx context.Context, targetID string, url string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[targetID]; ls != nil {
		ls.span.End()
	}

	opts = append(opts, trace.WithAttributes(attribute.String("navigation.url", url)))

	spanName := "navigation"
	ls := &liveSpan{}
	ls.ctx, ls.span = t.Start(ctx, spanName, opts...)
	ls.span = &SpanLogger{Span: ls.span, logger: t.logger, spanName: spanName}
	t.liveSpans[targetID] = ls

	traceID := GetTraceID(trace.SpanContextFromContext(ls.ctx))
	t.logger.Debugf("TraceNavigation: spanName: %q traceID: %q targetID: %q", spanName, traceID, targetID)

	return ls.ctx, ls.span
}

// AddEvent adds the given event to the liveSpan of targetID.
//
// The event is ignored if there is no liveSpan for the target, or if the
// liveSpan's ID is not spanID, which means the target navigated again
// since the event's navigation started.
func (t *Tracer) AddEvent(targetID string, eventName string, spanID string, opts ...trace.EventOption) {
	t.liveSpansMu.RLock()
	defer t.liveSpansMu.RUnlock()

	ls := t.liveSpans[targetID]
	if ls == nil {
		t.logger.Debugf("AddEvent: no live span event: %q targetID: %q", eventName, targetID)
		return
	}
	if sid := ls.span.SpanContext().SpanID().String(); sid != spanID {
		t.logger.Debugf("AddEvent: skipping event %q for span %q, live span is %q", eventName, spanID, sid)
		return
	}

	ls.span.AddEvent(eventName, opts...)
}

// EndNavigation ends the liveSpan of targetID if its ID is spanID.
func (t *Tracer) EndNavigation(targetID string, spanID string, opts ...trace.SpanEndOption) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[targetID]
	if ls == nil || ls.span.SpanContext().SpanID().String() != spanID {
		return
	}
	ls.span.End(opts...)
	delete(t.liveSpans, targetID)
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   logrus.FieldLogger
	spanName string
}

// SetStatus will log some info before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("SetStatus: spanName: %q traceID: %q code: %q description: %q", i.spanName, traceID, code, description)

	i.Span.SetStatus(code, description)
}

// End will log some info before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("End: spanName: %q traceID: %q", i.spanName, traceID)

	i.Span.End(options...)
}

// RecordError will log some info before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("RecordError: spanName: %q traceID: %q err: %q", i.spanName, traceID, err)

	i.Span.RecordError(err, options...)
}
