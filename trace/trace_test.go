package trace

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	l := logrus.New()
	l.SetOutput(io.Discard)

	return NewTracer(l, tp, map[string]string{"test": "yes"}), sr
}

func TestTraceNavigation(t *testing.T) {
	t.Parallel()

	tr, sr := newTestTracer(t)

	ctx, nav := tr.TraceNavigation(context.Background(), "T1", "https://example.com")
	spanID := nav.SpanContext().SpanID().String()

	_, cmd := tr.TraceCommand(ctx, "T1", "Page.navigate")
	cmd.End()

	tr.AddEvent("T1", "signal:navigated", spanID)
	tr.AddEvent("T1", "signal:stale", "0000000000000000")
	tr.AddEvent("T2", "signal:other_target", spanID)
	tr.EndNavigation("T1", spanID)

	ended := sr.Ended()
	require.Len(t, ended, 2)

	command, navigation := ended[0], ended[1]
	assert.Equal(t, "Page.navigate", command.Name())
	assert.Equal(t, "navigation", navigation.Name())
	assert.Equal(t, navigation.SpanContext().SpanID(), command.Parent().SpanID())
	assert.Contains(t, navigation.Attributes(), attribute.String("test", "yes"))
	assert.Contains(t, navigation.Attributes(), attribute.String("navigation.url", "https://example.com"))
	assert.Contains(t, command.Attributes(), attribute.String("cdp.method", "Page.navigate"))

	events := navigation.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "signal:navigated", events[0].Name)
}

func TestTraceNavigationEndsPreviousSpan(t *testing.T) {
	t.Parallel()

	tr, sr := newTestTracer(t)

	_, first := tr.TraceNavigation(context.Background(), "T1", "https://a.example.com")
	firstID := first.SpanContext().SpanID().String()
	_, second := tr.TraceNavigation(context.Background(), "T1", "https://b.example.com")
	secondID := second.SpanContext().SpanID().String()

	require.Len(t, sr.Ended(), 1, "the first navigation span must end")

	// events and ends of the first navigation no longer apply
	tr.AddEvent("T1", "signal:load", firstID)
	tr.EndNavigation("T1", firstID)
	require.Len(t, sr.Ended(), 1)

	tr.EndNavigation("T1", secondID)
	require.Len(t, sr.Ended(), 2)
	assert.Empty(t, sr.Ended()[1].Events())
}

func TestTraceCommandWithoutNavigation(t *testing.T) {
	t.Parallel()

	tr, sr := newTestTracer(t)

	_, span := tr.TraceCommand(context.Background(), "T1", "Target.createTarget")
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.False(t, ended[0].Parent().IsValid(), "must be a root span")
}

func TestNoopTracer(t *testing.T) {
	t.Parallel()

	tr := NewNoopTracer()
	_, span := tr.TraceNavigation(context.Background(), "T1", "https://example.com")
	assert.False(t, span.IsRecording())
	assert.Empty(t, GetTraceID(span.SpanContext()))
	tr.EndNavigation("T1", span.SpanContext().SpanID().String())
}
