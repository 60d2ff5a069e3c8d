package common

import (
	"context"
	"io"
	"testing"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/grafana/xk6-pageload/log"
	"github.com/grafana/xk6-pageload/metrics"
	"github.com/grafana/xk6-pageload/trace"
)

// targetSession is a fakeSession attached to a known target.
type targetSession struct {
	*fakeSession
}

func (targetSession) TargetID() target.ID { return "T1" }

func TestGotoURLInstrumentation(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	l := logrus.New()
	l.SetOutput(io.Discard)
	m := metrics.RegisterNavigationMetrics(prometheus.NewRegistry())

	s := newFakeSession()
	s.onCommand(cdppage.CommandNavigate, func() {
		s.frameNavigated(mainFrameID, "", "http://example.com/")
		s.frameNavigated(mainFrameID, "", "https://example.com/")
		s.loaded()
	})

	n := NewNavigator(targetSession{s},
		WithClock(newTestClock()),
		WithLogger(log.NewNullLogger()),
		WithTracer(trace.NewTracer(l, tp, nil)),
		WithMetrics(m),
	)
	rec, err := n.GotoURL(context.Background(), "http://example.com/", NewNavigationOptions())
	require.NoError(t, err)
	require.Len(t, rec.Warnings, 1)

	var navigation sdktrace.ReadOnlySpan
	var commands []string
	for _, span := range sr.Ended() {
		if span.Name() == "navigation" {
			navigation = span
			continue
		}
		commands = append(commands, span.Name())
	}
	require.NotNil(t, navigation, "navigation span not ended")
	assert.Equal(t, []string{
		cdppage.CommandEnable,
		cdppage.CommandSetLifecycleEventsEnabled,
		cdppage.CommandNavigate,
		cdppage.CommandGetFrameTree,
	}, commands)

	var events []string
	for _, e := range navigation.Events() {
		events = append(events, e.Name)
	}
	assert.Equal(t, []string{"signal:navigated", "signal:load"}, events)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Navigations.WithLabelValues(metrics.OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Warnings.WithLabelValues(string(NavigationWarningURLMismatch))))
	assert.Equal(t, 2, testutil.CollectAndCount(m.SignalLatency))
}

func TestGotoURLInstrumentationFailure(t *testing.T) {
	t.Parallel()

	m := metrics.RegisterNavigationMetrics(prometheus.NewRegistry())
	s := newFakeSession()
	s.errors[cdppage.CommandEnable] = assert.AnError

	_, err := NewNavigator(s, WithClock(newTestClock()), WithMetrics(m)).
		GotoURL(context.Background(), "https://example.com/", NewNavigationOptions())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Navigations.WithLabelValues(metrics.OutcomeFailed)))
	assert.Equal(t, []string{cdppage.CommandEnable}, s.sent())
	assert.Zero(t, s.listenerCount())
}
