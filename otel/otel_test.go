package otel

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceProviderStdout(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTraceProvider(context.Background(), Config{Exporter: "stdout", Writer: &buf})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "navigation")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"navigation"`)
	assert.Contains(t, buf.String(), serviceName)
}

func TestNewTraceProviderNoop(t *testing.T) {
	for _, exporter := range []string{"", "none", "NONE"} {
		tp, err := NewTraceProvider(context.Background(), Config{Exporter: exporter})
		require.NoError(t, err)

		_, span := tp.Tracer("test").Start(context.Background(), "navigation")
		assert.False(t, span.IsRecording())
		assert.NoError(t, tp.Shutdown(context.Background()))
	}
}

func TestNewTraceProviderUnsupported(t *testing.T) {
	t.Parallel()

	_, err := NewTraceProvider(context.Background(), Config{Exporter: "grpc"})
	assert.ErrorIs(t, err, ErrUnsupportedExporter)
}
