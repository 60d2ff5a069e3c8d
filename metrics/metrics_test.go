package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveNavigation(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := RegisterNavigationMetrics(reg)

	m.ObserveNavigation(OutcomeCompleted, 2*time.Second, 3, []string{"url-mismatch"})
	m.ObserveNavigation(OutcomeTimedOut, 45*time.Second, 1, []string{"timeout"})
	m.ObserveNavigation(OutcomeFailed, 0, 0, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Navigations.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Navigations.WithLabelValues(OutcomeTimedOut)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Navigations.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Warnings.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Warnings.WithLabelValues("url-mismatch")))

	// failed navigations have no duration
	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP pageload_navigation_redirect_hops Number of main frame URLs visited by a navigation.
# TYPE pageload_navigation_redirect_hops histogram
pageload_navigation_redirect_hops_bucket{le="1"} 1
pageload_navigation_redirect_hops_bucket{le="2"} 1
pageload_navigation_redirect_hops_bucket{le="3"} 2
pageload_navigation_redirect_hops_bucket{le="4"} 2
pageload_navigation_redirect_hops_bucket{le="5"} 2
pageload_navigation_redirect_hops_bucket{le="6"} 2
pageload_navigation_redirect_hops_bucket{le="7"} 2
pageload_navigation_redirect_hops_bucket{le="8"} 2
pageload_navigation_redirect_hops_bucket{le="+Inf"} 2
pageload_navigation_redirect_hops_sum 4
pageload_navigation_redirect_hops_count 2
`), "pageload_navigation_redirect_hops")
	require.NoError(t, err)
}

func TestObserveSignal(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := RegisterNavigationMetrics(reg)
	m.ObserveSignal("load", 300*time.Millisecond)
	m.ObserveSignal("load", 500*time.Millisecond)
	m.ObserveSignal("fcp", 100*time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(m.SignalLatency))

	n, err := testutil.GatherAndCount(reg, "pageload_signal_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *NavigationMetrics
	assert.NotPanics(t, func() {
		m.ObserveNavigation(OutcomeCompleted, time.Second, 1, []string{"timeout"})
		m.ObserveSignal("load", time.Second)
	})
}
