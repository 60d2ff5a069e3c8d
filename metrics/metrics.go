// Package metrics exposes Prometheus collectors for page navigations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pageload"

// Navigation outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeTimedOut  = "timed_out"
	OutcomeFailed    = "failed"
)

// NavigationMetrics are the collectors updated by every navigation.
type NavigationMetrics struct {
	Navigations   *prometheus.CounterVec
	Duration      prometheus.Histogram
	RedirectHops  prometheus.Histogram
	Warnings      *prometheus.CounterVec
	SignalLatency *prometheus.HistogramVec
}

// RegisterNavigationMetrics creates the navigation collectors and registers
// them with reg. A nil reg leaves them unregistered.
func RegisterNavigationMetrics(reg prometheus.Registerer) *NavigationMetrics {
	f := promauto.With(reg)
	return &NavigationMetrics{
		Navigations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigations_total",
			Help:      "Number of navigations by outcome.",
		}, []string{"outcome"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "navigation_duration_seconds",
			Help:      "Time from the navigate command until completion or timeout.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		RedirectHops: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "navigation_redirect_hops",
			Help:      "Number of main frame URLs visited by a navigation.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		Warnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigation_warnings_total",
			Help:      "Number of navigation warnings by kind.",
		}, []string{"kind"}),
		SignalLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_latency_seconds",
			Help:      "Time from the start of a navigation until a completion signal resolved.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"signal"}),
	}
}

// ObserveNavigation records a finished navigation.
func (m *NavigationMetrics) ObserveNavigation(outcome string, d time.Duration, hops int, warnings []string) {
	if m == nil {
		return
	}
	m.Navigations.WithLabelValues(outcome).Inc()
	if outcome == OutcomeFailed {
		return
	}
	m.Duration.Observe(d.Seconds())
	m.RedirectHops.Observe(float64(hops))
	for _, w := range warnings {
		m.Warnings.WithLabelValues(w).Inc()
	}
}

// ObserveSignal records how long after the start of its navigation a signal
// resolved.
func (m *NavigationMetrics) ObserveSignal(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.SignalLatency.WithLabelValues(name).Observe(d.Seconds())
}
