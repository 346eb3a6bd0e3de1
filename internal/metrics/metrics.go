// Package metrics exposes Prometheus collectors for the poll pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "issuebot"

var (
	once sync.Once

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by result (ok/failed/halted/skipped).",
		},
		[]string{"result"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of completed poll cycles.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issue_fetches_total",
			Help:      "Repository issue fetches by result (ok/not_found/rate_limited/transient/fatal).",
		},
		[]string{"result"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Issue notifications by result (sent/failed).",
		},
		[]string{"result"},
	)

	watermarkCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watermark_commits_total",
			Help:      "Watermark commits by result (committed/skipped/failed).",
		},
		[]string{"result"},
	)

	pollerHalted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poller_halted",
			Help:      "1 while polling is halted after a fatal GitHub failure.",
		},
	)

	subscriptionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Number of (chat, repository) subscriptions.",
		},
	)

	repositoriesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "repositories",
			Help:      "Number of distinct repositories polled per cycle.",
		},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			cyclesTotal, cycleDuration, fetchesTotal,
			notificationsTotal, watermarkCommitsTotal, pollerHalted,
			subscriptionsGauge, repositoriesGauge,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncCycle counts a finished poll cycle by result.
func IncCycle(result string) {
	cyclesTotal.WithLabelValues(result).Inc()
}

// ObserveCycle records how long a poll cycle took.
func ObserveCycle(d time.Duration) {
	cycleDuration.Observe(d.Seconds())
}

// IncFetch counts a repository fetch by result.
func IncFetch(result string) {
	fetchesTotal.WithLabelValues(result).Inc()
}

// IncNotification counts a notification attempt by result.
func IncNotification(result string) {
	notificationsTotal.WithLabelValues(result).Inc()
}

// IncCommit counts a watermark commit by result.
func IncCommit(result string) {
	watermarkCommitsTotal.WithLabelValues(result).Inc()
}

// SetHalted records whether polling is halted.
func SetHalted(halted bool) {
	if halted {
		pollerHalted.Set(1)
		return
	}
	pollerHalted.Set(0)
}

// SetSubscriptions records the current subscription counts.
func SetSubscriptions(subscriptions, repositories int) {
	subscriptionsGauge.Set(float64(subscriptions))
	repositoriesGauge.Set(float64(repositories))
}
