package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

var (
	// lastSuccessTimestamp is a Gauge that captures the timestamp of the last
	// successful sync
	lastSuccessTimestamp *prometheus.GaugeVec
	// syncCount is a Counter vector of sync attempts
	syncCount *prometheus.CounterVec
	// syncLatency is a Histogram vector that keeps track of sync durations
	syncLatency *prometheus.HistogramVec
	// statusChanges is a Counter vector of emitted status changes
	statusChanges *prometheus.CounterVec
	// skippedCount is a Counter vector of attempts skipped because another
	// attempt for the same repository was running
	skippedCount *prometheus.CounterVec
	// inFlight is a Gauge of running sync attempts
	inFlight prometheus.Gauge
)

// EnableMetrics will enable metrics collection for sync attempts.
// Available metrics are...
//   - mirror_last_success_timestamp - (tags: repo)
//     A Gauge that captures the Timestamp of the last successful sync per repo.
//   - mirror_sync_count - (tags: repo,result)
//     A Counter for each sync attempt tagged with the result.
//   - mirror_sync_latency_seconds - (tags: repo)
//     A Histogram that keeps track of the sync latency per repo.
//   - mirror_status_change_count - (tags: repo,from,to)
//     A Counter of status changes.
//   - mirror_sync_skipped_count - (tags: repo)
//     A Counter of attempts skipped due to an overlapping attempt.
//   - mirror_sync_in_flight
//     A Gauge of currently running attempts.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	lastSuccessTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_last_success_timestamp",
		Help:      "Timestamp of the last successful mirror sync",
	},
		[]string{
			// id of the repository
			"repo",
		},
	)

	syncCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_sync_count",
		Help:      "Count of mirror sync attempts",
	},
		[]string{
			"repo",
			// SUCCESS, FAILED_UPDATES or FAILED
			"result",
		},
	)

	syncLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_sync_latency_seconds",
		Help:      "Latency of mirror sync attempts",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	},
		[]string{"repo"},
	)

	statusChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_status_change_count",
		Help:      "Count of mirror status changes",
	},
		[]string{"repo", "from", "to"},
	)

	skippedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_sync_skipped_count",
		Help:      "Count of sync attempts skipped because another attempt was running",
	},
		[]string{"repo"},
	)

	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_sync_in_flight",
		Help:      "Number of running mirror sync attempts",
	})

	registerer.MustRegister(
		lastSuccessTimestamp,
		syncCount,
		syncLatency,
		statusChanges,
		skippedCount,
		inFlight,
	)
}

// recordSync records a sync attempt by updating all the relevant metrics
func recordSync(repo string, result mirror.Result, duration time.Duration) {
	// if metrics not enabled return
	if syncCount == nil {
		return
	}
	if result == mirror.ResultSuccess {
		lastSuccessTimestamp.WithLabelValues(repo).Set(float64(time.Now().Unix()))
	}
	syncCount.WithLabelValues(repo, string(result)).Inc()
	syncLatency.WithLabelValues(repo).Observe(duration.Seconds())
}

func recordStatusChange(c mirror.StatusChange) {
	if statusChanges == nil {
		return
	}
	statusChanges.WithLabelValues(c.RepositoryID, string(c.Previous), string(c.New)).Inc()
}

func recordSkipped(repo string) {
	if skippedCount == nil {
		return
	}
	skippedCount.WithLabelValues(repo).Inc()
}

func addInFlight(delta float64) {
	if inFlight == nil {
		return
	}
	inFlight.Add(delta)
}
