package scheduler

import "github.com/prometheus/client_golang/prometheus"

// scheduledRepos is a Gauge of repositories with an active timer
var scheduledRepos prometheus.Gauge

// EnableMetrics will enable scheduler metrics.
//   - mirror_scheduled_repositories
//     A Gauge of number of repositories with an active sync timer.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	scheduledRepos = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_scheduled_repositories",
		Help:      "Number of repositories with an active sync timer",
	})
	registerer.MustRegister(scheduledRepos)
}

func recordScheduled(n int) {
	if scheduledRepos == nil {
		return
	}
	scheduledRepos.Set(float64(n))
}
