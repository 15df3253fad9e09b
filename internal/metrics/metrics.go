package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	logsAnalyzedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loganomaly",
			Name:      "logs_analyzed_total",
			Help:      "Total number of log lines analyzed, partitioned by service.",
		},
		[]string{"service"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loganomaly",
			Name:      "anomalies_total",
			Help:      "Total number of anomalies detected, partitioned by service and type.",
		},
		[]string{"service", "type"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "loganomaly",
			Name:      "analysis_seconds",
			Help:      "Batch analysis latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	patternsTracked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loganomaly",
			Name:      "patterns_tracked",
			Help:      "Unique patterns currently held per service.",
		},
		[]string{"service"},
	)
)

// Register attaches the engine's collectors to the supplied Prometheus
// registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		logsAnalyzedTotal,
		anomaliesTotal,
		analysisDurationSeconds,
		patternsTracked,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnalysis records one batch analysis for a service.
func ObserveAnalysis(service string, logs int, duration time.Duration) {
	logsAnalyzedTotal.WithLabelValues(service).Add(float64(logs))
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// CountAnomaly increments the per-type anomaly counter.
func CountAnomaly(service, anomalyType string) {
	anomaliesTotal.WithLabelValues(service, anomalyType).Inc()
}

// SetPatternsTracked records the current registry size for a service.
func SetPatternsTracked(service string, count int) {
	patternsTracked.WithLabelValues(service).Set(float64(count))
}
