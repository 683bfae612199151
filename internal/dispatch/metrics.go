package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	Submitted prometheus.Counter
	Rejected  prometheus.Counter
	Finished  *prometheus.CounterVec
	Retries   prometheus.Counter
	Queued    prometheus.Gauge
	Running   prometheus.Gauge
	Duration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convgraph",
			Subsystem: "dispatch",
			Name:      "jobs_submitted_total",
			Help:      "Generation jobs accepted into the queue.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convgraph",
			Subsystem: "dispatch",
			Name:      "jobs_rejected_total",
			Help:      "Generation jobs rejected because the queue was full.",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convgraph",
			Subsystem: "dispatch",
			Name:      "jobs_finished_total",
			Help:      "Generation jobs by outcome.",
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convgraph",
			Subsystem: "dispatch",
			Name:      "job_retries_total",
			Help:      "Generation attempts retried after a transient failure.",
		}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convgraph",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convgraph",
			Subsystem: "dispatch",
			Name:      "jobs_running",
			Help:      "Jobs currently held by a worker.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "convgraph",
			Subsystem: "dispatch",
			Name:      "job_duration_seconds",
			Help:      "Time from first attempt to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Rejected, m.Finished, m.Retries, m.Queued, m.Running, m.Duration)
	}
	return m
}
