package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptforge/promptforge/pkg/types"
)

// Collector exposes Prometheus metrics for operations, optimization
// jobs and raised alerts.
type Collector struct {
	operations *prometheus.CounterVec
	opLatency  prometheus.Histogram
	tokensUsed prometheus.Counter

	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobsPending   prometheus.Gauge
	jobsRunning   prometheus.Gauge

	alertsRaised *prometheus.CounterVec
}

// NewCollector creates and registers all metrics on the default
// registerer.
func NewCollector() *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptforge_operations_total",
			Help: "Total number of recorded operations by type and outcome",
		}, []string{"operation", "outcome"}),
		opLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "promptforge_operation_latency_seconds",
			Help:    "Operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		tokensUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_tokens_used_total",
			Help: "Total tokens consumed by recorded operations",
		}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_jobs_submitted_total",
			Help: "Total number of optimization jobs submitted",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_jobs_completed_total",
			Help: "Total number of optimization jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_jobs_failed_total",
			Help: "Total number of optimization jobs failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptforge_jobs_cancelled_total",
			Help: "Total number of optimization jobs cancelled",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptforge_jobs_pending",
			Help: "Current number of pending optimization jobs",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptforge_jobs_running",
			Help: "Current number of running optimization jobs",
		}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptforge_alerts_raised_total",
			Help: "Total number of performance alerts raised by type and severity",
		}, []string{"type", "severity"}),
	}

	prometheus.MustRegister(c.operations)
	prometheus.MustRegister(c.opLatency)
	prometheus.MustRegister(c.tokensUsed)
	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobsFailed)
	prometheus.MustRegister(c.jobsCancelled)
	prometheus.MustRegister(c.jobsPending)
	prometheus.MustRegister(c.jobsRunning)
	prometheus.MustRegister(c.alertsRaised)

	return c
}

// ObserveOperation records one metric entry.
func (c *Collector) ObserveOperation(entry types.MetricEntry) {
	outcome := "success"
	if !entry.Success {
		outcome = "failure"
	}
	c.operations.WithLabelValues(string(entry.Operation), outcome).Inc()
	c.opLatency.Observe(entry.Latency.Seconds())
	if entry.TokensUsed != nil {
		c.tokensUsed.Add(float64(*entry.TokensUsed))
	}
}

// RecordSubmitted records a job submission.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordJobOutcome records a terminal job transition.
func (c *Collector) RecordJobOutcome(status types.JobStatus) {
	switch status {
	case types.StatusCompleted:
		c.jobsCompleted.Inc()
	case types.StatusFailed:
		c.jobsFailed.Inc()
	case types.StatusCancelled:
		c.jobsCancelled.Inc()
	}
}

// UpdateQueueStats updates the queue depth gauges.
func (c *Collector) UpdateQueueStats(pending, running int) {
	c.jobsPending.Set(float64(pending))
	c.jobsRunning.Set(float64(running))
}

// RecordAlert records a raised performance alert.
func (c *Collector) RecordAlert(t types.AlertType, sev types.AlertSeverity) {
	c.alertsRaised.WithLabelValues(string(t), string(sev)).Inc()
}

// StartServer exposes /metrics on the given port. Blocks; run it on its
// own goroutine.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
