// ============================================================================
// Bulk-Analysis Metrics - Prometheus collector
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Counts jobs, units and poll failures, exposes them on /metrics
//
// Metric families:
//
//   1. Counters:
//      - bulk_analysis_jobs_started_total{mode}
//      - bulk_analysis_jobs_finished_total{status}
//      - bulk_analysis_units_total{result="succeeded"|"failed"}
//      - bulk_analysis_poll_transport_errors_total
//
//   2. Histograms:
//      - bulk_analysis_unit_latency_seconds (prometheus.DefBuckets)
//      - bulk_analysis_job_duration_seconds
//
//   3. Gauges (current job only):
//      - bulk_analysis_progress_processed
//      - bulk_analysis_progress_total
//
// Example queries:
//
//   # unit failure ratio
//   rate(bulk_analysis_units_total{result="failed"}[5m])
//     / rate(bulk_analysis_units_total[5m])
//
//   # jobs that ran out of time
//   increase(bulk_analysis_jobs_finished_total{status="timed-out"}[1h])
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bulk_analysis"

// Collector holds the Prometheus metrics of the coordinator.
type Collector struct {
	jobsStarted     *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	units           *prometheus.CounterVec
	transportErrors prometheus.Counter

	unitLatency prometheus.Histogram
	jobDuration prometheus.Histogram

	processed prometheus.Gauge
	total     prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of bulk jobs started, by mode",
		}, []string{"mode"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of bulk jobs that reached a terminal state, by status",
		}, []string{"status"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Total number of analysed units, by result",
		}, []string{"result"}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_transport_errors_total",
			Help:      "Total number of session polls that failed at the transport level",
		}),
		unitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_latency_seconds",
			Help:      "Latency of a single unit analysis in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from job start to terminal state in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		processed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_processed",
			Help:      "Units of the current job that reached a terminal outcome",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_total",
			Help:      "Units of the current job",
		}),
	}

	reg.MustRegister(
		c.jobsStarted,
		c.jobsFinished,
		c.units,
		c.transportErrors,
		c.unitLatency,
		c.jobDuration,
		c.processed,
		c.total,
	)
	return c
}

// RecordJobStarted counts a started job.
func (c *Collector) RecordJobStarted(mode string) {
	c.jobsStarted.WithLabelValues(mode).Inc()
}

// RecordJobTerminal counts a finished job and observes its duration.
func (c *Collector) RecordJobTerminal(status string, seconds float64) {
	c.jobsFinished.WithLabelValues(status).Inc()
	c.jobDuration.Observe(seconds)
}

// RecordUnit counts one unit outcome.
func (c *Collector) RecordUnit(success bool, latencySeconds float64) {
	result := "succeeded"
	if !success {
		result = "failed"
	}
	c.units.WithLabelValues(result).Inc()
	c.unitLatency.Observe(latencySeconds)
}

// RecordPollTransportError counts a failed poll tick.
func (c *Collector) RecordPollTransportError() {
	c.transportErrors.Inc()
}

// UpdateProgress sets the progress gauges.
func (c *Collector) UpdateProgress(processed, total int) {
	c.processed.Set(float64(processed))
	c.total.Set(float64(total))
}

// Handler serves the metrics gathered by g. A nil g serves the default
// gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port. It blocks like http.ListenAndServe.
func StartServer(port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
