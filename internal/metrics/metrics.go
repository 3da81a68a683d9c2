// Package metrics exposes pipeline counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests and multiple servers in one
// process never collide on the default registry.
type Collector struct {
	registry *prometheus.Registry

	Requests                *prometheus.CounterVec
	Validations             *prometheus.CounterVec
	HallucinationRejections prometheus.Counter
	BatchRequests           prometheus.Counter
	GenerationFallbacks     *prometheus.CounterVec
	PipelineDuration        prometheus.Histogram
	GenerationDuration      prometheus.Histogram
}

// New creates and registers every sarflow metric.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sarflow_requests_total",
			Help: "Alerts processed by the pipeline.",
		}, []string{"status"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sarflow_validation_total",
			Help: "Narrative validations by result.",
		}, []string{"result"}),
		HallucinationRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sarflow_hallucination_rejections_total",
			Help: "Narratives rejected for citing rules that did not trigger.",
		}),
		BatchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sarflow_batch_requests_total",
			Help: "Batch ingestion requests.",
		}),
		GenerationFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sarflow_generation_fallbacks_total",
			Help: "Template narratives used in place of generated ones.",
		}, []string{"reason"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sarflow_pipeline_duration_seconds",
			Help:    "End-to-end pipeline latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sarflow_generation_duration_seconds",
			Help:    "Narrative generation latency including fallbacks.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}

	c.registry.MustRegister(
		c.Requests,
		c.Validations,
		c.HallucinationRejections,
		c.BatchRequests,
		c.GenerationFallbacks,
		c.PipelineDuration,
		c.GenerationDuration,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObservePipeline records one pipeline run. status is the resulting case
// status or "ERROR".
func (c *Collector) ObservePipeline(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(status).Inc()
	c.PipelineDuration.Observe(d.Seconds())
}

// ObserveValidation counts a validation result.
func (c *Collector) ObserveValidation(passed bool) {
	if c == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	c.Validations.WithLabelValues(result).Inc()
}

// ObserveGeneration records generation latency and, when the template was
// used, the fallback reason.
func (c *Collector) ObserveGeneration(d time.Duration, fallbackReason string) {
	if c == nil {
		return
	}
	c.GenerationDuration.Observe(d.Seconds())
	if fallbackReason != "" {
		c.GenerationFallbacks.WithLabelValues(fallbackReason).Inc()
	}
}

// ObserveHallucination counts a guard rejection.
func (c *Collector) ObserveHallucination() {
	if c == nil {
		return
	}
	c.HallucinationRejections.Inc()
}

// ObserveBatch counts a batch request.
func (c *Collector) ObserveBatch() {
	if c == nil {
		return
	}
	c.BatchRequests.Inc()
}
