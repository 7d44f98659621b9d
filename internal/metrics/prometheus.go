package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the pipeline
var (
	// stageDuration measures each pipeline stage.
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compendium_stage_duration_seconds",
		Help:    "Pipeline stage duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
	}, []string{"stage", "outcome"})

	// llmCallDuration measures successful model calls.
	llmCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compendium_llm_call_duration_seconds",
		Help:    "Model call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// llmTokens counts tokens reported by the provider.
	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compendium_llm_tokens_total",
		Help: "Total number of tokens used by model calls",
	}, []string{"stage", "direction"})

	// llmRetries counts gateway retries.
	llmRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compendium_llm_retries_total",
		Help: "Total number of model call retries",
	}, []string{"stage", "reason"})

	// llmFailures counts calls that ended without a usable response.
	llmFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compendium_llm_failures_total",
		Help: "Total number of failed model calls",
	}, []string{"stage", "reason"})

	// jobsTotal counts jobs by the status they reached.
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compendium_jobs_total",
		Help: "Total number of job status transitions",
	}, []string{"status"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
