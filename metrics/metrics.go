// Package metrics declares the Prometheus collectors shared by the
// code story components. Collectors are package-level and registered
// once at init; components update them directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Graph store metrics
	GraphQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codestory_graph_queries_total",
			Help: "Total graph queries by operation and success",
		},
		[]string{"operation", "success"},
	)

	GraphQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codestory_graph_query_duration_seconds",
			Help:    "Graph query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	GraphConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codestory_graph_connections",
			Help: "Open graph store sessions",
		},
	)

	// LLM metrics
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codestory_llm_requests_total",
			Help: "Total LLM requests by provider and success",
		},
		[]string{"provider", "success"},
	)

	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codestory_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	// Task and job metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codestory_tasks_total",
			Help: "Task state transitions by step and state",
		},
		[]string{"step", "state"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codestory_step_duration_seconds",
			Help:    "Wall-clock step duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"step"},
	)

	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codestory_jobs_active",
			Help: "Ingestion jobs currently running",
		},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codestory_events_published_total",
			Help: "Progress events published by channel class",
		},
		[]string{"channel"},
	)
)

func init() {
	prometheus.MustRegister(GraphQueriesTotal)
	prometheus.MustRegister(GraphQueryDuration)
	prometheus.MustRegister(GraphConnections)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(JobsActive)
	prometheus.MustRegister(EventsPublished)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
