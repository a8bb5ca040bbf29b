package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_tasks_started_total",
			Help: "Total number of research tasks accepted",
		},
	)

	TasksRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_rejected_total",
			Help: "Total number of start requests rejected before a task was created",
		},
		[]string{"reason"},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_finished_total",
			Help: "Total number of research tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_tasks_active",
			Help: "Number of research tasks currently running",
		},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_task_duration_seconds",
			Help:    "Wall time from creation to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_task_tokens_used",
			Help:    "Number of LLM tokens used per task",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_phase_duration_seconds",
			Help:    "Time spent in each research phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	IterationsPerTask = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_iterations_per_task",
			Help:    "Number of search rounds executed per task",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	// Subagent metrics
	SubagentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_subagents_active",
			Help: "Number of search subagents currently holding a slot",
		},
	)

	SubagentResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_subagent_results_total",
			Help: "Subagent outcomes",
		},
		[]string{"result"},
	)

	SubagentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_subagent_duration_seconds",
			Help:    "Subagent execution time",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Gateway metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_llm_calls_total",
			Help: "Language-model gateway calls",
		},
		[]string{"status"},
	)

	LLMRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_llm_retries_total",
			Help: "Language-model calls retried after a retryable failure",
		},
	)

	LLMTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_llm_tokens_total",
			Help: "Tokens reported by the language-model gateway",
		},
	)

	LLMLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_llm_latency_seconds",
			Help:    "Language-model gateway call latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	SearchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_search_calls_total",
			Help: "Search gateway calls",
		},
		[]string{"status"},
	)

	SearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_search_latency_seconds",
			Help:    "Search gateway call latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Citation metrics
	CitationsBuilt = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_citations_per_report",
			Help:    "Number of citations assigned per report",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	CitationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_citation_checks_total",
			Help: "Citation reachability checks",
		},
		[]string{"verified"},
	)

	// Result store metrics
	StoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_store_operations_total",
			Help: "Result store operations per layer",
		},
		[]string{"layer", "op", "result"},
	)

	StoreL1Size = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_store_l1_entries",
			Help: "Entries held in the in-process result cache",
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_events_published_total",
			Help: "Progress events published per sink",
		},
		[]string{"sink"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_events_dropped_total",
			Help: "Progress events dropped because a subscriber was slow or a sink failed",
		},
		[]string{"sink"},
	)
)

// RecordTaskFinished records metrics for a task reaching a terminal status.
func RecordTaskFinished(status string, durationSeconds float64, tokensUsed int, iterations int) {
	TasksFinished.WithLabelValues(status).Inc()
	TaskDuration.WithLabelValues(status).Observe(durationSeconds)
	if tokensUsed > 0 {
		TaskTokensUsed.Observe(float64(tokensUsed))
	}
	if iterations > 0 {
		IterationsPerTask.Observe(float64(iterations))
	}
}

// RecordLLMCall records one language-model gateway attempt.
func RecordLLMCall(status string, durationSeconds float64, tokens int) {
	LLMCalls.WithLabelValues(status).Inc()
	LLMLatency.Observe(durationSeconds)
	if tokens > 0 {
		LLMTokens.Add(float64(tokens))
	}
}

// RecordSearchCall records one search gateway attempt.
func RecordSearchCall(status string, durationSeconds float64) {
	SearchCalls.WithLabelValues(status).Inc()
	SearchLatency.Observe(durationSeconds)
}

// RecordStoreOp records a result store layer access. result is one of
// hit, miss, ok or error.
func RecordStoreOp(layer, op, result string) {
	StoreOps.WithLabelValues(layer, op, result).Inc()
}
