package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_evaluations_total",
			Help: "Total number of admission policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating admission policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_errors_total",
			Help: "Total number of policy evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	policyDryRunDivergence = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_dry_run_divergence_total",
			Help: "Requests a dry-run policy would have denied",
		},
		[]string{"divergence_type"},
	)

	policyLoadTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
		[]string{"policy_path"},
	)

	policyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_policy_files_loaded",
			Help: "Number of policy files currently loaded",
		},
		[]string{"policy_path"},
	)

	policyVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_policy_version_info",
			Help: "Hash of the loaded policy bundle",
		},
		[]string{"policy_path", "version_hash"},
	)

	policyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_policy_cache_hits_total",
			Help: "Total number of policy decision cache hits",
		},
	)

	policyCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_policy_cache_misses_total",
			Help: "Total number of policy decision cache misses",
		},
	)
)

// RecordEvaluation records a policy evaluation
func RecordEvaluation(decision string, mode string, duration float64) {
	policyEvaluations.WithLabelValues(decision, mode).Inc()
	policyEvaluationDuration.WithLabelValues(mode).Observe(duration)
}

// RecordError records a policy evaluation error
func RecordError(errorType string, mode string) {
	policyErrors.WithLabelValues(errorType, mode).Inc()
}

// RecordDryRunDivergence records a dry-run deny that was let through
func RecordDryRunDivergence(divergenceType string) {
	policyDryRunDivergence.WithLabelValues(divergenceType).Inc()
}

// RecordPolicyLoad records successful policy loading
func RecordPolicyLoad(policyPath string, count int, timestamp float64, versionHash string) {
	policyLoadTime.WithLabelValues(policyPath).Set(timestamp)
	policyCount.WithLabelValues(policyPath).Set(float64(count))
	policyVersion.WithLabelValues(policyPath, versionHash).Set(1)
}

// RecordCacheHit records a decision cache hit
func RecordCacheHit() { policyCacheHits.Inc() }

// RecordCacheMiss records a decision cache miss
func RecordCacheMiss() { policyCacheMisses.Inc() }
