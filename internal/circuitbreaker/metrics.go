package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_circuit_breaker_state",
			Help: "Breaker state per upstream (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_circuit_breaker_requests_total",
			Help: "Upstream calls seen by a breaker, by breaker state and outcome",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_circuit_breaker_state_changes_total",
			Help: "Breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)
)

type upstream struct {
	name    string
	service string
	cb      *CircuitBreaker
}

// MetricsCollector tracks the breakers guarding upstream dependencies. It
// exports their state to Prometheus and to the upstream health checker.
type MetricsCollector struct {
	mu        sync.RWMutex
	upstreams map[string]upstream // "service:name"
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{upstreams: make(map[string]upstream)}
}

// RegisterCircuitBreaker tracks cb under service:name and chains a state
// change hook onto its config. Registering the same key again replaces the
// earlier breaker.
func (mc *MetricsCollector) RegisterCircuitBreaker(name, service string, cb *CircuitBreaker) {
	mc.mu.Lock()
	mc.upstreams[service+":"+name] = upstream{name: name, service: service, cb: cb}
	mc.mu.Unlock()

	next := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from, to State) {
		if next != nil {
			next(cbName, from, to)
		}
		breakerTransitions.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
	}
	breakerState.WithLabelValues(name, service).Set(float64(cb.State()))
}

// RecordRequest counts one upstream call made while the breaker was in state.
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerCalls.WithLabelValues(name, service, state.String(), result).Inc()
}

// UpdateMetrics refreshes the state gauge of every tracked breaker. Open
// breakers move to half-open lazily, so the admin server calls this before
// serving /metrics.
func (mc *MetricsCollector) UpdateMetrics() {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for _, u := range mc.upstreams {
		breakerState.WithLabelValues(u.name, u.service).Set(float64(u.cb.State()))
	}
}

// Snapshot returns the current state of every tracked breaker keyed by
// "service:name".
func (mc *MetricsCollector) Snapshot() map[string]State {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make(map[string]State, len(mc.upstreams))
	for key, u := range mc.upstreams {
		out[key] = u.cb.State()
	}
	return out
}

// GlobalMetricsCollector is shared by every breaker in the process.
var GlobalMetricsCollector = NewMetricsCollector()
