package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestCollectorTracksRegisteredBreakers(t *testing.T) {
	mc := NewMetricsCollector()

	var hooked int
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.Timeout = time.Hour
	config.OnStateChange = func(string, State, State) { hooked++ }

	llm := NewCircuitBreaker("gateway", config, zaptest.NewLogger(t))
	search := NewCircuitBreaker("gateway", DefaultConfig(), zaptest.NewLogger(t))
	mc.RegisterCircuitBreaker("gateway", "llm", llm)
	mc.RegisterCircuitBreaker("gateway", "search", search)

	assert.Equal(t, map[string]State{
		"llm:gateway":    StateClosed,
		"search:gateway": StateClosed,
	}, mc.Snapshot())

	_ = llm.Execute(context.Background(), func() error { return errors.New("upstream down") })
	mc.RecordRequest("gateway", "llm", llm.State(), false)
	mc.UpdateMetrics()

	assert.Equal(t, 1, hooked, "existing state change hook still runs")
	snap := mc.Snapshot()
	assert.Equal(t, StateOpen, snap["llm:gateway"])
	assert.Equal(t, StateClosed, snap["search:gateway"])
}
