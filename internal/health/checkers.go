package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/circuitbreaker"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/db"
)

// slowThreshold marks a responding dependency as degraded.
const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks the event stream Redis. Losing it only loses
// event fan-out, so it is not critical.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(client redis.UniversalClient, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	err := r.client.Ping(ctx).Err()
	return latencyResult("Redis", time.Since(startTime), err, nil)
}

// DatabaseHealthChecker checks the authoritative PostgreSQL store
type DatabaseHealthChecker struct {
	client  *db.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(client *db.Client, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{client: client, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	if d.client.Breaker().State() == circuitbreaker.StateOpen {
		return CheckResult{
			Status:   StatusUnhealthy,
			Error:    "circuit breaker open",
			Message:  "Database circuit breaker is open",
			Duration: time.Since(startTime),
		}
	}

	err := d.client.Ping(ctx)
	stats := d.client.Stats()
	details := map[string]interface{}{
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"idle_connections":     stats.Idle,
		"in_use_connections":   stats.InUse,
	}
	result := latencyResult("Database", time.Since(startTime), err, details)
	if err == nil && stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	}
	return result
}

// Pinger is anything with a connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingHealthChecker adapts a Pinger, such as the SQLite cache, to Checker.
type PingHealthChecker struct {
	name     string
	label    string
	critical bool
	pinger   Pinger
	timeout  time.Duration
}

// NewPingHealthChecker creates a checker named name around pinger.
func NewPingHealthChecker(name, label string, critical bool, pinger Pinger) *PingHealthChecker {
	return &PingHealthChecker{name: name, label: label, critical: critical, pinger: pinger, timeout: 5 * time.Second}
}

func (p *PingHealthChecker) Name() string           { return p.name }
func (p *PingHealthChecker) IsCritical() bool       { return p.critical }
func (p *PingHealthChecker) Timeout() time.Duration { return p.timeout }

func (p *PingHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	err := p.pinger.Ping(ctx)
	return latencyResult(p.label, time.Since(startTime), err, nil)
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}

// UpstreamHealthChecker reports degraded while any gateway circuit breaker
// is not closed. Tasks still run, with subagents failing fast.
type UpstreamHealthChecker struct {
	states func() map[string]circuitbreaker.State
}

func NewUpstreamHealthChecker(states func() map[string]circuitbreaker.State) *UpstreamHealthChecker {
	return &UpstreamHealthChecker{states: states}
}

func (u *UpstreamHealthChecker) Name() string           { return "upstreams" }
func (u *UpstreamHealthChecker) IsCritical() bool       { return false }
func (u *UpstreamHealthChecker) Timeout() time.Duration { return time.Second }

func (u *UpstreamHealthChecker) Check(ctx context.Context) CheckResult {
	details := map[string]interface{}{}
	var tripped []string
	for key, st := range u.states() {
		details[key] = st.String()
		if st != circuitbreaker.StateClosed {
			tripped = append(tripped, key)
		}
	}
	if len(tripped) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "all upstream breakers closed", Details: details}
	}
	sort.Strings(tripped)
	return CheckResult{
		Status:  StatusDegraded,
		Message: fmt.Sprintf("breakers not closed: %s", strings.Join(tripped, ", ")),
		Details: details,
	}
}

func latencyResult(label string, latency time.Duration, err error, details map[string]interface{}) CheckResult {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["latency_ms"] = latency.Milliseconds()
	result := CheckResult{Duration: latency, Details: details}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = label + " ping failed"
	case latency > slowThreshold:
		result.Status = StatusDegraded
		result.Message = label + " responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = label + " healthy"
	}
	return result
}
