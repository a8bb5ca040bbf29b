// Package pool runs one round of search subagents with bounded concurrency.
package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

// SearchFunc executes one subtopic.
type SearchFunc func(ctx context.Context, subtopic string) ([]state.Source, error)

// Assignment is one subtopic handed to a named subagent.
type Assignment struct {
	AgentID  string
	Subtopic string
}

// Hooks observe subagent lifecycle. Both may be nil and must be safe for
// concurrent use.
type Hooks struct {
	OnStart  func(a Assignment)
	OnFinish func(a Assignment, f state.Finding)
}

// Config controls one round.
type Config struct {
	// MaxConcurrency is the per-task cap, normally the task's max_subagents.
	MaxConcurrency int
	// Round is recorded on every finding.
	Round int
}

// Pool shares a process-wide concurrency budget across all tasks. A nil
// global semaphore means only the per-task cap applies.
type Pool struct {
	global *semaphore.Weighted
	logger *zap.Logger
}

// New creates a pool. globalLimit <= 0 disables the process-wide cap.
func New(globalLimit int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{logger: logger}
	if globalLimit > 0 {
		p.global = semaphore.NewWeighted(int64(globalLimit))
	}
	return p
}

// RunRound executes every assignment and returns exactly one finding per
// assignment, in assignment order. Individual failures are recorded on the
// finding, never returned. Once stop closes no new subagent is dispatched;
// those not yet started are reported with context.Canceled. In-flight
// searches run to completion under ctx.
func (p *Pool) RunRound(ctx context.Context, stop <-chan struct{}, assignments []Assignment, cfg Config, search SearchFunc, hooks Hooks) []state.Finding {
	findings := make([]state.Finding, len(assignments))
	for i, a := range assignments {
		findings[i] = state.Finding{Subtopic: a.Subtopic, AgentID: a.AgentID, Round: cfg.Round, Err: context.Canceled}
	}

	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for i, a := range assignments {
		if halted(ctx, stop) {
			break
		}
		g.Go(func() error {
			if p.global != nil {
				if err := p.global.Acquire(ctx, 1); err != nil {
					findings[i].Err = err
					return nil
				}
				defer p.global.Release(1)
			}
			if halted(ctx, stop) {
				return nil
			}
			findings[i] = p.runOne(ctx, a, cfg.Round, search, hooks)
			return nil
		})
	}
	_ = g.Wait()
	return findings
}

func (p *Pool) runOne(ctx context.Context, a Assignment, round int, search SearchFunc, hooks Hooks) state.Finding {
	if hooks.OnStart != nil {
		hooks.OnStart(a)
	}
	metrics.SubagentsActive.Inc()
	start := time.Now()

	sources, err := search(ctx, a.Subtopic)

	metrics.SubagentsActive.Dec()
	metrics.SubagentDuration.Observe(time.Since(start).Seconds())
	f := state.Finding{Subtopic: a.Subtopic, AgentID: a.AgentID, Round: round, Sources: sources, Err: err}
	if err != nil {
		f.Sources = nil
		metrics.SubagentResults.WithLabelValues("failed").Inc()
		p.logger.Warn("Subagent failed",
			zap.String("agent_id", a.AgentID),
			zap.String("subtopic", a.Subtopic),
			zap.Error(err),
		)
	} else {
		metrics.SubagentResults.WithLabelValues("succeeded").Inc()
	}
	if hooks.OnFinish != nil {
		hooks.OnFinish(a, f)
	}
	return f
}

func halted(ctx context.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Sources flattens successful findings in order.
func Sources(findings []state.Finding) []state.Source {
	var out []state.Source
	for _, f := range findings {
		if f.Succeeded() {
			out = append(out, f.Sources...)
		}
	}
	return out
}

// Failed counts failed findings.
func Failed(findings []state.Finding) int {
	n := 0
	for _, f := range findings {
		if !f.Succeeded() {
			n++
		}
	}
	return n
}
