package research

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/agents"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/pool"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/progress"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/tracing"
)

// errNoSources fails a task whose every search round came back empty.
var errNoSources = errors.New("no sources obtained")

// execute walks one task through every phase. It returns nil only once the
// tracker accepted Complete.
func (c *Coordinator) execute(ctx context.Context, h *handle, logger *zap.Logger) error {
	t := h.tracker
	task := t.Task()

	var subtopics []string
	err := c.phase(ctx, h, state.StatusPlanning, "planning: decomposing query", func(ctx context.Context) error {
		var err error
		subtopics, err = c.plan(ctx, h, task)
		return err
	})
	if err != nil {
		return err
	}
	c.persist(ctx, h, logger)

	if err := c.iterate(ctx, h, task, subtopics, logger); err != nil {
		return err
	}

	if len(t.Sources()) == 0 {
		return state.NewProviderError("search", false, errNoSources)
	}

	var (
		report  string
		sources []state.Source
	)
	err = c.phase(ctx, h, state.StatusSynthesizing, "synthesizing: writing report", func(ctx context.Context) error {
		sources = c.deps.Team.Citer.Dedupe(t.Sources())
		t.ReplaceSources(sources)
		var err error
		report, err = c.synthesize(ctx, h, task.Query, sources)
		return err
	})
	if err != nil {
		return err
	}
	c.persist(ctx, h, logger)

	return c.phase(ctx, h, state.StatusCiting, "citing: resolving references", func(ctx context.Context) error {
		t.AgentStarted(agents.CitationAgentID, c.deps.Team.Citer.Kind(), "build citations", 0)
		bundle, err := c.deps.Team.Citer.Cite(ctx, report, sources)
		t.AgentFinished(agents.CitationAgentID, len(bundle.Citations), err)
		if err != nil {
			return err
		}
		if h.stopped() {
			return errStopped
		}
		if err := t.Complete(bundle.Report, bundle.Citations); err != nil {
			if t.CancelRequested() {
				return errStopped
			}
			return err
		}
		return nil
	})
}

// phase checks for cancellation, moves the tracker into status and runs fn
// under a span and a duration metric.
func (c *Coordinator) phase(ctx context.Context, h *handle, status state.Status, stage string, fn func(context.Context) error) error {
	if err := checkpoint(ctx, h); err != nil {
		return err
	}
	if err := h.tracker.Transition(status, stage); err != nil {
		return err
	}
	ctx, span := tracing.StartTaskSpan(ctx, "research.phase."+string(status), h.tracker.ID())
	start := time.Now()
	err := fn(ctx)
	metrics.PhaseDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)
	if err != nil {
		return err
	}
	return checkpoint(ctx, h)
}

func (c *Coordinator) plan(ctx context.Context, h *handle, task *state.Task) ([]string, error) {
	t := h.tracker
	lead := c.deps.Team.Planner
	t.AgentStarted(agents.LeadAgentID, lead.Kind(), "decompose query", 0)
	subtopics, tokens, err := lead.Plan(ctx, h.stop, task.Query, task.MaxSubagents)
	t.AddTokens(tokens)
	t.AgentFinished(agents.LeadAgentID, 0, err)
	if err != nil {
		return nil, err
	}
	t.AddSubtopics(subtopics)
	t.Advance(1)
	return subtopics, nil
}

func (c *Coordinator) synthesize(ctx context.Context, h *handle, query string, sources []state.Source) (string, error) {
	t := h.tracker
	lead := c.deps.Team.Synthesizer
	t.AgentStarted(agents.LeadAgentID, lead.Kind(), "synthesize report", 0)
	report, tokens, err := lead.Synthesize(ctx, h.stop, query, sources)
	t.AddTokens(tokens)
	t.AgentFinished(agents.LeadAgentID, len(sources), err)
	if err != nil {
		return "", err
	}
	t.Advance(1)
	return report, nil
}

// iterate runs search rounds until the policy stops, the iteration budget
// is spent or the task is cancelled. Round one moves the task through
// Searching into Analyzing; later rounds stay in Analyzing and only change
// the stage text, keeping status and percentage monotone.
func (c *Coordinator) iterate(ctx context.Context, h *handle, task *state.Task, subtopics []string, logger *zap.Logger) error {
	t := h.tracker
	var (
		findings   []state.Finding
		dispatched []string
		agentIndex int
	)
	for round := 1; round <= task.MaxIterations && len(subtopics) > 0; round++ {
		searchStage := fmt.Sprintf("searching: round %d", round)
		if err := checkpoint(ctx, h); err != nil {
			return err
		}
		if round == 1 {
			if err := t.Transition(state.StatusSearching, searchStage); err != nil {
				return err
			}
		} else {
			t.SetStage(searchStage)
		}

		assignments := make([]pool.Assignment, len(subtopics))
		for i, s := range subtopics {
			assignments[i] = pool.Assignment{AgentID: agents.GetAgentName(task.ID, agentIndex), Subtopic: s}
			agentIndex++
		}
		dispatched = append(dispatched, subtopics...)

		roundCtx, span := tracing.StartTaskSpan(ctx, "research.round", task.ID)
		start := time.Now()
		results := c.deps.Pool.RunRound(roundCtx, h.stop, assignments,
			pool.Config{MaxConcurrency: task.MaxSubagents, Round: round},
			c.deps.Team.Searcher.Search,
			c.roundHooks(t, task, round, len(assignments)),
		)
		if round == 1 {
			metrics.PhaseDuration.WithLabelValues(string(state.StatusSearching)).Observe(time.Since(start).Seconds())
		}
		tracing.EndSpan(span, nil)

		findings = append(findings, results...)
		t.SetIterations(round)
		c.persist(ctx, h, logger)
		logger.Debug("Search round finished",
			zap.Int("round", round),
			zap.Int("subtopics", len(assignments)),
			zap.Int("failed", pool.Failed(results)),
			zap.Int("sources_total", len(t.Sources())),
		)
		if err := checkpoint(ctx, h); err != nil {
			return err
		}

		analyzeStage := fmt.Sprintf("analyzing: round %d", round)
		if round == 1 {
			if err := t.Transition(state.StatusAnalyzing, analyzeStage); err != nil {
				return err
			}
		} else {
			t.SetStage(analyzeStage)
		}

		decision, err := c.deps.Policy.ShouldContinue(ctx, IterationState{
			Query:         task.Query,
			Findings:      findings,
			Iteration:     round,
			MaxIterations: task.MaxIterations,
			Dispatched:    dispatched,
			MaxSubtopics:  task.MaxSubagents,
			Stop:          h.stop,
		})
		t.AddTokens(decision.TokensUsed)
		t.Advance(float64(round) / float64(task.MaxIterations))
		if err != nil {
			if cerr := checkpoint(ctx, h); cerr != nil {
				return cerr
			}
			logger.Warn("Coverage review failed, ending iteration", zap.Int("round", round), zap.Error(err))
			return nil
		}
		if !decision.Continue {
			logger.Debug("Iteration finished", zap.Int("round", round), zap.String("reason", decision.Reason))
			return nil
		}
		subtopics = decision.NextSubtopics
		t.AddSubtopics(subtopics)
	}
	return nil
}

// roundHooks feed pool lifecycle events into the tracker. Round one reports
// within the Searching band; later rounds report within Analyzing.
func (c *Coordinator) roundHooks(t *progress.Tracker, task *state.Task, round, total int) pool.Hooks {
	var done atomic.Int64
	return pool.Hooks{
		OnStart: func(a pool.Assignment) {
			t.AgentStarted(a.AgentID, c.deps.Team.Searcher.Kind(), a.Subtopic, round)
		},
		OnFinish: func(a pool.Assignment, f state.Finding) {
			t.AddSources(f.Sources)
			t.AgentFinished(a.AgentID, len(f.Sources), f.Err)
			frac := float64(done.Add(1)) / float64(total)
			if round == 1 {
				t.Advance(frac)
				return
			}
			t.Advance((float64(round-1) + frac) / float64(task.MaxIterations))
		},
	}
}

// checkpoint reports errStopped once cancellation was requested and the task
// context error once the deadline passed.
func checkpoint(ctx context.Context, h *handle) error {
	if h.stopped() {
		return errStopped
	}
	return ctx.Err()
}
