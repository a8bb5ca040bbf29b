package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/agents"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/citations"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/llm"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/pool"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/resultstore"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/search"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testQuery = "How do heat pumps perform in cold climates?"

type recordingBus struct {
	mu        sync.Mutex
	events    []streaming.Event
	forgotten []string
	purged    []string
}

func (b *recordingBus) Publish(id string, evt streaming.Event) streaming.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt.ResearchID = id
	evt.Seq = uint64(len(b.events) + 1)
	b.events = append(b.events, evt)
	return evt
}

func (b *recordingBus) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forgotten = append(b.forgotten, id)
}

func (b *recordingBus) Purge(_ context.Context, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purged = append(b.purged, id)
}

func (b *recordingBus) snapshot() []streaming.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]streaming.Event(nil), b.events...)
}

func fastRetry() llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

// scriptedLLM answers planning, synthesis and coverage prompts.
type scriptedLLM struct {
	plan      string
	planErr   error
	report    string
	coverage  []string
	coverageN atomic.Int32
}

func (s *scriptedLLM) Call(_ context.Context, msgs []llm.Message) (string, int, error) {
	system := msgs[0].Content
	switch {
	case strings.Contains(system, "Break the user's research question"):
		if s.planErr != nil {
			return "", 1, s.planErr
		}
		return s.plan, 10, nil
	case strings.Contains(system, "writing the final report"):
		return s.report, 20, nil
	case strings.Contains(system, "review research progress"):
		n := int(s.coverageN.Add(1)) - 1
		if n >= len(s.coverage) {
			return `{"coverage_score": 1}`, 5, nil
		}
		return s.coverage[n], 5, nil
	}
	return "", 0, errors.New("unexpected prompt")
}

func slug(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "-"))
}

func resultsFor(query string, n int) []search.Result {
	out := make([]search.Result, n)
	for i := range out {
		out[i] = search.Result{
			URL:     fmt.Sprintf("https://example.com/%s/%d", slug(query), i),
			Title:   fmt.Sprintf("%s %d", query, i),
			Snippet: "snippet about " + query,
		}
	}
	return out
}

type harness struct {
	coord   *Coordinator
	store   *resultstore.Store
	backend *resultstore.MemoryBackend
	bus     *recordingBus
}

func newHarness(t *testing.T, gw llm.Gateway, sg search.Gateway, policy IterationPolicy) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	backend := resultstore.NewMemoryBackend()
	store := resultstore.New(resultstore.NewMemoryCache(64, time.Minute), nil, backend, logger)
	bus := &recordingBus{}
	lead := agents.NewLeadAgent(gw, fastRetry(), logger)
	coord := NewCoordinator(Config{TaskDeadline: 10 * time.Second, JanitorInterval: time.Hour}, Deps{
		Team: agents.Team{
			Planner:     lead,
			Synthesizer: lead,
			Searcher:    agents.NewSearchAgent(sg, nil, logger),
			Citer:       agents.NewCitationAgent(citations.NewAggregator(nil, 2, logger)),
		},
		Pool:   pool.New(8, logger),
		Store:  store,
		Events: bus,
		Policy: policy,
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, coord.Shutdown(ctx))
	})
	return &harness{coord: coord, store: store, backend: backend, bus: bus}
}

func waitDone(t *testing.T, c *Coordinator, id string) {
	t.Helper()
	h, ok := c.registry.get(id)
	require.True(t, ok)
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("research %s did not finish", id)
	}
}

func staticSearch(n int) search.Gateway {
	return search.GatewayFunc(func(_ context.Context, q string) ([]search.Result, error) {
		return resultsFor(q, n), nil
	})
}

func TestHappyPathCompletes(t *testing.T) {
	gw := &scriptedLLM{plan: `["efficiency below zero", "installation cost"]`, report: "Heat pumps work [1]. Costs vary [3]."}
	h := newHarness(t, gw, staticSearch(2), nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, testQuery, state.Config{})
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	snap, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.ProgressPercentage)
	assert.Equal(t, 4, snap.Stats.SourcesCount)
	assert.Equal(t, 30, snap.Stats.TokensUsed)
	assert.Equal(t, 4, snap.Stats.AgentCount)

	res, err := h.coord.Result(ctx, id)
	require.NoError(t, err)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, 1, res.Citations[0].Index)
	assert.Equal(t, 2, res.Citations[1].Index)
	assert.Contains(t, res.Report, "Heat pumps work [1]. Costs vary [2].")
	assert.Len(t, res.SourcesUsed, 4)

	again, err := h.coord.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	stored, err := h.store.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, stored.Status)
	assert.Equal(t, []string{"efficiency below zero", "installation cost"}, stored.Subtopics)
	assert.Equal(t, 1, stored.IterationsCompleted)
}

// perQueryLLM plans and reports from the research question it is given.
type perQueryLLM struct {
	plans map[string]string // question -> plan JSON
}

func (p *perQueryLLM) Call(_ context.Context, msgs []llm.Message) (string, int, error) {
	system, user := msgs[0].Content, msgs[1].Content
	switch {
	case strings.Contains(system, "Break the user's research question"):
		return p.plans[user], 10, nil
	case strings.Contains(system, "writing the final report"):
		question := strings.TrimPrefix(strings.SplitN(user, "\n", 2)[0], "Research question: ")
		return "Findings on " + question + " [1] [2].", 20, nil
	}
	return "", 0, errors.New("unexpected prompt")
}

func TestConcurrentTasksStayIsolated(t *testing.T) {
	const otherQuery = "What limits tidal turbine output?"
	gw := &perQueryLLM{plans: map[string]string{
		testQuery:  `["heat pump defrost cycles"]`,
		otherQuery: `["tidal array wake losses"]`,
	}}
	var arrivals atomic.Int32
	both := make(chan struct{})
	sg := search.GatewayFunc(func(_ context.Context, q string) ([]search.Result, error) {
		if arrivals.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
		case <-time.After(2 * time.Second):
		}
		return resultsFor(q, 2), nil
	})
	h := newHarness(t, gw, sg, nil)
	ctx := context.Background()

	queries := []string{testQuery, otherQuery}
	ids := make([]string, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.coord.Start(ctx, q, state.Config{})
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()
	require.NotEmpty(t, ids[0])
	require.NotEmpty(t, ids[1])
	require.NotEqual(t, ids[0], ids[1])
	for _, id := range ids {
		waitDone(t, h.coord, id)
	}

	owner := map[string]string{} // source URL -> research id
	for i, id := range ids {
		res, err := h.coord.Result(ctx, id)
		require.NoError(t, err)
		stored, err := h.store.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queries[i], stored.Query)
		assert.Contains(t, res.Report, "Findings on "+queries[i])
		other := queries[1-i]
		assert.NotContains(t, res.Report, other)

		require.Len(t, res.SourcesUsed, 2)
		mine := map[string]bool{}
		for _, src := range res.SourcesUsed {
			if prev, ok := owner[src.URL]; ok {
				t.Errorf("source %s shared by %s and %s", src.URL, prev, id)
			}
			owner[src.URL] = id
			mine[src.URL] = true
		}
		require.Len(t, res.Citations, 2)
		for _, c := range res.Citations {
			assert.True(t, mine[c.SourceURL], "citation %d of %s points outside its own sources", c.Index, id)
		}
	}
}

func TestProgressAndStatusAreMonotone(t *testing.T) {
	gw := &scriptedLLM{
		plan:     `["a topic", "b topic", "c topic"]`, // capped at max_subagents
		report:   "Report [1].",
		coverage: []string{`{"coverage_score": 0.3, "gaps": ["d"], "next_subtopics": ["d topic", "a topic"]}`},
	}
	h := newHarness(t, gw, staticSearch(1), NewCoveragePolicy(gw, fastRetry(), 0.8, zap.NewNop()))

	id, err := h.coord.Start(context.Background(), testQuery, state.Config{MaxSubagents: 2, MaxIterations: 3})
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	order := map[state.Status]int{}
	for i, s := range state.AllStatuses() {
		order[s] = i
	}
	events := h.bus.snapshot()
	require.NotEmpty(t, events)
	lastPct := -1
	lastStatus := -1
	for _, evt := range events {
		if p, ok := evt.Data["progress"].(int); ok {
			assert.GreaterOrEqual(t, p, lastPct, "progress went backwards at %s", evt.Type)
			lastPct = p
		}
		if evt.Type == streaming.EventStatusChanged {
			to := order[state.Status(evt.Data["to"].(string))]
			assert.Greater(t, to, lastStatus)
			lastStatus = to
		}
	}
	assert.Equal(t, 100, lastPct)
	assert.Equal(t, streaming.EventTaskCompleted, events[len(events)-1].Type)

	task, err := h.store.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, task.IterationsCompleted)
	assert.Equal(t, []string{"a topic", "b topic", "d topic"}, task.Subtopics)
	assert.Len(t, task.SourcesUsed, 3)
}

func TestSubagentFailureIsIsolated(t *testing.T) {
	sg := search.GatewayFunc(func(_ context.Context, q string) ([]search.Result, error) {
		if q == "broken" {
			return nil, state.NewProviderError("search", true, errors.New("503"))
		}
		return resultsFor(q, 2), nil
	})
	gw := &scriptedLLM{plan: `["working", "broken"]`, report: "Only [1]."}
	h := newHarness(t, gw, sg, nil)

	id, err := h.coord.Start(context.Background(), testQuery, state.Config{})
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	snap, err := h.coord.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	var failed int
	for _, a := range snap.AgentActivities {
		if a.Status == state.ActivityFailed {
			failed++
			assert.Equal(t, "broken", a.TaskFragment)
			assert.Contains(t, a.Error, "503")
		}
	}
	assert.Equal(t, 1, failed)
}

func TestAllSearchesFailingFailsTask(t *testing.T) {
	sg := search.GatewayFunc(func(context.Context, string) ([]search.Result, error) {
		return nil, state.NewProviderError("search", true, errors.New("down"))
	})
	h := newHarness(t, &scriptedLLM{plan: `["one", "two"]`}, sg, nil)

	id, err := h.coord.Start(context.Background(), testQuery, state.Config{})
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	snap, err := h.coord.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "no sources obtained")
	assert.Equal(t, string(state.KindProvider), snap.ErrorKind)

	_, err = h.coord.Result(context.Background(), id)
	assert.True(t, state.IsKind(err, state.KindState))
}

func TestPlanningFailureFailsTask(t *testing.T) {
	gw := &scriptedLLM{planErr: state.NewProviderError("llm", true, errors.New("overloaded"))}
	h := newHarness(t, gw, staticSearch(1), nil)

	id, err := h.coord.Start(context.Background(), testQuery, state.Config{})
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	snap, err := h.coord.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, snap.Status)
	assert.Equal(t, string(state.KindProvider), snap.ErrorKind)
	require.NotEmpty(t, snap.AgentActivities)
	assert.Equal(t, state.ActivityFailed, snap.AgentActivities[0].Status)
}

func TestCancelDuringSearch(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	sg := search.GatewayFunc(func(_ context.Context, q string) ([]search.Result, error) {
		started <- struct{}{}
		<-release
		return resultsFor(q, 1), nil
	})
	gw := &scriptedLLM{plan: `["one", "two", "three"]`, report: "r [1]"}
	h := newHarness(t, gw, sg, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, testQuery, state.Config{MaxSubagents: 1})
	require.NoError(t, err)
	<-started

	require.NoError(t, h.coord.Cancel(ctx, id))
	close(release)
	waitDone(t, h.coord, id)

	snap, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, snap.Status)
	assert.Equal(t, 1, snap.Stats.SourcesCount)
	for _, a := range snap.AgentActivities {
		assert.NotEqual(t, state.ActivityRunning, a.Status)
	}

	err = h.coord.Cancel(ctx, id)
	assert.True(t, state.IsKind(err, state.KindState))
	_, err = h.coord.Result(ctx, id)
	assert.True(t, state.IsKind(err, state.KindState))

	stored, err := h.store.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, stored.Status)
}

func TestTaskDeadlineFailsWithTimeout(t *testing.T) {
	sg := search.GatewayFunc(func(ctx context.Context, q string) ([]search.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, &scriptedLLM{plan: `["slow"]`}, sg, nil)
	h.coord.cfg.TaskDeadline = 50 * time.Millisecond

	id, err := h.coord.Start(context.Background(), testQuery, state.Config{})
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	snap, err := h.coord.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, snap.Status)
	assert.Equal(t, string(state.KindTimeout), snap.ErrorKind)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, staticSearch(1), nil)
	ctx := context.Background()

	_, err := h.coord.Start(ctx, "short", state.Config{})
	assert.True(t, state.IsKind(err, state.KindValidation))

	_, err = h.coord.Start(ctx, testQuery, state.Config{MaxSubagents: 9})
	assert.True(t, state.IsKind(err, state.KindValidation))

	_, err = h.coord.Status(ctx, "missing")
	assert.True(t, state.IsKind(err, state.KindNotFound))
	assert.True(t, state.IsKind(h.coord.Cancel(ctx, "missing"), state.KindNotFound))

	_, err = h.coord.History(ctx, state.HistoryFilter{Limit: 500})
	assert.True(t, state.IsKind(err, state.KindValidation))
	_, err = h.coord.History(ctx, state.HistoryFilter{Offset: -1})
	assert.True(t, state.IsKind(err, state.KindValidation))
	bogus := state.Status("sleeping")
	_, err = h.coord.History(ctx, state.HistoryFilter{Status: &bogus})
	assert.True(t, state.IsKind(err, state.KindValidation))
}

type denyAll struct{}

func (denyAll) Admit(context.Context, string, state.Config) error {
	return state.NewValidationError("query", "query is not allowed")
}

func TestAdmissionRejects(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, staticSearch(1), nil)
	h.coord.deps.Admission = denyAll{}
	_, err := h.coord.Start(context.Background(), testQuery, state.Config{})
	assert.True(t, state.IsKind(err, state.KindValidation))
	assert.Equal(t, 0, h.coord.registry.Len())
}

func TestDeleteAndHistory(t *testing.T) {
	release := make(chan struct{})
	sg := search.GatewayFunc(func(_ context.Context, q string) ([]search.Result, error) {
		<-release
		return resultsFor(q, 1), nil
	})
	h := newHarness(t, &scriptedLLM{plan: `["x topic"]`, report: "r [1]"}, sg, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, testQuery, state.Config{})
	require.NoError(t, err)
	assert.True(t, state.IsKind(h.coord.Delete(ctx, id), state.KindState))
	assert.Equal(t, 1, h.coord.Active())

	close(release)
	waitDone(t, h.coord, id)

	rows, err := h.coord.History(ctx, state.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ResearchID)
	assert.Equal(t, state.StatusCompleted, rows[0].Status)

	require.NoError(t, h.coord.Delete(ctx, id))
	_, err = h.coord.Status(ctx, id)
	assert.True(t, state.IsKind(err, state.KindNotFound))
	assert.Contains(t, h.bus.purged, id)
}

func TestRegistryEvictionFallsBackToStore(t *testing.T) {
	h := newHarness(t, &scriptedLLM{plan: `["x topic"]`, report: "r [1]"}, staticSearch(1), nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, testQuery, state.Config{})
	require.NoError(t, err)
	waitDone(t, h.coord, id)

	h.coord.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.coord.evictExpired()
	assert.Equal(t, 0, h.coord.registry.Len())

	snap, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	res, err := h.coord.Result(ctx, id)
	require.NoError(t, err)
	assert.Len(t, res.Citations, 1)
}

func TestCancelOrphanedTask(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, staticSearch(1), nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, h.store.Write(ctx, &state.Task{
		ID: "orphan", Query: testQuery, MaxSubagents: 3, MaxIterations: 5,
		Status: state.StatusSearching, ProgressPercentage: 25,
		CreatedAt: now, UpdatedAt: now, Revision: 4,
	}))

	require.NoError(t, h.coord.Cancel(ctx, "orphan"))
	task, err := h.store.Read(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, task.Status)
	assert.Equal(t, 25, task.ProgressPercentage)
	assert.True(t, state.IsKind(h.coord.Cancel(ctx, "orphan"), state.KindState))
}

func TestCancelOrphanRejectedWhenStoreMovedOn(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, staticSearch(1), nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, h.store.Write(ctx, &state.Task{
		ID: "orphan", Query: testQuery, MaxSubagents: 3, MaxIterations: 5,
		Status: state.StatusSearching, ProgressPercentage: 25,
		CreatedAt: now, UpdatedAt: now, Revision: 4,
	}))
	// Another instance finished the task; only L3 saw it.
	done := now.Add(time.Minute)
	_, err := h.backend.SaveTask(ctx, &state.Task{
		ID: "orphan", Query: testQuery, MaxSubagents: 3, MaxIterations: 5,
		Status: state.StatusCompleted, ProgressPercentage: 100, Report: "final",
		CreatedAt: now, UpdatedAt: done, CompletedAt: &done, Revision: 9,
	})
	require.NoError(t, err)

	err = h.coord.Cancel(ctx, "orphan")
	require.Error(t, err)
	assert.True(t, state.IsKind(err, state.KindState))
	assert.Contains(t, err.Error(), "completed")

	task, err := h.store.Read(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, task.Status)
	assert.Equal(t, int64(9), task.Revision)
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	sg := search.GatewayFunc(func(_ context.Context, q string) ([]search.Result, error) {
		started <- struct{}{}
		<-release
		return resultsFor(q, 1), nil
	})
	h := newHarness(t, &scriptedLLM{plan: `["x topic"]`}, sg, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, testQuery, state.Config{})
	require.NoError(t, err)
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Shutdown(sctx))

	snap, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, snap.Status)
	_, err = h.coord.Start(ctx, testQuery, state.Config{})
	assert.True(t, state.IsKind(err, state.KindState))
}
