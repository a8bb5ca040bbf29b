package agents

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/citations"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/llm"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/search"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

func fastRetry() llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestGetAgentNameDeterministicAndUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 2*len(stationNames); i++ {
		name := GetAgentName("task-1", i)
		assert.Equal(t, name, GetAgentName("task-1", i))
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true
	}
	assert.True(t, strings.HasSuffix(GetAgentName("task-1", len(stationNames)), "-2"))
}

func TestParseSubtopics(t *testing.T) {
	got := ParseSubtopics("Here you go:\n```json\n[\"Solar cost\", \"solar cost\", \"  \", \"Wind policy\"]\n```")
	assert.Equal(t, []string{"Solar cost", "Wind policy"}, got)
	assert.Nil(t, ParseSubtopics("no json here"))
	assert.Nil(t, ParseSubtopics(`[1, 2]`))
}

func TestLeadAgentPlanCapsAndFallsBack(t *testing.T) {
	logger := zaptest.NewLogger(t)

	gw := llm.GatewayFunc(func(_ context.Context, msgs []llm.Message) (string, int, error) {
		require.Len(t, msgs, 2)
		assert.Contains(t, msgs[0].Content, "at most 2")
		return `["a", "b", "c"]`, 7, nil
	})
	subs, tokens, err := NewLeadAgent(gw, fastRetry(), logger).Plan(context.Background(), nil, "query text", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, subs)
	assert.Equal(t, 7, tokens)

	garbage := llm.GatewayFunc(func(context.Context, []llm.Message) (string, int, error) {
		return "I cannot answer", 3, nil
	})
	subs, _, err = NewLeadAgent(garbage, fastRetry(), logger).Plan(context.Background(), nil, "query text", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"query text"}, subs)
}

func TestLeadAgentRetriesRetryableFailures(t *testing.T) {
	var calls int32
	gw := llm.GatewayFunc(func(context.Context, []llm.Message) (string, int, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", 1, state.NewProviderError("llm", true, errors.New("overloaded"))
		}
		return `["x"]`, 5, nil
	})
	subs, tokens, err := NewLeadAgent(gw, fastRetry(), zaptest.NewLogger(t)).Plan(context.Background(), nil, "q query", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, subs)
	assert.Equal(t, 7, tokens)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestLeadAgentSynthesize(t *testing.T) {
	sources := []state.Source{
		{URL: "https://a.edu/x", Title: "A", Snippet: "alpha"},
		{URL: "https://b.org/y", Title: "B", Snippet: "beta"},
	}
	gw := llm.GatewayFunc(func(_ context.Context, msgs []llm.Message) (string, int, error) {
		assert.Contains(t, msgs[1].Content, "[1] A\nURL: https://a.edu/x")
		assert.Contains(t, msgs[1].Content, "[2] B\nURL: https://b.org/y")
		return "Report [1][2]", 11, nil
	})
	report, tokens, err := NewLeadAgent(gw, fastRetry(), zaptest.NewLogger(t)).Synthesize(context.Background(), nil, "question", sources)
	require.NoError(t, err)
	assert.Equal(t, "Report [1][2]", report)
	assert.Equal(t, 11, tokens)

	empty := llm.GatewayFunc(func(context.Context, []llm.Message) (string, int, error) { return "  ", 1, nil })
	_, _, err = NewLeadAgent(empty, fastRetry(), zaptest.NewLogger(t)).Synthesize(context.Background(), nil, "question", sources)
	assert.True(t, state.IsKind(err, state.KindProvider))
}

func TestSearchAgentConvertsResults(t *testing.T) {
	gw := search.GatewayFunc(func(_ context.Context, q string) ([]search.Result, error) {
		assert.Equal(t, "solar", q)
		return []search.Result{
			{URL: "https://www.example.edu/paper?utm_source=x", Title: "Paper", Snippet: strings.Repeat("word ", 200)},
			{URL: "ftp://bad.example.com", Title: "Bad"},
			{URL: "https://blog.example.com/post", Title: ""},
		}, nil
	})
	agent := NewSearchAgent(gw, nil, zaptest.NewLogger(t))
	assert.Equal(t, state.AgentSearch, agent.Kind())

	sources, err := agent.Search(context.Background(), "solar")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "https://example.edu/paper", sources[0].URL)
	assert.Equal(t, "solar", sources[0].Subtopic)
	assert.LessOrEqual(t, len([]rune(sources[0].Snippet)), maxSnippetLength+3)
	assert.Greater(t, sources[0].RelevanceScore, sources[1].RelevanceScore)
	assert.Equal(t, "https://blog.example.com/post", sources[1].Title)
}

func TestSearchAgentPropagatesErrors(t *testing.T) {
	boom := state.NewProviderError("search", true, errors.New("down"))
	gw := search.GatewayFunc(func(context.Context, string) ([]search.Result, error) { return nil, boom })
	_, err := NewSearchAgent(gw, nil, nil).Search(context.Background(), "x")
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSearchAgent(gw, nil, nil).Search(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCitationAgent(t *testing.T) {
	agent := NewCitationAgent(citations.NewAggregator(nil, 2, zaptest.NewLogger(t)))
	assert.Equal(t, state.AgentCitation, agent.Kind())

	sources := agent.Dedupe([]state.Source{
		{URL: "https://a.com/x", Title: "A"},
		{URL: "https://www.a.com/x/", Title: "A again"},
		{URL: "https://b.com", Title: "B"},
	})
	require.Len(t, sources, 2)

	bundle, err := agent.Cite(context.Background(), "Claim [2]. Other [1].", sources)
	require.NoError(t, err)
	require.Len(t, bundle.Citations, 2)
	assert.Equal(t, "https://b.com", bundle.Citations[0].SourceURL)
	assert.Contains(t, bundle.Report, "Claim [1]. Other [2].")
}
