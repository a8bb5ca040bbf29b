package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/llm"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/util"
)

const planSystemPrompt = `You are the lead researcher. Break the user's research question into focused, non-overlapping web search subtopics.
Return ONLY a JSON array of strings, most important first, with at most %d entries. Each entry must be a standalone search query.`

const synthesisSystemPrompt = `You are the lead researcher writing the final report.
Use only the numbered sources provided. Cite every factual claim with the source number in square brackets, e.g. [2] or [1][3].
Do not invent sources and do not add a sources list; it is appended automatically.
Write in Markdown with a short summary followed by sections.`

// maxSnippetInPrompt bounds each source snippet in the synthesis prompt.
const maxSnippetInPrompt = 400

// LeadAgent plans and synthesizes through the language-model gateway. Every
// call goes through the retry policy.
type LeadAgent struct {
	gateway llm.Gateway
	logger  *zap.Logger

	mu    sync.RWMutex
	retry llm.RetryPolicy
}

// NewLeadAgent creates the lead agent.
func NewLeadAgent(gateway llm.Gateway, retry llm.RetryPolicy, logger *zap.Logger) *LeadAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeadAgent{gateway: gateway, retry: retry, logger: logger}
}

// Kind implements Planner and Synthesizer.
func (a *LeadAgent) Kind() state.AgentKind { return state.AgentLead }

// SetRetryPolicy replaces the retry policy for calls started afterwards.
func (a *LeadAgent) SetRetryPolicy(p llm.RetryPolicy) {
	a.mu.Lock()
	a.retry = p
	a.mu.Unlock()
}

// Call runs one retried gateway call.
func (a *LeadAgent) Call(ctx context.Context, stop <-chan struct{}, messages []llm.Message) (string, int, error) {
	a.mu.RLock()
	retry := a.retry
	a.mu.RUnlock()
	return retry.Call(ctx, stop, a.gateway, messages, func(attempt int, err error, wait time.Duration) {
		a.logger.Warn("Retrying LLM call",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
}

// Plan implements Planner. Output that is not a JSON array of strings falls
// back to the query itself as the only subtopic.
func (a *LeadAgent) Plan(ctx context.Context, stop <-chan struct{}, query string, max int) ([]string, int, error) {
	text, tokens, err := a.Call(ctx, stop, []llm.Message{
		llm.System(fmt.Sprintf(planSystemPrompt, max)),
		llm.User(query),
	})
	if err != nil {
		return nil, tokens, err
	}
	subtopics := ParseSubtopics(text)
	if len(subtopics) == 0 {
		a.logger.Warn("Planner returned no usable subtopics, using the query", zap.String("response", util.TruncateString(text, 200, true)))
		subtopics = []string{query}
	}
	if len(subtopics) > max {
		subtopics = subtopics[:max]
	}
	return subtopics, tokens, nil
}

// ParseSubtopics extracts a JSON string array from a model response and
// removes blanks and case-insensitive duplicates.
func ParseSubtopics(text string) []string {
	raw, ok := util.ExtractJSONArray(text)
	if !ok {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return util.DedupeFold(items)
}

// Synthesize implements Synthesizer.
func (a *LeadAgent) Synthesize(ctx context.Context, stop <-chan struct{}, query string, sources []state.Source) (string, int, error) {
	text, tokens, err := a.Call(ctx, stop, []llm.Message{
		llm.System(synthesisSystemPrompt),
		llm.User(BuildSynthesisInput(query, sources)),
	})
	if err != nil {
		return "", tokens, err
	}
	if strings.TrimSpace(text) == "" {
		return "", tokens, state.NewProviderError("llm", false, fmt.Errorf("empty synthesis"))
	}
	return text, tokens, nil
}

// BuildSynthesisInput renders the numbered source list the report cites.
func BuildSynthesisInput(query string, sources []state.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\nSources:\n", query)
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s\nURL: %s\n%s\n\n", i+1, s.Title, s.URL, util.TruncateString(s.Snippet, maxSnippetInPrompt, true))
	}
	return b.String()
}
