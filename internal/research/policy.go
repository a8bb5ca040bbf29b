package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/llm"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/util"
)

// IterationState is what an IterationPolicy sees after each round.
type IterationState struct {
	Query         string
	Findings      []state.Finding
	Iteration     int
	MaxIterations int
	Dispatched    []string
	MaxSubtopics  int
	Stop          <-chan struct{}
}

// Decision says whether to run another round and on which subtopics.
type Decision struct {
	Continue      bool
	NextSubtopics []string
	TokensUsed    int
	Coverage      float64
	Reason        string
}

// IterationPolicy decides whether coverage gaps justify another search round.
type IterationPolicy interface {
	ShouldContinue(ctx context.Context, s IterationState) (Decision, error)
}

// SingleRoundPolicy never continues past the first round.
type SingleRoundPolicy struct{}

// ShouldContinue implements IterationPolicy.
func (SingleRoundPolicy) ShouldContinue(context.Context, IterationState) (Decision, error) {
	return Decision{Reason: "single round"}, nil
}

const coverageSystemPrompt = `You review research progress. Given the research question, the subtopics already searched and the sources found so far, judge how completely the sources cover the question.
Respond with ONLY a JSON object: {"coverage_score": <0..1>, "gaps": ["..."], "next_subtopics": ["..."]}.
next_subtopics are new web search queries that would close the gaps, at most %d, none repeating a searched subtopic.`

// maxSourcesInReview bounds the source list sent for coverage review.
const maxSourcesInReview = 30

type coverageReply struct {
	CoverageScore float64  `json:"coverage_score"`
	Gaps          []string `json:"gaps"`
	NextSubtopics []string `json:"next_subtopics"`
}

// CoveragePolicy asks the language model to score coverage and propose
// follow-up subtopics, then applies fixed guardrails to its answer.
type CoveragePolicy struct {
	gateway llm.Gateway
	logger  *zap.Logger

	mu        sync.RWMutex
	retry     llm.RetryPolicy
	threshold float64
}

// NewCoveragePolicy creates a coverage policy stopping once the model scores
// coverage at or above threshold.
func NewCoveragePolicy(gateway llm.Gateway, retry llm.RetryPolicy, threshold float64, logger *zap.Logger) *CoveragePolicy {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoveragePolicy{gateway: gateway, retry: retry, threshold: threshold, logger: logger}
}

// Update swaps the retry policy and coverage threshold. Values outside
// (0, 1] leave the threshold unchanged.
func (p *CoveragePolicy) Update(retry llm.RetryPolicy, threshold float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retry = retry
	if threshold > 0 && threshold <= 1 {
		p.threshold = threshold
	}
}

// Threshold returns the coverage score at which iteration stops.
func (p *CoveragePolicy) Threshold() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// ShouldContinue implements IterationPolicy.
func (p *CoveragePolicy) ShouldContinue(ctx context.Context, s IterationState) (Decision, error) {
	if s.Iteration >= s.MaxIterations {
		return Decision{Reason: "iteration budget exhausted"}, nil
	}
	p.mu.RLock()
	retry, threshold := p.retry, p.threshold
	p.mu.RUnlock()

	text, tokens, err := retry.Call(ctx, s.Stop, p.gateway, []llm.Message{
		llm.System(fmt.Sprintf(coverageSystemPrompt, s.MaxSubtopics)),
		llm.User(buildCoverageInput(s)),
	}, nil)
	if err != nil {
		return Decision{TokensUsed: tokens}, err
	}

	raw, ok := util.ExtractJSONObject(text)
	if !ok {
		return Decision{TokensUsed: tokens}, state.NewProviderError("llm", false, fmt.Errorf("coverage reply is not JSON"))
	}
	var reply coverageReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return Decision{TokensUsed: tokens}, state.NewProviderError("llm", false, fmt.Errorf("decode coverage reply: %w", err))
	}

	d := Decision{TokensUsed: tokens, Coverage: reply.CoverageScore}
	if reply.CoverageScore >= threshold {
		d.Reason = fmt.Sprintf("coverage %.2f reached threshold", reply.CoverageScore)
		return d, nil
	}
	next := NewSubtopics(reply.NextSubtopics, s.Dispatched, s.MaxSubtopics)
	if len(next) == 0 {
		d.Reason = "no new subtopics"
		return d, nil
	}
	d.Continue = true
	d.NextSubtopics = next
	d.Reason = fmt.Sprintf("coverage %.2f, %d gaps", reply.CoverageScore, len(reply.Gaps))
	p.logger.Debug("Coverage gaps remain",
		zap.Float64("coverage", reply.CoverageScore),
		zap.Strings("gaps", reply.Gaps),
		zap.Strings("next_subtopics", next),
	)
	return d, nil
}

// NewSubtopics drops blanks, case-insensitive duplicates and anything
// already dispatched, and caps the result at max.
func NewSubtopics(candidates, dispatched []string, max int) []string {
	seen := make(map[string]struct{}, len(dispatched))
	for _, d := range dispatched {
		seen[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	var out []string
	for _, c := range util.DedupeFold(candidates) {
		if _, dup := seen[strings.ToLower(c)]; dup {
			continue
		}
		out = append(out, c)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func buildCoverageInput(s IterationState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\nSearched subtopics:\n", s.Query)
	for _, d := range s.Dispatched {
		fmt.Fprintf(&b, "- %s\n", d)
	}
	b.WriteString("\nSources found:\n")
	n := 0
	for _, f := range s.Findings {
		for _, src := range f.Sources {
			if n == maxSourcesInReview {
				break
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", src.Title, f.Subtopic, util.TruncateString(src.Snippet, 160, true))
			n++
		}
	}
	if n == 0 {
		b.WriteString("(none)\n")
	}
	fmt.Fprintf(&b, "\nRound %d of at most %d.\n", s.Iteration, s.MaxIterations)
	return b.String()
}
