package agents

import (
	"context"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/citations"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

// CitationAgent builds the final citation list for a report.
type CitationAgent struct {
	aggregator *citations.Aggregator
}

// NewCitationAgent wraps an aggregator.
func NewCitationAgent(aggregator *citations.Aggregator) *CitationAgent {
	return &CitationAgent{aggregator: aggregator}
}

// Kind implements Citer.
func (a *CitationAgent) Kind() state.AgentKind { return state.AgentCitation }

// Cite implements Citer.
func (a *CitationAgent) Cite(ctx context.Context, report string, sources []state.Source) (citations.Bundle, error) {
	return a.aggregator.Build(ctx, report, sources)
}

// Dedupe exposes source deduplication for the synthesis phase.
func (a *CitationAgent) Dedupe(sources []state.Source) []state.Source {
	return a.aggregator.Dedupe(sources)
}
