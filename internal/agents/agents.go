// Package agents holds the closed set of agent variants that work on a
// research task. Each variant exposes one narrow capability and carries a
// state.AgentKind tag that the coordinator records in agent activities.
package agents

import (
	"context"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/citations"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

// Planner decomposes a query into at most max subtopics.
type Planner interface {
	Kind() state.AgentKind
	Plan(ctx context.Context, stop <-chan struct{}, query string, max int) ([]string, int, error)
}

// Synthesizer writes the report from the deduplicated sources.
type Synthesizer interface {
	Kind() state.AgentKind
	Synthesize(ctx context.Context, stop <-chan struct{}, query string, sources []state.Source) (string, int, error)
}

// Searcher runs one subtopic against the search gateway.
type Searcher interface {
	Kind() state.AgentKind
	Search(ctx context.Context, subtopic string) ([]state.Source, error)
}

// Citer deduplicates sources and turns a report and its sources into
// indexed citations.
type Citer interface {
	Kind() state.AgentKind
	Dedupe(sources []state.Source) []state.Source
	Cite(ctx context.Context, report string, sources []state.Source) (citations.Bundle, error)
}

// Team is the set of agents one coordinator drives.
type Team struct {
	Planner     Planner
	Synthesizer Synthesizer
	Searcher    Searcher
	Citer       Citer
}
