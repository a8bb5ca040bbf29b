package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/citations"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/search"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/util"
)

// maxSnippetLength bounds stored snippets.
const maxSnippetLength = 500

// SearchAgent turns one subtopic into scored sources.
type SearchAgent struct {
	gateway     search.Gateway
	credibility *citations.CredibilityConfig
	logger      *zap.Logger
}

// NewSearchAgent creates a search agent. A nil credibility config uses the
// built-in defaults.
func NewSearchAgent(gateway search.Gateway, credibility *citations.CredibilityConfig, logger *zap.Logger) *SearchAgent {
	if credibility == nil {
		credibility = citations.DefaultCredibilityConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchAgent{gateway: gateway, credibility: credibility, logger: logger}
}

// Kind implements Searcher.
func (a *SearchAgent) Kind() state.AgentKind { return state.AgentSearch }

// Search implements Searcher. Results with unusable URLs are skipped; an
// empty answer is not an error.
func (a *SearchAgent) Search(ctx context.Context, subtopic string) ([]state.Source, error) {
	results, err := a.gateway.Search(ctx, subtopic)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	sources := make([]state.Source, 0, len(results))
	for rank, r := range results {
		norm, err := citations.NormalizeURL(r.URL)
		if err != nil {
			a.logger.Debug("Skipping search result", zap.String("url", r.URL), zap.Error(err))
			continue
		}
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = norm
		}
		sources = append(sources, state.Source{
			URL:            norm,
			Title:          title,
			Snippet:        util.TruncateString(strings.TrimSpace(r.Snippet), maxSnippetLength, true),
			RelevanceScore: a.credibility.Relevance(rank, norm),
			Subtopic:       subtopic,
		})
	}
	return sources, nil
}
