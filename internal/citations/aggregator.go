// Package citations deduplicates search sources and turns report anchors
// into a stable, indexed citation list.
package citations

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/tracing"
)

// anchorRe matches, in document order, numeric anchors like [3] that point
// into the numbered source list given to the synthesizer, and bare or
// markdown-linked http(s) URLs.
var anchorRe = regexp.MustCompile(`\[(\d{1,3})\]|(https?://[^\s<>"'\)\]]+)`)

var numericAnchorRe = regexp.MustCompile(`\[(\d{1,3})\]`)

// Bundle is the output of Build.
type Bundle struct {
	Report    string
	Citations []state.Citation
}

// Aggregator builds citation lists. A nil verifier leaves every citation
// unverified.
type Aggregator struct {
	verifier    Verifier
	concurrency int
	logger      *zap.Logger
}

// NewAggregator creates an aggregator that checks at most concurrency URLs at
// a time.
func NewAggregator(verifier Verifier, concurrency int, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Aggregator{verifier: verifier, concurrency: concurrency, logger: logger}
}

// Dedupe normalizes source URLs and keeps the first entry for every
// normalized URL, in input order. Sources with unusable URLs are dropped.
func (a *Aggregator) Dedupe(sources []state.Source) []state.Source {
	seen := make(map[string]struct{}, len(sources))
	out := make([]state.Source, 0, len(sources))
	for _, s := range sources {
		norm, err := NormalizeURL(s.URL)
		if err != nil {
			a.logger.Debug("Dropping source with invalid URL", zap.String("url", s.URL), zap.Error(err))
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		s.URL = norm
		out = append(out, s)
	}
	return out
}

// Build assigns citation indices 1..N in the order anchors first appear in
// report. Numeric anchors refer to sources by 1-based position; they are
// rewritten to the assigned citation index, and anchors that resolve to no
// source are removed. sources must already be deduplicated. Sources never
// referenced get no citation. Verification runs after indexing and only
// sets the verified flag.
func (a *Aggregator) Build(ctx context.Context, report string, sources []state.Source) (Bundle, error) {
	ctx, span := tracing.StartSpan(ctx, "citations.build")
	defer span.End()

	body := stripSourcesSection(report)

	byURL := make(map[string]int, len(sources))
	for i, s := range sources {
		byURL[s.URL] = i
	}

	citationOf := make(map[int]int) // source position -> citation index
	var cites []state.Citation
	assign := func(pos int) {
		if _, ok := citationOf[pos]; ok {
			return
		}
		citationOf[pos] = len(cites) + 1
		cites = append(cites, state.Citation{
			Index:     len(cites) + 1,
			SourceURL: sources[pos].URL,
			Title:     sources[pos].Title,
		})
	}

	for _, m := range anchorRe.FindAllStringSubmatch(body, -1) {
		if m[1] != "" {
			n, _ := strconv.Atoi(m[1])
			if n >= 1 && n <= len(sources) {
				assign(n - 1)
			}
			continue
		}
		raw := strings.TrimRight(m[2], ".,;:!?")
		norm, err := NormalizeURL(raw)
		if err != nil {
			continue
		}
		if pos, ok := byURL[norm]; ok {
			assign(pos)
		}
	}

	body = numericAnchorRe.ReplaceAllStringFunc(body, func(anchor string) string {
		n, _ := strconv.Atoi(anchor[1 : len(anchor)-1])
		if idx, ok := citationOf[n-1]; ok && n >= 1 {
			return "[" + strconv.Itoa(idx) + "]"
		}
		return ""
	})

	if err := a.verify(ctx, cites); err != nil {
		return Bundle{}, err
	}

	metrics.CitationsBuilt.Observe(float64(len(cites)))
	return Bundle{Report: appendSourcesSection(body, cites), Citations: cites}, nil
}

func (a *Aggregator) verify(ctx context.Context, cites []state.Citation) error {
	if a.verifier == nil || len(cites) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range cites {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			ok := a.verifier.Verify(gctx, cites[i].SourceURL)
			cites[i].Verified = ok
			metrics.CitationChecks.WithLabelValues(strconv.FormatBool(ok)).Inc()
			return nil
		})
	}
	return g.Wait()
}

// stripSourcesSection drops a model-written "## Sources" section; the list
// is rebuilt from the assigned citations.
func stripSourcesSection(report string) string {
	s := strings.TrimSpace(report)
	lower := strings.ToLower(s)
	if idx := strings.LastIndex(lower, "## sources"); idx != -1 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

func appendSourcesSection(body string, cites []state.Citation) string {
	if len(cites) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n## Sources\n")
	for _, c := range cites {
		title := c.Title
		if title == "" {
			title = c.SourceURL
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n", c.Index, title, c.SourceURL)
	}
	return strings.TrimRight(b.String(), "\n")
}
