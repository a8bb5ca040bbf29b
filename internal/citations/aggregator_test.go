package citations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

type stubVerifier struct {
	mu   sync.Mutex
	ok   map[string]bool
	seen []string
}

func (s *stubVerifier) Verify(_ context.Context, rawURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, rawURL)
	return s.ok[rawURL]
}

func TestDedupeKeepsFirstOccurrence(t *testing.T) {
	agg := NewAggregator(nil, 0, zaptest.NewLogger(t))
	in := []state.Source{
		{URL: "https://www.nist.gov/pqc/", Title: "first", RelevanceScore: 0.2, Subtopic: "round 1"},
		{URL: "https://example.com/a?utm_source=x", Title: "a"},
		{URL: "https://nist.gov/pqc#top", Title: "second", RelevanceScore: 0.9, Subtopic: "round 2"},
		{URL: "not a url", Title: "bad"},
		{URL: "https://example.com/a", Title: "a again"},
	}
	got := agg.Dedupe(in)

	want := []state.Source{
		{URL: "https://nist.gov/pqc", Title: "first", RelevanceScore: 0.2, Subtopic: "round 1"},
		{URL: "https://example.com/a", Title: "a"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Dedupe mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildAssignsIndicesInFirstUseOrder(t *testing.T) {
	sources := []state.Source{
		{URL: "https://a.example/one", Title: "One"},
		{URL: "https://b.example/two", Title: "Two"},
		{URL: "https://c.example/three", Title: "Three"},
		{URL: "https://d.example/four", Title: "Four"},
	}
	report := "Shor's algorithm breaks RSA [3]. Lattices resist it [1][3]. " +
		"See https://d.example/four. for the migration plan. Phantom claim [9].\n\n## Sources\n[1] stale list"

	verifier := &stubVerifier{ok: map[string]bool{"https://c.example/three": true}}
	agg := NewAggregator(verifier, 2, zaptest.NewLogger(t))

	bundle, err := agg.Build(context.Background(), report, sources)
	require.NoError(t, err)

	want := []state.Citation{
		{Index: 1, SourceURL: "https://c.example/three", Title: "Three", Verified: true},
		{Index: 2, SourceURL: "https://a.example/one", Title: "One"},
		{Index: 3, SourceURL: "https://d.example/four", Title: "Four"},
	}
	if diff := cmp.Diff(want, bundle.Citations); diff != "" {
		t.Fatalf("citations mismatch (-want +got):\n%s", diff)
	}

	assert.Contains(t, bundle.Report, "breaks RSA [1].")
	assert.Contains(t, bundle.Report, "resist it [2][1].")
	assert.NotContains(t, bundle.Report, "[9]")
	assert.NotContains(t, bundle.Report, "stale list")
	assert.True(t, strings.HasSuffix(bundle.Report, "[3] Four (https://d.example/four)"))
	assert.Len(t, verifier.seen, 3)
}

func TestBuildIsDeterministic(t *testing.T) {
	sources := []state.Source{
		{URL: "https://a.example/one"},
		{URL: "https://b.example/two"},
	}
	agg := NewAggregator(nil, 0, zaptest.NewLogger(t))
	first, err := agg.Build(context.Background(), "x [2] y [1] z [2]", sources)
	require.NoError(t, err)
	second, err := agg.Build(context.Background(), "x [2] y [1] z [2]", sources)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "https://b.example/two", first.Citations[0].SourceURL)
	assert.False(t, first.Citations[0].Verified)
}

func TestBuildWithoutAnchors(t *testing.T) {
	agg := NewAggregator(nil, 0, zaptest.NewLogger(t))
	bundle, err := agg.Build(context.Background(), "A report with no references.", []state.Source{{URL: "https://a.example"}})
	require.NoError(t, err)
	assert.Empty(t, bundle.Citations)
	assert.Equal(t, "A report with no references.", bundle.Report)
}

func TestHTTPVerifier(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	mux.HandleFunc("/nohead", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := NewHTTPVerifier(time.Second, zaptest.NewLogger(t))
	ctx := context.Background()
	assert.True(t, v.Verify(ctx, srv.URL+"/ok"))
	assert.False(t, v.Verify(ctx, srv.URL+"/gone"))
	assert.True(t, v.Verify(ctx, srv.URL+"/nohead"))
	assert.False(t, v.Verify(ctx, "http://127.0.0.1:1/unreachable"))
}
