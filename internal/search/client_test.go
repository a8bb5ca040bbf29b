package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

func TestHTTPClientSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "post-quantum signatures", req.Query)
		assert.Equal(t, 2, req.MaxResults)
		_ = json.NewEncoder(w).Encode(searchResponse{Results: []Result{
			{URL: "https://nist.gov/pqc", Title: "NIST PQC", Snippet: "standards"},
			{URL: "  ", Title: "blank"},
			{URL: "https://example.edu/lattice", Title: "Lattices"},
			{URL: "https://example.com/extra", Title: "Extra"},
		}})
	}))
	defer srv.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: srv.URL, MaxResults: 2}, zaptest.NewLogger(t))
	results, err := c.Search(context.Background(), "post-quantum signatures")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://nist.gov/pqc", results[0].URL)
	assert.Equal(t, "https://example.edu/lattice", results[1].URL)
}

func TestHTTPClientSearchFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))
	_, err := c.Search(context.Background(), "anything at all")
	require.Error(t, err)
	assert.True(t, state.IsKind(err, state.KindProvider))

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	c = NewHTTPClient(ClientConfig{BaseURL: slow.URL, CallTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	_, err = c.Search(context.Background(), "anything at all")
	assert.True(t, state.IsKind(err, state.KindTimeout))
}

func TestHTTPClientRateLimit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode(searchResponse{})
	}))
	defer srv.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: srv.URL, RateLimit: 1, Burst: 1}, zaptest.NewLogger(t))
	_, err := c.Search(context.Background(), "first query")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Search(ctx, "second query")
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
