package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/circuitbreaker"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/tracing"
)

// ClientConfig configures the HTTP search client.
type ClientConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	MaxResults  int           `mapstructure:"max_results"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"` // requests per second, 0 = unlimited
	Burst       int           `mapstructure:"burst"`
}

// HTTPClient queries the search service. Requests share one rate limiter
// across every task in the process.
type HTTPClient struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// NewHTTPClient builds a rate-limited, breaker-guarded search client.
func NewHTTPClient(cfg ClientConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	transport := circuitbreaker.NewTransport(nil, "search", "search-service", circuitbreaker.GetSearchConfig(), logger)
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
	}
}

// Search implements Gateway. Time spent waiting for the rate limiter does
// not count against the per-call timeout.
func (c *HTTPClient) Search(ctx context.Context, query string) ([]Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, state.NewProviderError("search", true, fmt.Errorf("rate limiter: %w", err))
	}

	ctx, span := tracing.StartSpan(ctx, "search.query")
	start := time.Now()
	results, err := c.search(ctx, query)
	status := "success"
	if err != nil {
		status = string(state.KindOf(err))
	} else if len(results) == 0 {
		status = "empty"
	}
	metrics.RecordSearchCall(status, time.Since(start).Seconds())
	tracing.EndSpan(span, err)
	return results, err
}

func (c *HTTPClient) search(ctx context.Context, query string) ([]Result, error) {
	payload, err := json.Marshal(searchRequest{Query: query, MaxResults: c.cfg.MaxResults})
	if err != nil {
		return nil, state.NewInternalError("failed to marshal search request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/v1/search", bytes.NewReader(payload))
	if err != nil {
		return nil, state.NewInternalError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, state.ClassifyCallError(ctx, callCtx, "search", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, state.ClassifyCallError(ctx, callCtx, "search", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, state.NewProviderError("search", retryable,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, state.NewProviderError("search", false, fmt.Errorf("invalid response body: %w", err))
	}

	results := out.Results[:0]
	for _, r := range out.Results {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		results = append(results, r)
	}
	if len(results) > c.cfg.MaxResults {
		results = results[:c.cfg.MaxResults]
	}
	c.logger.Debug("Search completed", zap.String("query", query), zap.Int("results", len(results)))
	return results, nil
}
