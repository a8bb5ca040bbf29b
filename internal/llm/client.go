package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/circuitbreaker"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/tracing"
)

// ClientConfig configures the HTTP language-model client.
type ClientConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	ModelTier   string        `mapstructure:"model_tier"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// HTTPClient calls the LLM service's completion endpoint.
type HTTPClient struct {
	cfg    ClientConfig
	http   *http.Client
	logger *zap.Logger
}

type completionRequest struct {
	Messages    []Message `json:"messages"`
	ModelTier   string    `json:"model_tier,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Success    bool   `json:"success"`
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
	Provider   string `json:"provider"`
	Error      string `json:"error"`
}

// NewHTTPClient builds a client whose transport is guarded by the LLM
// circuit breaker.
func NewHTTPClient(cfg ClientConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	transport := circuitbreaker.NewTransport(nil, "llm", "llm-service", circuitbreaker.GetLLMConfig(), logger)
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		logger: logger,
	}
}

// Call implements Gateway. Each call is bounded by CallTimeout.
func (c *HTTPClient) Call(ctx context.Context, messages []Message) (string, int, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.call")
	start := time.Now()
	text, tokens, err := c.call(ctx, messages)
	status := "success"
	if err != nil {
		status = string(state.KindOf(err))
	}
	metrics.RecordLLMCall(status, time.Since(start).Seconds(), tokens)
	tracing.EndSpan(span, err)
	return text, tokens, err
}

func (c *HTTPClient) call(ctx context.Context, messages []Message) (string, int, error) {
	payload, err := json.Marshal(completionRequest{
		Messages:    messages,
		ModelTier:   c.cfg.ModelTier,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", 0, state.NewInternalError("failed to marshal completion request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/v1/completions", bytes.NewReader(payload))
	if err != nil {
		return "", 0, state.NewInternalError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, state.ClassifyCallError(ctx, callCtx, "llm", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", 0, state.ClassifyCallError(ctx, callCtx, "llm", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return "", 0, state.NewProviderError("llm", retryable,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out completionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", 0, state.NewProviderError("llm", true, fmt.Errorf("invalid response body: %w", err))
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "unsuccessful completion"
		}
		return "", out.TokensUsed, state.NewProviderError("llm", true, errors.New(msg))
	}

	c.logger.Debug("LLM call completed",
		zap.String("model", out.ModelUsed),
		zap.String("provider", out.Provider),
		zap.Int("tokens", out.TokensUsed),
	)
	return out.Response, out.TokensUsed, nil
}
