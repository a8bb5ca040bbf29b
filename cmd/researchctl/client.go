package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

// apiError is the decoded error body of a failed API call.
type apiError struct {
	StatusCode int
	Message    string `json:"error"`
	Kind       string `json:"kind"`
	Field      string `json:"field"`
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %s)", msg, e.Field)
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
}

// apiClient talks to the research HTTP API.
type apiClient struct {
	base   string
	token  string
	http   *http.Client
	stream *http.Client
}

func newAPIClient(base, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		http:   &http.Client{Timeout: timeout},
		stream: &http.Client{},
	}
}

type startRequest struct {
	Query         string `json:"query"`
	MaxSubagents  int    `json:"max_subagents,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

type startResponse struct {
	ResearchID string       `json:"research_id"`
	Status     state.Status `json:"status"`
}

type historyResponse struct {
	Items  []state.Summary `json:"items"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeAPIError(resp *http.Response) error {
	e := &apiError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, e); err != nil {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

func (c *apiClient) Start(ctx context.Context, req startRequest) (startResponse, error) {
	var out startResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/research", req, &out)
	return out, err
}

func (c *apiClient) Status(ctx context.Context, id string) (state.Snapshot, error) {
	var out state.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/research/"+url.PathEscape(id)+"/status", nil, &out)
	return out, err
}

func (c *apiClient) Result(ctx context.Context, id string) (state.Result, error) {
	var out state.Result
	err := c.do(ctx, http.MethodGet, "/api/v1/research/"+url.PathEscape(id)+"/result", nil, &out)
	return out, err
}

func (c *apiClient) Cancel(ctx context.Context, id string) (bool, error) {
	var out struct {
		Confirmed bool `json:"confirmed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/research/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out.Confirmed, err
}

func (c *apiClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/research/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) History(ctx context.Context, limit, offset int, status string) (historyResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/api/v1/research"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out historyResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Watch follows the SSE stream of a task and calls fn for every event
// until the server ends the stream or ctx is done.
func (c *apiClient) Watch(ctx context.Context, id, types string, fn func(streaming.Event) error) error {
	path := "/api/v1/research/" + url.PathEscape(id) + "/stream"
	if types != "" {
		path += "?types=" + url.QueryEscape(types)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev streaming.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
