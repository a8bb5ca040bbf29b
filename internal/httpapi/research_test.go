package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/auth"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

type fakeService struct {
	mu         sync.Mutex
	statuses   map[string]state.Status
	err        error
	lastQuery  string
	lastConfig state.Config
	lastFilter state.HistoryFilter
	cancelled  []string
	deleted    []string
}

func newFakeService() *fakeService {
	return &fakeService{statuses: map[string]state.Status{}}
}

func (f *fakeService) setStatus(id string, st state.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = st
}

func (f *fakeService) Start(_ context.Context, query string, cfg state.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.lastQuery, f.lastConfig = query, cfg
	f.statuses["r-1"] = state.StatusCreated
	return "r-1", nil
}

func (f *fakeService) Status(_ context.Context, id string) (state.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return state.Snapshot{}, f.err
	}
	st, ok := f.statuses[id]
	if !ok {
		return state.Snapshot{}, state.NewNotFoundError(id)
	}
	return state.Snapshot{ResearchID: id, Status: st, ProgressPercentage: 40}, nil
}

func (f *fakeService) Result(ctx context.Context, id string) (state.Result, error) {
	snap, err := f.Status(ctx, id)
	if err != nil {
		return state.Result{}, err
	}
	if snap.Status != state.StatusCompleted {
		return state.Result{}, state.NewStateError("research %s is %s", id, snap.Status)
	}
	return state.Result{ResearchID: id, Report: "report [1]", TokensUsed: 12}, nil
}

func (f *fakeService) Cancel(ctx context.Context, id string) error {
	if _, err := f.Status(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeService) History(_ context.Context, filter state.HistoryFilter) ([]state.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.lastFilter = filter
	return []state.Summary{{ResearchID: "r-1", Status: state.StatusCompleted}}, nil
}

func (f *fakeService) Delete(ctx context.Context, id string) error {
	if _, err := f.Status(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeEvents struct {
	events []streaming.Event
	err    error
}

func (f *fakeEvents) ListEvents(_ context.Context, _ string, since uint64) ([]streaming.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []streaming.Event
	for _, e := range f.events {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestMux(t *testing.T, svc Service, mgr *streaming.Manager, opts Options) *http.ServeMux {
	t.Helper()
	if mgr == nil {
		mgr = streaming.NewManager(16, zaptest.NewLogger(t))
	}
	h := NewHandler(svc, mgr, opts, zaptest.NewLogger(t))
	h.stream.heartbeat = 20 * time.Millisecond
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStartAccepted(t *testing.T) {
	svc := newFakeService()
	mux := newTestMux(t, svc, nil, Options{})

	rec := do(t, mux, http.MethodPost, "/api/v1/research", `{"query":"history of the printing press","max_subagents":2,"max_iterations":3}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r-1", resp.ResearchID)
	assert.Equal(t, state.StatusCreated, resp.Status)
	assert.Equal(t, "/api/v1/research/r-1/status", rec.Header().Get("Location"))
	assert.Equal(t, "history of the printing press", svc.lastQuery)
	assert.Equal(t, state.Config{MaxSubagents: 2, MaxIterations: 3}, svc.lastConfig)
}

func TestStartRejectsBadBodies(t *testing.T) {
	mux := newTestMux(t, newFakeService(), nil, Options{})

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", `{"query":`},
		{"unknown field", `{"query":"long enough query","depth":9}`},
		{"too large", `{"query":"` + strings.Repeat("a", maxStartBody) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/research", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, string(state.KindValidation), body.Kind)
			assert.Equal(t, "body", body.Field)
		})
	}
}

func TestErrorKindMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind state.ErrorKind
	}{
		{state.NewValidationError("query", "too short"), http.StatusBadRequest, state.KindValidation},
		{state.NewNotFoundError("x"), http.StatusNotFound, state.KindNotFound},
		{state.NewStateError("not done"), http.StatusConflict, state.KindState},
		{state.NewProviderError("llm", false, errors.New("boom")), http.StatusBadGateway, state.KindProvider},
		{state.NewTimeoutError("task", context.DeadlineExceeded), http.StatusGatewayTimeout, state.KindTimeout},
		{state.NewInternalError("oops", nil), http.StatusInternalServerError, state.KindInternal},
		{errors.New("raw"), http.StatusInternalServerError, state.KindInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.err.Error(), func(t *testing.T) {
			svc := newFakeService()
			svc.err = tt.err
			mux := newTestMux(t, svc, nil, Options{})

			rec := do(t, mux, http.MethodPost, "/api/v1/research", `{"query":"a valid research query"}`)
			assert.Equal(t, tt.code, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, string(tt.kind), body.Kind)
			assert.NotContains(t, body.Error, "raw")
		})
	}
}

func TestValidationFieldIsReported(t *testing.T) {
	svc := newFakeService()
	svc.err = state.NewValidationError("max_subagents", "max_subagents must be between 1 and 5")
	mux := newTestMux(t, svc, nil, Options{})

	rec := do(t, mux, http.MethodPost, "/api/v1/research", `{"query":"a valid research query","max_subagents":9}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "max_subagents", decodeError(t, rec).Field)
}

func TestTaskRoutes(t *testing.T) {
	svc := newFakeService()
	svc.setStatus("done-1", state.StatusCompleted)
	svc.setStatus("run-1", state.StatusSearching)
	mux := newTestMux(t, svc, nil, Options{})

	rec := do(t, mux, http.MethodGet, "/api/v1/research/run-1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, state.StatusSearching, snap.Status)
	assert.Equal(t, 40, snap.ProgressPercentage)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/run-1/result", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/done-1/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res state.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "report [1]", res.Report)

	rec = do(t, mux, http.MethodPost, "/api/v1/research/run-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"confirmed":true}`, rec.Body.String())
	assert.Equal(t, []string{"run-1"}, svc.cancelled)

	rec = do(t, mux, http.MethodDelete, "/api/v1/research/done-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"done-1"}, svc.deleted)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/missing/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/a*b/status", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "research_id", decodeError(t, rec).Field)

	rec = do(t, mux, http.MethodPut, "/api/v1/research/run-1/cancel", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistoryParsing(t *testing.T) {
	svc := newFakeService()
	mux := newTestMux(t, svc, nil, Options{})

	rec := do(t, mux, http.MethodGet, "/api/v1/research?limit=5&offset=10&status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.lastFilter.Status)
	assert.Equal(t, state.StatusCompleted, *svc.lastFilter.Status)
	assert.Equal(t, 5, svc.lastFilter.Limit)
	assert.Equal(t, 10, svc.lastFilter.Offset)

	var resp historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 1)
	assert.Equal(t, 5, resp.Limit)

	rec = do(t, mux, http.MethodGet, "/api/v1/research", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 20, resp.Limit)

	tests := []struct {
		query string
		field string
	}{
		{"status=bogus", "status"},
		{"limit=ten", "limit"},
		{"offset=-x", "offset"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := do(t, mux, http.MethodGet, "/api/v1/research?"+tt.query, "")
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.field, decodeError(t, rec).Field)
		})
	}
}

func TestAuthRequired(t *testing.T) {
	jwtm := auth.NewJWTManager("secret", "", time.Hour)
	mux := newTestMux(t, newFakeService(), nil, Options{Auth: auth.NewMiddleware(jwtm, false, nil)})

	rec := do(t, mux, http.MethodPost, "/api/v1/research", `{"query":"a valid research query"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, err := jwtm.GenerateToken("v", "v", auth.RoleViewer)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/research", strings.NewReader(`{"query":"a valid research query"}`))
	req.Header.Set("Authorization", "Bearer "+viewer)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/research", nil)
	req.Header.Set("Authorization", "Bearer "+viewer)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	mux := newTestMux(t, newFakeService(), nil, Options{Limiter: NewRateLimiter(0.001, 2, nil)})

	for i := 0; i < 2; i++ {
		rec := do(t, mux, http.MethodGet, "/api/v1/research", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, mux, http.MethodGet, "/api/v1/research", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestEventsTimeline(t *testing.T) {
	svc := newFakeService()
	svc.setStatus("r-1", state.StatusCompleted)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lister := &fakeEvents{events: []streaming.Event{
		{ResearchID: "r-1", Seq: 1, Type: streaming.EventStatusChanged, Timestamp: t0},
		{ResearchID: "r-1", Seq: 2, Type: streaming.EventAgentStarted, AgentID: "a", Timestamp: t0.Add(time.Second)},
		{ResearchID: "r-1", Seq: 3, Type: streaming.EventTaskCompleted, Timestamp: t0.Add(3 * time.Second)},
	}}
	mux := newTestMux(t, svc, nil, Options{Events: lister})

	rec := do(t, mux, http.MethodGet, "/api/v1/research/r-1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp timelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 3)
	assert.Equal(t, 3, resp.Stats.Total)
	assert.Equal(t, 1, resp.Stats.Agents)
	assert.Equal(t, int64(3000), resp.Stats.DurationMs)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/r-1/events?since=2", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 1)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/r-1/events?since=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/research/nope/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	lister.err = errors.New("db down")
	rec = do(t, mux, http.MethodGet, "/api/v1/research/r-1/events", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type sseFrame struct {
	id    string
	event string
	data  string
}

func readSSE(t *testing.T, resp *http.Response) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" || cur.data != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func TestSSEStreamsUntilTerminal(t *testing.T) {
	svc := newFakeService()
	svc.setStatus("r-1", state.StatusSearching)
	mgr := streaming.NewManager(16, zaptest.NewLogger(t))
	srv := httptest.NewServer(newTestMux(t, svc, mgr, Options{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/research/r-1/stream?types=progress,task_completed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return mgr.SubscriberCount("r-1") == 1 }, 2*time.Second, 5*time.Millisecond)
	mgr.Publish("r-1", streaming.Event{Type: streaming.EventAgentStarted, AgentID: "a"})
	mgr.Publish("r-1", streaming.Event{Type: streaming.EventProgress, Data: map[string]interface{}{"progress": 50}})
	mgr.Publish("r-1", streaming.Event{Type: streaming.EventTaskCompleted})

	frames := readSSE(t, resp)
	require.Len(t, frames, 2)
	assert.Equal(t, streaming.EventProgress, frames[0].event)
	assert.Equal(t, "2", frames[0].id)
	assert.Equal(t, streaming.EventTaskCompleted, frames[1].event)

	var ev streaming.Event
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &ev))
	assert.Equal(t, "r-1", ev.ResearchID)
}

func TestSSEReplaysFinishedTask(t *testing.T) {
	svc := newFakeService()
	svc.setStatus("r-1", state.StatusCompleted)
	mgr := streaming.NewManager(16, zaptest.NewLogger(t))
	mgr.Publish("r-1", streaming.Event{Type: streaming.EventStatusChanged})
	mgr.Publish("r-1", streaming.Event{Type: streaming.EventProgress})
	mgr.Publish("r-1", streaming.Event{Type: streaming.EventTaskCompleted})
	srv := httptest.NewServer(newTestMux(t, svc, mgr, Options{}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/research/r-1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	frames := readSSE(t, resp)
	require.Len(t, frames, 2)
	assert.Equal(t, "2", frames[0].id)
	assert.Equal(t, "3", frames[1].id)
	assert.Equal(t, 0, mgr.SubscriberCount("r-1"))
}

func TestSSEUnknownTask(t *testing.T) {
	srv := httptest.NewServer(newTestMux(t, newFakeService(), nil, Options{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/research/nope/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	svc := newFakeService()
	svc.setStatus("r-1", state.StatusPlanning)
	mgr := streaming.NewManager(16, zaptest.NewLogger(t))
	mgr.Publish("r-1", streaming.Event{Type: streaming.EventStatusChanged})
	srv := httptest.NewServer(newTestMux(t, svc, mgr, Options{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/research/r-1/ws?last_event_id=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return mgr.SubscriberCount("r-1") == 1 }, 2*time.Second, 5*time.Millisecond)
	mgr.Publish("r-1", streaming.Event{Type: streaming.EventAgentCompleted, AgentID: "a"})
	mgr.Publish("r-1", streaming.Event{Type: streaming.EventTaskCancelled})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got []streaming.Event
	for {
		var ev streaming.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, streaming.EventTaskCancelled, got[1].Type)
}
