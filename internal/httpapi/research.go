// Package httpapi exposes the research coordinator over HTTP: a JSON REST
// surface, Server-Sent Events and WebSocket progress streams, and the
// persisted event timeline.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/auth"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/research"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

const maxStartBody = 64 << 10

var idPattern = regexp.MustCompile(`^[A-Za-z0-9:_\-\.]{1,128}$`)

// Service is the coordinator surface the API depends on.
type Service interface {
	Start(ctx context.Context, query string, cfg state.Config) (string, error)
	Status(ctx context.Context, id string) (state.Snapshot, error)
	Result(ctx context.Context, id string) (state.Result, error)
	Cancel(ctx context.Context, id string) error
	History(ctx context.Context, filter state.HistoryFilter) ([]state.Summary, error)
	Delete(ctx context.Context, id string) error
}

// EventLister reads the persisted event log of a task.
type EventLister interface {
	ListEvents(ctx context.Context, researchID string, since uint64) ([]streaming.Event, error)
}

// Options configures Handler.
type Options struct {
	// Auth guards every route. Nil runs without authentication.
	Auth *auth.Middleware
	// Limiter throttles callers per subject. Nil disables throttling.
	Limiter *RateLimiter
	// Events backs GET /api/v1/research/{id}/events. Nil disables the route.
	Events EventLister
	// RequestTimeout bounds non-streaming handlers. Zero means 30s.
	RequestTimeout time.Duration
}

// Handler serves the research API.
type Handler struct {
	svc    Service
	stream *StreamingHandler
	opts   Options
	logger *zap.Logger
}

// NewHandler wires the REST and stream handlers.
func NewHandler(svc Service, mgr *streaming.Manager, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewMiddleware(nil, true, logger)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Handler{
		svc:    svc,
		stream: NewStreamingHandler(mgr, svc, logger),
		opts:   opts,
		logger: logger,
	}
}

// RegisterRoutes registers the /api/v1 routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/research", h.guard(auth.ScopeResearchWrite, h.handleStart))
	mux.Handle("GET /api/v1/research", h.guard(auth.ScopeResearchRead, h.handleHistory))
	mux.Handle("GET /api/v1/research/{id}/status", h.guard(auth.ScopeResearchRead, h.withID(h.handleStatus)))
	mux.Handle("GET /api/v1/research/{id}/result", h.guard(auth.ScopeResearchRead, h.withID(h.handleResult)))
	mux.Handle("POST /api/v1/research/{id}/cancel", h.guard(auth.ScopeResearchWrite, h.withID(h.handleCancel)))
	mux.Handle("DELETE /api/v1/research/{id}", h.guard(auth.ScopeResearchWrite, h.withID(h.handleDelete)))
	mux.Handle("GET /api/v1/research/{id}/stream", h.guard(auth.ScopeResearchRead, h.withID(h.stream.handleSSE)))
	mux.Handle("GET /api/v1/research/{id}/ws", h.guard(auth.ScopeResearchRead, h.withID(h.stream.handleWS)))
	if h.opts.Events != nil {
		mux.Handle("GET /api/v1/research/{id}/events", h.guard(auth.ScopeResearchRead, h.withID(h.handleEvents)))
	}
}

type idHandlerFunc func(w http.ResponseWriter, r *http.Request, id string)

func (h *Handler) guard(scope string, fn http.HandlerFunc) http.Handler {
	var next http.Handler = auth.RequireScope(scope, fn)
	if h.opts.Limiter != nil {
		next = h.opts.Limiter.Middleware(next)
	}
	return h.opts.Auth.HTTPMiddleware(next)
}

func (h *Handler) withID(fn idHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idPattern.MatchString(id) {
			writeError(w, h.logger, state.NewValidationError("research_id", "invalid research id"))
			return
		}
		fn(w, r, id)
	}
}

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.opts.RequestTimeout)
}

type startRequest struct {
	Query         string `json:"query"`
	MaxSubagents  int    `json:"max_subagents"`
	MaxIterations int    `json:"max_iterations"`
}

type startResponse struct {
	ResearchID string       `json:"research_id"`
	Status     state.Status `json:"status"`
}

// handleStart: POST /api/v1/research
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStartBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, h.logger, state.NewValidationError("body", "request body exceeds %d bytes", maxStartBody))
		case errors.Is(err, io.EOF):
			writeError(w, h.logger, state.NewValidationError("body", "request body is required"))
		default:
			writeError(w, h.logger, state.NewValidationError("body", "invalid JSON: %v", err))
		}
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	id, err := h.svc.Start(ctx, req.Query, state.Config{
		MaxSubagents:  req.MaxSubagents,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	fields := []zap.Field{zap.String("research_id", id)}
	if uc, ok := auth.GetUserContext(r.Context()); ok {
		fields = append(fields, zap.String("subject", uc.Subject))
	}
	h.logger.Info("Research accepted", fields...)

	w.Header().Set("Location", "/api/v1/research/"+id+"/status")
	writeJSON(w, http.StatusAccepted, startResponse{ResearchID: id, Status: state.StatusCreated})
}

// handleStatus: GET /api/v1/research/{id}/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	snap, err := h.svc.Status(ctx, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleResult: GET /api/v1/research/{id}/result
func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	res, err := h.svc.Result(ctx, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCancel: POST /api/v1/research/{id}/cancel
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.svc.Cancel(ctx, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"confirmed": true})
}

// handleDelete: DELETE /api/v1/research/{id}
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.svc.Delete(ctx, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type historyResponse struct {
	Items  []state.Summary `json:"items"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// handleHistory: GET /api/v1/research?limit=&offset=&status=
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	items, err := h.svc.History(ctx, filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if items == nil {
		items = []state.Summary{}
	}
	limit := filter.Limit
	if limit == 0 {
		limit = research.DefaultHistoryLimit
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: items, Limit: limit, Offset: filter.Offset})
}

func parseHistoryFilter(r *http.Request) (state.HistoryFilter, error) {
	var filter state.HistoryFilter
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return filter, state.NewValidationError("limit", "limit must be an integer")
		}
		filter.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return filter, state.NewValidationError("offset", "offset must be an integer")
		}
		filter.Offset = n
	}
	if s := q.Get("status"); s != "" {
		st, ok := state.ParseStatus(s)
		if !ok {
			return filter, state.NewValidationError("status", "unknown status %q", s)
		}
		filter.Status = &st
	}
	return filter, nil
}
