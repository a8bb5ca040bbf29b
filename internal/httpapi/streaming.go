package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

const subscriberBuffer = 256

// StreamingHandler serves SSE and WebSocket streams of task events.
type StreamingHandler struct {
	mgr       *streaming.Manager
	svc       Service
	logger    *zap.Logger
	heartbeat time.Duration
	wsPing    time.Duration
}

func NewStreamingHandler(mgr *streaming.Manager, svc Service, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{
		mgr:       mgr,
		svc:       svc,
		logger:    logger,
		heartbeat: 15 * time.Second,
		wsPing:    20 * time.Second,
	}
}

// subscription is one client's view of a task stream: the live channel,
// the backlog to send first, and whether the task had already ended.
type subscription struct {
	id       string
	ch       chan streaming.Event
	backlog  []streaming.Event
	terminal bool
	filter   map[string]struct{}
	lastSent uint64
}

// accept reports whether evt should be forwarded and records it as sent.
// Events already delivered through the backlog are skipped.
func (s *subscription) accept(evt streaming.Event) bool {
	if evt.Seq != 0 && evt.Seq <= s.lastSent {
		return false
	}
	if evt.Seq > s.lastSent {
		s.lastSent = evt.Seq
	}
	if len(s.filter) > 0 {
		if _, ok := s.filter[evt.Type]; !ok {
			return false
		}
	}
	return true
}

// open subscribes before looking the task up so that no event published
// in between is lost. On error nothing has been written to w.
func (h *StreamingHandler) open(r *http.Request, id string, lastID uint64) (*subscription, error) {
	sub := &subscription{id: id, filter: parseTypes(r.URL.Query().Get("types")), lastSent: lastID}
	sub.ch = h.mgr.Subscribe(id, subscriberBuffer)

	if h.svc != nil {
		snap, err := h.svc.Status(r.Context(), id)
		if err != nil {
			h.mgr.Unsubscribe(id, sub.ch)
			return nil, err
		}
		sub.terminal = snap.Status.IsTerminal()
	}
	if lastID > 0 || sub.terminal {
		sub.backlog = h.mgr.ReplaySince(id, lastID)
	}
	return sub, nil
}

func (h *StreamingHandler) close(sub *subscription) {
	h.mgr.Unsubscribe(sub.id, sub.ch)
}

func parseTypes(s string) map[string]struct{} {
	filter := map[string]struct{}{}
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			filter[strings.ToUpper(t)] = struct{}{}
		}
	}
	return filter
}

func parseLastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// handleSSE streams events for a task via Server-Sent Events.
// GET /api/v1/research/{id}/stream?types=&last_event_id=
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub, err := h.open(r, id, parseLastEventID(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer h.close(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": connected to research %s\n\n", id)
	flusher.Flush()

	for _, ev := range sub.backlog {
		if sub.accept(ev) {
			writeSSE(w, ev)
		}
	}
	flusher.Flush()
	if sub.terminal {
		return
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("research_id", id))
			return
		case evt, ok := <-sub.ch:
			if !ok {
				return
			}
			if sub.accept(evt) {
				writeSSE(w, evt)
				flusher.Flush()
			}
			if evt.IsTerminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}
