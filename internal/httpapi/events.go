package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

type timelineStats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	Agents     int            `json:"agents"`
	FirstEvent *time.Time     `json:"first_event,omitempty"`
	LastEvent  *time.Time     `json:"last_event,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

type timelineResponse struct {
	ResearchID string            `json:"research_id"`
	Events     []streaming.Event `json:"events"`
	Stats      timelineStats     `json:"stats"`
}

// handleEvents returns the persisted event timeline of a task.
// GET /api/v1/research/{id}/events?since=<seq>
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, h.logger, state.NewValidationError("since", "since must be a non-negative integer"))
			return
		}
		since = n
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	// Unknown ids are reported the same way as on the other routes.
	if _, err := h.svc.Status(ctx, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	events, err := h.opts.Events.ListEvents(ctx, id, since)
	if err != nil {
		writeError(w, h.logger, state.NewInternalError("failed to load events", err))
		return
	}
	if events == nil {
		events = []streaming.Event{}
	}
	writeJSON(w, http.StatusOK, timelineResponse{ResearchID: id, Events: events, Stats: buildTimelineStats(events)})
}

func buildTimelineStats(events []streaming.Event) timelineStats {
	stats := timelineStats{Total: len(events), ByType: map[string]int{}}
	agents := map[string]struct{}{}
	for i := range events {
		ev := events[i]
		stats.ByType[ev.Type]++
		if ev.AgentID != "" {
			agents[ev.AgentID] = struct{}{}
		}
		if stats.FirstEvent == nil || ev.Timestamp.Before(*stats.FirstEvent) {
			t := ev.Timestamp
			stats.FirstEvent = &t
		}
		if stats.LastEvent == nil || ev.Timestamp.After(*stats.LastEvent) {
			t := ev.Timestamp
			stats.LastEvent = &t
		}
	}
	stats.Agents = len(agents)
	if stats.FirstEvent != nil {
		stats.DurationMs = stats.LastEvent.Sub(*stats.FirstEvent).Milliseconds()
	}
	return stats
}
