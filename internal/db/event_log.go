package db

import (
	"context"
	"fmt"
	"time"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

// EventLog represents a persisted streaming event row.
type EventLog struct {
	ResearchID string    `db:"research_id"`
	Seq        int64     `db:"seq"`
	Type       string    `db:"type"`
	AgentID    *string   `db:"agent_id"`
	Message    *string   `db:"message"`
	Payload    JSONB     `db:"payload"`
	Timestamp  time.Time `db:"timestamp"`
}

// Event converts the row back to a streaming event.
func (e EventLog) Event() streaming.Event {
	evt := streaming.Event{
		ResearchID: e.ResearchID,
		Type:       e.Type,
		Data:       map[string]interface{}(e.Payload),
		Timestamp:  e.Timestamp,
		Seq:        uint64(e.Seq),
	}
	if e.AgentID != nil {
		evt.AgentID = *e.AgentID
	}
	if e.Message != nil {
		evt.Message = *e.Message
	}
	return evt
}

// SaveEventLog inserts a research_events row; replays of the same sequence
// number are ignored.
func (c *Client) SaveEventLog(ctx context.Context, evt streaming.Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return c.execute(ctx, "event", func() error {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO research_events (research_id, seq, type, agent_id, message, payload, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (research_id, seq) DO NOTHING`,
			evt.ResearchID, int64(evt.Seq), evt.Type, nullIfEmpty(evt.AgentID), nullIfEmpty(evt.Message),
			JSONB(evt.Data), evt.Timestamp)
		return err
	})
}

// ListEvents returns a task's persisted events with seq > since in order.
func (c *Client) ListEvents(ctx context.Context, researchID string, since uint64) ([]streaming.Event, error) {
	var rows []EventLog
	err := c.execute(ctx, "events", func() error {
		return c.db.SelectContext(ctx, &rows, `
			SELECT research_id, seq, type, agent_id, message, payload, timestamp
			FROM research_events WHERE research_id = $1 AND seq > $2 ORDER BY seq`,
			researchID, int64(since))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]streaming.Event, len(rows))
	for i, r := range rows {
		out[i] = r.Event()
	}
	return out, nil
}

// EventSink persists every published event. It implements streaming.Sink.
type EventSink struct {
	client *Client
}

// NewEventSink wraps a client.
func NewEventSink(client *Client) *EventSink { return &EventSink{client: client} }

// Name implements streaming.Sink.
func (s *EventSink) Name() string { return "postgres" }

// Write implements streaming.Sink.
func (s *EventSink) Write(ctx context.Context, evt streaming.Event) error {
	return s.client.SaveEventLog(ctx, evt)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
