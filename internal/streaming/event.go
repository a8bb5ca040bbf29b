// Package streaming fans task events out to live subscribers (SSE and
// WebSocket clients) and optional durable sinks such as Redis Streams.
package streaming

import (
	"encoding/json"
	"time"
)

// Event types emitted over the lifetime of a research task.
const (
	EventStatusChanged  = "STATUS_CHANGED"
	EventProgress       = "PROGRESS"
	EventAgentStarted   = "AGENT_STARTED"
	EventAgentCompleted = "AGENT_COMPLETED"
	EventAgentFailed    = "AGENT_FAILED"
	EventTaskCompleted  = "TASK_COMPLETED"
	EventTaskCancelled  = "TASK_CANCELLED"
	EventTaskFailed     = "TASK_FAILED"
)

// Event is one streaming event for a research task.
type Event struct {
	ResearchID string                 `json:"research_id"`
	Type       string                 `json:"type"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Seq        uint64                 `json:"seq"`
}

// IsTerminal reports whether the event closes the task's stream.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventTaskCompleted, EventTaskCancelled, EventTaskFailed:
		return true
	}
	return false
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
