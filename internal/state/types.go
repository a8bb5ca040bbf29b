package state

import (
	"fmt"
	"time"
)

// AgentKind tags the closed set of agent variants that act on a task.
type AgentKind string

const (
	AgentLead     AgentKind = "lead"
	AgentSearch   AgentKind = "search"
	AgentCitation AgentKind = "citation"
)

// ActivityStatus is the state of one agent activity.
type ActivityStatus string

const (
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
	ActivityCancelled ActivityStatus = "cancelled"
)

// Config holds the per-task knobs accepted by start.
type Config struct {
	MaxSubagents  int `json:"max_subagents"`
	MaxIterations int `json:"max_iterations"`
}

// Source is one deduplicated search hit. URL is the normalized form.
type Source struct {
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
	Subtopic       string  `json:"subtopic,omitempty"`
}

// Citation is a stable, 1-based reference from the report to a Source.
type Citation struct {
	Index     int    `json:"index"`
	SourceURL string `json:"source_url"`
	Title     string `json:"title,omitempty"`
	Verified  bool   `json:"verified"`
}

// AgentActivity records one agent's work on a task fragment.
type AgentActivity struct {
	AgentID      string         `json:"agent_id"`
	Kind         AgentKind      `json:"kind"`
	TaskFragment string         `json:"task_fragment"`
	Status       ActivityStatus `json:"status"`
	Round        int            `json:"round,omitempty"`
	SourcesFound int            `json:"sources_found,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Task is the full lifecycle state of one research request. It is owned by
// the coordinator goroutine; everyone else sees copies.
type Task struct {
	ID                  string          `json:"research_id"`
	Query               string          `json:"query"`
	MaxSubagents        int             `json:"max_subagents"`
	MaxIterations       int             `json:"max_iterations"`
	Status              Status          `json:"status"`
	ProgressPercentage  int             `json:"progress_percentage"`
	CurrentStage        string          `json:"current_stage"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	ElapsedSeconds      float64         `json:"elapsed_seconds"`
	AgentActivities     []AgentActivity `json:"agent_activities"`
	SourcesUsed         []Source        `json:"sources_used"`
	Citations           []Citation      `json:"citations"`
	Subtopics           []string        `json:"subtopics,omitempty"`
	IterationsCompleted int             `json:"iterations_completed"`
	Report              string          `json:"report,omitempty"`
	TokensUsed          int             `json:"tokens_used"`
	Error               string          `json:"error,omitempty"`
	ErrorKind           string          `json:"error_kind,omitempty"`
	Revision            int64           `json:"revision"`
}

// Stats are the aggregate counters exposed by status.
type Stats struct {
	TokensUsed   int `json:"tokens_used"`
	SourcesCount int `json:"sources_count"`
	AgentCount   int `json:"agent_count"`
}

// Snapshot is the read-only view returned by status.
type Snapshot struct {
	ResearchID         string          `json:"research_id"`
	Query              string          `json:"query"`
	Status             Status          `json:"status"`
	ProgressPercentage int             `json:"progress_percentage"`
	CurrentStage       string          `json:"current_stage"`
	ElapsedSeconds     float64         `json:"elapsed_seconds"`
	AgentActivities    []AgentActivity `json:"agent_activities"`
	Stats              Stats           `json:"stats"`
	Error              string          `json:"error,omitempty"`
	ErrorKind          string          `json:"error_kind,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Result is the payload of a completed task.
type Result struct {
	ResearchID    string     `json:"research_id"`
	Report        string     `json:"report"`
	SourcesUsed   []Source   `json:"sources_used"`
	Citations     []Citation `json:"citations"`
	TokensUsed    int        `json:"tokens_used"`
	ExecutionTime float64    `json:"execution_time"`
}

// Summary is one row of the history listing.
type Summary struct {
	ResearchID         string     `json:"research_id"`
	Query              string     `json:"query"`
	Status             Status     `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	SourcesCount       int        `json:"sources_count"`
	CitationsCount     int        `json:"citations_count"`
	TokensUsed         int        `json:"tokens_used"`
}

// HistoryFilter selects a page of the history listing.
type HistoryFilter struct {
	Limit  int
	Offset int
	Status *Status
}

// Validate checks structural invariants of a stored task.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	if _, ok := ParseStatus(string(t.Status)); !ok {
		return fmt.Errorf("unknown status %q", t.Status)
	}
	if t.ProgressPercentage < 0 || t.ProgressPercentage > 100 {
		return fmt.Errorf("progress must be between 0 and 100, got %d", t.ProgressPercentage)
	}
	seen := make(map[string]struct{}, len(t.SourcesUsed))
	for _, s := range t.SourcesUsed {
		if _, dup := seen[s.URL]; dup {
			return fmt.Errorf("duplicate source %s", s.URL)
		}
		seen[s.URL] = struct{}{}
	}
	for i, c := range t.Citations {
		if c.Index != i+1 {
			return fmt.Errorf("citation %d has index %d", i, c.Index)
		}
		if _, ok := seen[c.SourceURL]; !ok {
			return fmt.Errorf("citation %d references unknown source %s", c.Index, c.SourceURL)
		}
	}
	if t.Report != "" && t.Status != StatusCompleted {
		return fmt.Errorf("report set on %s task", t.Status)
	}
	return nil
}

// Elapsed returns wall time since creation, frozen at completion.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(t.CreatedAt)
	}
	return now.Sub(t.CreatedAt)
}

// AgentCount counts distinct agents that have worked on the task.
func (t *Task) AgentCount() int {
	seen := make(map[string]struct{}, len(t.AgentActivities))
	for _, a := range t.AgentActivities {
		seen[a.AgentID] = struct{}{}
	}
	return len(seen)
}

// ActiveAgents counts running activities.
func (t *Task) ActiveAgents() int {
	n := 0
	for _, a := range t.AgentActivities {
		if a.Status == ActivityRunning {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	c := *t
	c.AgentActivities = make([]AgentActivity, len(t.AgentActivities))
	for i, a := range t.AgentActivities {
		if a.FinishedAt != nil {
			ft := *a.FinishedAt
			a.FinishedAt = &ft
		}
		c.AgentActivities[i] = a
	}
	c.SourcesUsed = append([]Source(nil), t.SourcesUsed...)
	c.Citations = append([]Citation(nil), t.Citations...)
	c.Subtopics = append([]string(nil), t.Subtopics...)
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	return &c
}

// Snapshot builds the status view of t at now.
func (t *Task) Snapshot(now time.Time) Snapshot {
	c := t.Clone()
	return Snapshot{
		ResearchID:         c.ID,
		Query:              c.Query,
		Status:             c.Status,
		ProgressPercentage: c.ProgressPercentage,
		CurrentStage:       c.CurrentStage,
		ElapsedSeconds:     c.Elapsed(now).Seconds(),
		AgentActivities:    c.AgentActivities,
		Stats: Stats{
			TokensUsed:   c.TokensUsed,
			SourcesCount: len(c.SourcesUsed),
			AgentCount:   c.AgentCount(),
		},
		Error:       c.Error,
		ErrorKind:   c.ErrorKind,
		CreatedAt:   c.CreatedAt,
		CompletedAt: c.CompletedAt,
	}
}

// Result builds the result view. Callers check Status first.
func (t *Task) Result() Result {
	c := t.Clone()
	return Result{
		ResearchID:    c.ID,
		Report:        c.Report,
		SourcesUsed:   c.SourcesUsed,
		Citations:     c.Citations,
		TokensUsed:    c.TokensUsed,
		ExecutionTime: c.ElapsedSeconds,
	}
}

// Summary builds the history row for t.
func (t *Task) Summary() Summary {
	var completed *time.Time
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		completed = &ct
	}
	return Summary{
		ResearchID:         t.ID,
		Query:              t.Query,
		Status:             t.Status,
		ProgressPercentage: t.ProgressPercentage,
		CreatedAt:          t.CreatedAt,
		CompletedAt:        completed,
		SourcesCount:       len(t.SourcesUsed),
		CitationsCount:     len(t.Citations),
		TokensUsed:         t.TokensUsed,
	}
}

// Finding is the outcome of one search subagent for one subtopic. Err is set
// when the subagent produced no sources because of a failure.
type Finding struct {
	Subtopic string   `json:"subtopic"`
	AgentID  string   `json:"agent_id"`
	Round    int      `json:"round"`
	Sources  []Source `json:"sources"`
	Err      error    `json:"-"`
}

// Succeeded reports whether the subagent finished without error.
func (f Finding) Succeeded() bool { return f.Err == nil }
