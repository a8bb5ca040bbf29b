package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, j)
}

// TaskDocument is the full task serialized into a jsonb column.
type TaskDocument struct {
	Task *state.Task
}

// Value implements the driver.Valuer interface
func (d TaskDocument) Value() (driver.Value, error) {
	if d.Task == nil {
		return nil, nil
	}
	return json.Marshal(d.Task)
}

// Scan implements the sql.Scanner interface
func (d *TaskDocument) Scan(value interface{}) error {
	if value == nil {
		d.Task = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	var t state.Task
	if err := json.Unmarshal(bytes, &t); err != nil {
		return fmt.Errorf("decode task document: %w", err)
	}
	d.Task = &t
	return nil
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into jsonb", value)
	}
}

// ResearchTask is one row of research_tasks. The indexed columns duplicate
// fields of Document so history queries never decode the document.
type ResearchTask struct {
	ID                 string       `db:"id"`
	Query              string       `db:"query"`
	Status             string       `db:"status"`
	ProgressPercentage int          `db:"progress_percentage"`
	CurrentStage       string       `db:"current_stage"`
	TokensUsed         int          `db:"tokens_used"`
	SourcesCount       int          `db:"sources_count"`
	CitationsCount     int          `db:"citations_count"`
	ErrorMessage       *string      `db:"error"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
	CompletedAt        *time.Time   `db:"completed_at"`
	Revision           int64        `db:"revision"`
	Document           TaskDocument `db:"document"`
}

// NewResearchTask maps a task onto its row.
func NewResearchTask(t *state.Task) *ResearchTask {
	var errMsg *string
	if t.Error != "" {
		e := t.Error
		errMsg = &e
	}
	return &ResearchTask{
		ID:                 t.ID,
		Query:              t.Query,
		Status:             string(t.Status),
		ProgressPercentage: t.ProgressPercentage,
		CurrentStage:       t.CurrentStage,
		TokensUsed:         t.TokensUsed,
		SourcesCount:       len(t.SourcesUsed),
		CitationsCount:     len(t.Citations),
		ErrorMessage:       errMsg,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		CompletedAt:        t.CompletedAt,
		Revision:           t.Revision,
		Document:           TaskDocument{Task: t},
	}
}

// SummaryRow is the projection used by history listings.
type SummaryRow struct {
	ID                 string     `db:"id"`
	Query              string     `db:"query"`
	Status             string     `db:"status"`
	ProgressPercentage int        `db:"progress_percentage"`
	CreatedAt          time.Time  `db:"created_at"`
	CompletedAt        *time.Time `db:"completed_at"`
	SourcesCount       int        `db:"sources_count"`
	CitationsCount     int        `db:"citations_count"`
	TokensUsed         int        `db:"tokens_used"`
}

// Summary converts the row.
func (r SummaryRow) Summary() state.Summary {
	return state.Summary{
		ResearchID:         r.ID,
		Query:              r.Query,
		Status:             state.Status(r.Status),
		ProgressPercentage: r.ProgressPercentage,
		CreatedAt:          r.CreatedAt,
		CompletedAt:        r.CompletedAt,
		SourcesCount:       r.SourcesCount,
		CitationsCount:     r.CitationsCount,
		TokensUsed:         r.TokensUsed,
	}
}
