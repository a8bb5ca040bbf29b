package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

const upsertTaskQuery = `
	INSERT INTO research_tasks (
		id, query, status, progress_percentage, current_stage,
		tokens_used, sources_count, citations_count, error,
		created_at, updated_at, completed_at, revision, document
	) VALUES (
		:id, :query, :status, :progress_percentage, :current_stage,
		:tokens_used, :sources_count, :citations_count, :error,
		:created_at, :updated_at, :completed_at, :revision, :document
	)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		progress_percentage = EXCLUDED.progress_percentage,
		current_stage = EXCLUDED.current_stage,
		tokens_used = EXCLUDED.tokens_used,
		sources_count = EXCLUDED.sources_count,
		citations_count = EXCLUDED.citations_count,
		error = EXCLUDED.error,
		updated_at = EXCLUDED.updated_at,
		completed_at = EXCLUDED.completed_at,
		revision = EXCLUDED.revision,
		document = EXCLUDED.document
	WHERE research_tasks.revision < EXCLUDED.revision`

// SaveTask upserts a task. Writes carrying a revision not newer than the
// stored one are ignored and reported with applied=false.
func (c *Client) SaveTask(ctx context.Context, task *state.Task) (applied bool, err error) {
	row := NewResearchTask(task)
	err = c.execute(ctx, "save", func() error {
		res, err := c.db.NamedExecContext(ctx, upsertTaskQuery, row)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to save research task: %w", err)
	}
	return applied, nil
}

// GetTask loads a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*state.Task, error) {
	var doc TaskDocument
	err := c.execute(ctx, "get", func() error {
		return c.db.GetContext(ctx, &doc, `SELECT document FROM research_tasks WHERE id = $1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) || (err == nil && doc.Task == nil) {
		return nil, state.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load research task: %w", err)
	}
	return doc.Task, nil
}

// ListTasks returns summaries newest first.
func (c *Client) ListTasks(ctx context.Context, filter state.HistoryFilter) ([]state.Summary, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT id, query, status, progress_percentage, created_at, completed_at,
		sources_count, citations_count, tokens_used FROM research_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var rows []SummaryRow
	err := c.execute(ctx, "list", func() error {
		return c.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to list research tasks: %w", err)
	}
	out := make([]state.Summary, len(rows))
	for i, r := range rows {
		out[i] = r.Summary()
	}
	return out, nil
}

// DeleteTask removes a task and its event log. Deleting a missing task is
// a NotFoundError.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	var n int64
	err := c.execute(ctx, "delete", func() error {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM research_events WHERE research_id = $1`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM research_tasks WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("failed to delete research task: %w", err)
	}
	if n == 0 {
		return state.NewNotFoundError(id)
	}
	return nil
}
