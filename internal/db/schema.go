package db

import "context"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS research_tasks (
		id                  TEXT PRIMARY KEY,
		query               TEXT NOT NULL,
		status              TEXT NOT NULL,
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		current_stage       TEXT NOT NULL DEFAULT '',
		tokens_used         INTEGER NOT NULL DEFAULT 0,
		sources_count       INTEGER NOT NULL DEFAULT 0,
		citations_count     INTEGER NOT NULL DEFAULT 0,
		error               TEXT,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		completed_at        TIMESTAMPTZ,
		revision            BIGINT NOT NULL DEFAULT 0,
		document            JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_research_tasks_created_at ON research_tasks (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_research_tasks_status ON research_tasks (status)`,
	`CREATE TABLE IF NOT EXISTS research_events (
		research_id TEXT NOT NULL,
		seq         BIGINT NOT NULL,
		type        TEXT NOT NULL,
		agent_id    TEXT,
		message     TEXT,
		payload     JSONB,
		timestamp   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (research_id, seq)
	)`,
}

// EnsureSchema creates tables and indexes that do not exist yet.
func (c *Client) EnsureSchema(ctx context.Context) error {
	return c.execute(ctx, "migrate", func() error {
		for _, stmt := range schemaStatements {
			if _, err := c.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
