package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cached_tasks (
	id         TEXT PRIMARY KEY,
	revision   INTEGER NOT NULL,
	document   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLiteCache is the L2 layer: a file-backed cache local to this client
// that survives process restarts.
type SQLiteCache struct {
	db *sqlx.DB
}

// OpenSQLiteCache opens (creating if needed) the cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite cache: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

// Name implements Cache.
func (c *SQLiteCache) Name() string { return "l2" }

// Get implements Cache.
func (c *SQLiteCache) Get(ctx context.Context, id string) (*state.Task, bool, error) {
	var doc string
	err := c.db.GetContext(ctx, &doc, `SELECT document FROM cached_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var task state.Task
	if err := json.Unmarshal([]byte(doc), &task); err != nil {
		// Corrupt entries read as misses.
		return nil, false, nil
	}
	return &task, true, nil
}

// Put implements Cache.
func (c *SQLiteCache) Put(ctx context.Context, task *state.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cached_tasks (id, revision, document, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			revision = excluded.revision,
			document = excluded.document,
			updated_at = excluded.updated_at
		WHERE cached_tasks.revision <= excluded.revision`,
		task.ID, task.Revision, string(doc), time.Now().UTC())
	return err
}

// Delete implements Cache.
func (c *SQLiteCache) Delete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cached_tasks WHERE id = ?`, id)
	return err
}

// Ping checks the database file is usable.
func (c *SQLiteCache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
