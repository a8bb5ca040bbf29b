package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClientFromDB(mockDB, zaptest.NewLogger(t))
	return c, mock
}

func sampleTask() *state.Task {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	done := created.Add(90 * time.Second)
	return &state.Task{
		ID:                 "res-1",
		Query:              "impact of solar subsidies",
		Status:             state.StatusCompleted,
		ProgressPercentage: 100,
		CurrentStage:       "completed",
		CreatedAt:          created,
		UpdatedAt:          done,
		CompletedAt:        &done,
		SourcesUsed:        []state.Source{{URL: "https://a.edu/x", Title: "A"}},
		Citations:          []state.Citation{{Index: 1, SourceURL: "https://a.edu/x", Title: "A"}},
		Report:             "Report [1]",
		TokensUsed:         120,
		Revision:           7,
	}
}

func TestSaveTaskAppliesNewerRevision(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(`INSERT INTO research_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := c.SaveTask(context.Background(), sampleTask())
	require.NoError(t, err)
	assert.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTaskIgnoresStaleRevision(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(`WHERE research_tasks.revision < EXCLUDED.revision`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := c.SaveTask(context.Background(), sampleTask())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSaveTaskError(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(`INSERT INTO research_tasks`).WillReturnError(errors.New("connection reset"))

	_, err := c.SaveTask(context.Background(), sampleTask())
	assert.ErrorContains(t, err, "connection reset")
}

func TestGetTask(t *testing.T) {
	c, mock := newMockClient(t)
	doc, err := json.Marshal(sampleTask())
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT document FROM research_tasks WHERE id = \$1`).
		WithArgs("res-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	got, err := c.GetTask(context.Background(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, "Report [1]", got.Report)
	assert.Equal(t, int64(7), got.Revision)
	require.Len(t, got.Citations, 1)
}

func TestGetTaskNotFound(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(`SELECT document FROM research_tasks`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"document"}))

	_, err := c.GetTask(context.Background(), "missing")
	assert.True(t, state.IsKind(err, state.KindNotFound))
	assert.Equal(t, 0, int(c.Breaker().Counts().ConsecutiveFailures))
}

func TestListTasksWithStatusFilter(t *testing.T) {
	c, mock := newMockClient(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	status := state.StatusCompleted

	mock.ExpectQuery(`WHERE status = \$1 ORDER BY created_at DESC, id ASC LIMIT \$2 OFFSET \$3`).
		WithArgs("completed", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "query", "status", "progress_percentage", "created_at", "completed_at",
			"sources_count", "citations_count", "tokens_used",
		}).AddRow("res-2", "q2 query text", "completed", 100, created.Add(time.Minute), nil, 3, 2, 50).
			AddRow("res-1", "q1 query text", "completed", 100, created, nil, 1, 1, 20))

	got, err := c.ListTasks(context.Background(), state.HistoryFilter{Limit: 20, Status: &status})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "res-2", got[0].ResearchID)
	assert.Equal(t, 3, got[0].SourcesCount)
	assert.Equal(t, state.StatusCompleted, got[1].Status)
}

func TestListTasksWithoutFilter(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(`FROM research_tasks ORDER BY created_at DESC, id ASC LIMIT \$1 OFFSET \$2`).
		WithArgs(5, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := c.ListTasks(context.Background(), state.HistoryFilter{Limit: 5, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteTask(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM research_events`).WithArgs("res-1").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`DELETE FROM research_tasks`).WithArgs("res-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, c.DeleteTask(context.Background(), "res-1"))

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM research_events`).WithArgs("nope").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM research_tasks`).WithArgs("nope").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	err := c.DeleteTask(context.Background(), "nope")
	assert.True(t, state.IsKind(err, state.KindNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	c, mock := newMockClient(t)
	for range schemaStatements {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, c.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventSinkAndList(t *testing.T) {
	c, mock := newMockClient(t)
	sink := NewEventSink(c)
	assert.Equal(t, "postgres", sink.Name())

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO research_events`).
		WithArgs("res-1", int64(3), streaming.EventProgress, nil, "searching", sqlmock.AnyArg(), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, sink.Write(context.Background(), streaming.Event{
		ResearchID: "res-1", Seq: 3, Type: streaming.EventProgress, Message: "searching",
		Data: map[string]interface{}{"progress": 25}, Timestamp: ts,
	}))

	mock.ExpectQuery(`FROM research_events WHERE research_id = \$1 AND seq > \$2 ORDER BY seq`).
		WithArgs("res-1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"research_id", "seq", "type", "agent_id", "message", "payload", "timestamp"}).
			AddRow("res-1", 3, streaming.EventProgress, nil, "searching", []byte(`{"progress":25}`), ts))
	events, err := c.ListEvents(context.Background(), "res-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, float64(25), events[0].Data["progress"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingAndClose(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	c := NewClientFromDB(mockDB, zaptest.NewLogger(t))
	mock.ExpectPing()
	mock.ExpectClose()
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}
