package resultstore

import (
	"context"
	"sort"
	"sync"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

// MemoryBackend is an in-process Backend for development and tests. It
// applies the same revision guard as the PostgreSQL store.
type MemoryBackend struct {
	mu    sync.RWMutex
	tasks map[string]*state.Task
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tasks: make(map[string]*state.Task)}
}

// SaveTask implements Backend.
func (b *MemoryBackend) SaveTask(_ context.Context, task *state.Task) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.tasks[task.ID]; ok && cur.Revision >= task.Revision {
		return false, nil
	}
	b.tasks[task.ID] = task.Clone()
	return true, nil
}

// GetTask implements Backend.
func (b *MemoryBackend) GetTask(_ context.Context, id string) (*state.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, state.NewNotFoundError(id)
	}
	return t.Clone(), nil
}

// ListTasks implements Backend.
func (b *MemoryBackend) ListTasks(_ context.Context, filter state.HistoryFilter) ([]state.Summary, error) {
	b.mu.RLock()
	all := make([]state.Summary, 0, len(b.tasks))
	for _, t := range b.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		all = append(all, t.Summary())
	}
	b.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ResearchID < all[j].ResearchID
	})
	if filter.Offset >= len(all) {
		return []state.Summary{}, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, nil
}

// DeleteTask implements Backend.
func (b *MemoryBackend) DeleteTask(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[id]; !ok {
		return state.NewNotFoundError(id)
	}
	delete(b.tasks, id)
	return nil
}

// Ping implements Backend.
func (b *MemoryBackend) Ping(context.Context) error { return nil }
