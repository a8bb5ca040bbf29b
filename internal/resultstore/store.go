// Package resultstore is the layered task store: a process-local LRU (L1),
// a client-local SQLite cache (L2) and the authoritative backend (L3).
// Writes go to L3 first and are mirrored upward only once L3 accepted them;
// reads fall through L1, L2, L3 and backfill the layers that missed. A cache
// that could not take an accepted write is invalidated for that task, or
// bypassed until it can be rewritten.
package resultstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

// Backend is the authoritative (L3) store.
type Backend interface {
	SaveTask(ctx context.Context, task *state.Task) (applied bool, err error)
	GetTask(ctx context.Context, id string) (*state.Task, error)
	ListTasks(ctx context.Context, filter state.HistoryFilter) ([]state.Summary, error)
	DeleteTask(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Cache is an optional faster layer. Put must keep the entry with the
// higher revision when both exist.
type Cache interface {
	Name() string
	Get(ctx context.Context, id string) (*state.Task, bool, error)
	Put(ctx context.Context, task *state.Task) error
	Delete(ctx context.Context, id string) error
}

// Store composes the layers. l2 may be nil.
type Store struct {
	l1     Cache
	l2     Cache
	l3     Backend
	logger *zap.Logger

	mu        sync.Mutex
	untrusted map[string]map[string]struct{} // layer -> research ids
}

// New creates a layered store. l1 and l2 may be nil.
func New(l1, l2 Cache, l3 Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		l1:        l1,
		l2:        l2,
		l3:        l3,
		logger:    logger,
		untrusted: make(map[string]map[string]struct{}),
	}
}

func (s *Store) caches() []Cache {
	out := make([]Cache, 0, 2)
	if s.l1 != nil {
		out = append(out, s.l1)
	}
	if s.l2 != nil {
		out = append(out, s.l2)
	}
	return out
}

// Write persists task to L3 and, once L3 has it, mirrors it to the caches.
// A write L3 rejects as stale is not mirrored; it fails with a StateError
// wrapping state.ErrStaleRevision and drops the cached copies, which may be
// behind L3.
func (s *Store) Write(ctx context.Context, task *state.Task) error {
	c := task.Clone()
	applied, err := s.l3.SaveTask(ctx, c)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Debug("Rejected stale task write",
			zap.String("research_id", task.ID),
			zap.Int64("revision", task.Revision),
		)
		s.invalidate(ctx, s.caches(), task.ID)
		return state.NewStaleWriteError(task.ID, task.Revision)
	}
	for _, cache := range s.caches() {
		if err := cache.Put(ctx, c); err != nil {
			metrics.RecordStoreOp(cache.Name(), "put", "error")
			s.logger.Warn("Cache write failed", zap.String("layer", cache.Name()), zap.String("research_id", task.ID), zap.Error(err))
			s.invalidate(ctx, []Cache{cache}, task.ID)
			continue
		}
		s.trust(cache.Name(), task.ID)
		metrics.RecordStoreOp(cache.Name(), "put", "success")
	}
	return nil
}

// invalidate drops id from layers. A layer that cannot drop it is bypassed
// for id until a later write or backfill lands there.
func (s *Store) invalidate(ctx context.Context, layers []Cache, id string) {
	for _, cache := range layers {
		if err := cache.Delete(ctx, id); err != nil {
			metrics.RecordStoreOp(cache.Name(), "invalidate", "error")
			s.logger.Warn("Cache invalidation failed, bypassing layer",
				zap.String("layer", cache.Name()),
				zap.String("research_id", id),
				zap.Error(err),
			)
			s.distrust(cache.Name(), id)
			continue
		}
		s.trust(cache.Name(), id)
	}
}

func (s *Store) distrust(layer, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.untrusted[layer]
	if ids == nil {
		ids = make(map[string]struct{})
		s.untrusted[layer] = ids
	}
	ids[id] = struct{}{}
}

func (s *Store) trust(layer, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ids := s.untrusted[layer]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.untrusted, layer)
		}
	}
}

func (s *Store) trusted(layer, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, bad := s.untrusted[layer][id]
	return !bad
}

// Read returns the task from the fastest layer holding it.
func (s *Store) Read(ctx context.Context, id string) (*state.Task, error) {
	caches := s.caches()
	for i, cache := range caches {
		if !s.trusted(cache.Name(), id) {
			metrics.RecordStoreOp(cache.Name(), "get", "bypass")
			continue
		}
		task, ok, err := cache.Get(ctx, id)
		if err != nil {
			metrics.RecordStoreOp(cache.Name(), "get", "error")
			s.logger.Warn("Cache read failed", zap.String("layer", cache.Name()), zap.String("research_id", id), zap.Error(err))
			continue
		}
		if !ok {
			metrics.RecordStoreOp(cache.Name(), "get", "miss")
			continue
		}
		metrics.RecordStoreOp(cache.Name(), "get", "hit")
		s.backfill(ctx, caches[:i], task)
		return task, nil
	}

	task, err := s.l3.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.backfill(ctx, caches, task)
	return task, nil
}

func (s *Store) backfill(ctx context.Context, layers []Cache, task *state.Task) {
	for _, cache := range layers {
		if err := cache.Put(ctx, task); err != nil {
			s.logger.Debug("Backfill failed", zap.String("layer", cache.Name()), zap.Error(err))
			continue
		}
		s.trust(cache.Name(), task.ID)
		metrics.RecordStoreOp(cache.Name(), "backfill", "success")
	}
}

// Delete removes the task from every layer. It fails with NotFoundError
// only when L3 has no such task; caches are cleared either way.
func (s *Store) Delete(ctx context.Context, id string) error {
	l3Err := s.l3.DeleteTask(ctx, id)
	if l3Err != nil && !state.IsKind(l3Err, state.KindNotFound) {
		return l3Err
	}
	var errs []error
	for _, cache := range s.caches() {
		if err := cache.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cache.Name(), err))
			s.distrust(cache.Name(), id)
			continue
		}
		s.trust(cache.Name(), id)
	}
	if len(errs) > 0 {
		s.logger.Warn("Cache delete failed", zap.String("research_id", id), zap.Error(errors.Join(errs...)))
	}
	return l3Err
}

// List returns history summaries from L3.
func (s *Store) List(ctx context.Context, filter state.HistoryFilter) ([]state.Summary, error) {
	return s.l3.ListTasks(ctx, filter)
}

// Ping checks the authoritative layer.
func (s *Store) Ping(ctx context.Context) error {
	return s.l3.Ping(ctx)
}
