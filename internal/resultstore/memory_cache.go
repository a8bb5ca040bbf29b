package resultstore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
)

// MemoryCache is the L1 layer: an in-process LRU with TTL.
type MemoryCache struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
	now  func() time.Time
}

type lruEntry struct {
	key  string
	task *state.Task
	exp  time.Time
}

// NewMemoryCache creates an LRU holding at most capacity tasks for ttl.
func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryCache{
		cap:  capacity,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element, capacity),
		now:  time.Now,
	}
}

// Name implements Cache.
func (l *MemoryCache) Name() string { return "l1" }

// Get implements Cache.
func (l *MemoryCache) Get(_ context.Context, key string) (*state.Task, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(l.now()) {
			l.list.MoveToFront(el)
			return ent.task.Clone(), true, nil
		}
		// expired: remove
		l.removeLocked(el)
	}
	return nil, false, nil
}

// Put implements Cache.
func (l *MemoryCache) Put(_ context.Context, task *state.Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent := lruEntry{key: task.ID, task: task.Clone(), exp: l.now().Add(l.ttl)}
	if el, ok := l.m[task.ID]; ok {
		if el.Value.(lruEntry).task.Revision > task.Revision {
			return nil
		}
		el.Value = ent
		l.list.MoveToFront(el)
		return nil
	}
	l.m[task.ID] = l.list.PushFront(ent)
	if l.list.Len() > l.cap {
		if lru := l.list.Back(); lru != nil {
			l.removeLocked(lru)
		}
	}
	metrics.StoreL1Size.Set(float64(l.list.Len()))
	return nil
}

// Delete implements Cache.
func (l *MemoryCache) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		l.removeLocked(el)
	}
	return nil
}

// Len returns the number of cached tasks, expired ones included.
func (l *MemoryCache) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

func (l *MemoryCache) removeLocked(el *list.Element) {
	delete(l.m, el.Value.(lruEntry).key)
	l.list.Remove(el)
	metrics.StoreL1Size.Set(float64(l.list.Len()))
}
