package research

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/progress"
)

// handle is the registry entry for one task driven by this process.
type handle struct {
	tracker  *progress.Tracker
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// finishedAt is the unix-nano time the coordinator goroutine exited.
	finishedAt atomic.Int64
}

func newHandle(tracker *progress.Tracker) *handle {
	return &handle{tracker: tracker, stop: make(chan struct{}), done: make(chan struct{})}
}

func (h *handle) requestStop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *handle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

func (h *handle) finish(now time.Time) {
	h.finishedAt.Store(now.UnixNano())
	close(h.done)
}

func (h *handle) finished() (time.Time, bool) {
	ns := h.finishedAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// TaskRegistry maps research ids to the handles of tasks started by this
// process. Lookups for different ids never contend.
type TaskRegistry struct {
	m sync.Map // string -> *handle
}

func (r *TaskRegistry) put(id string, h *handle) { r.m.Store(id, h) }

func (r *TaskRegistry) get(id string) (*handle, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*handle), true
}

func (r *TaskRegistry) remove(id string) { r.m.Delete(id) }

func (r *TaskRegistry) each(fn func(id string, h *handle)) {
	r.m.Range(func(k, v any) bool {
		fn(k.(string), v.(*handle))
		return true
	})
}

// evict drops handles whose coordinator finished before cutoff and returns
// their ids.
func (r *TaskRegistry) evict(cutoff time.Time) []string {
	var ids []string
	r.each(func(id string, h *handle) {
		if at, ok := h.finished(); ok && at.Before(cutoff) {
			r.m.Delete(id)
			ids = append(ids, id)
		}
	})
	return ids
}

// Len counts registered tasks.
func (r *TaskRegistry) Len() int {
	n := 0
	r.each(func(string, *handle) { n++ })
	return n
}
