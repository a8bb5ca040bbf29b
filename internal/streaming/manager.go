package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
)

// DefaultCapacity is the replay ring size per task.
const DefaultCapacity = 256

// Sink receives every published event after it has been sequenced. Sink
// failures are logged and counted, never returned to the publisher.
type Sink interface {
	Name() string
	Write(ctx context.Context, evt Event) error
}

// Purger is implemented by sinks that can drop a task's mirrored events.
type Purger interface {
	Delete(ctx context.Context, researchID string) error
}

// Manager provides in-memory pub/sub for task events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-task ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int

	sinks       []Sink
	sinkTimeout time.Duration
	logger      *zap.Logger
}

// NewManager creates a manager keeping capacity events per task for replay.
func NewManager(capacity int, logger *zap.Logger, sinks ...Sink) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		sinks:       sinks,
		sinkTimeout: 2 * time.Second,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for a task; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(researchID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[researchID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[researchID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(researchID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[researchID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, researchID)
		}
	}
}

// Publish sequences evt, records it for replay and sends it to all
// subscribers without blocking. Slow subscribers miss events.
func (m *Manager) Publish(researchID string, evt Event) Event {
	evt.ResearchID = researchID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[researchID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[researchID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// Deliver under the lock so Unsubscribe cannot close a channel mid-send.
	for ch := range m.subscribers[researchID] {
		select {
		case ch <- evt:
			metrics.EventsPublished.WithLabelValues("memory").Inc()
		default:
			metrics.EventsDropped.WithLabelValues("memory").Inc()
		}
	}
	m.mu.Unlock()

	for _, s := range m.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), m.sinkTimeout)
		err := s.Write(ctx, evt)
		cancel()
		if err != nil {
			metrics.EventsDropped.WithLabelValues(s.Name()).Inc()
			m.logger.Warn("Event sink write failed",
				zap.String("sink", s.Name()),
				zap.String("research_id", researchID),
				zap.String("type", evt.Type),
				zap.Error(err),
			)
			continue
		}
		metrics.EventsPublished.WithLabelValues(s.Name()).Inc()
	}
	return evt
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(researchID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[researchID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history of a task and closes its subscribers.
func (m *Manager) Forget(researchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, researchID)
	for ch := range m.subscribers[researchID] {
		close(ch)
	}
	delete(m.subscribers, researchID)
}

// Purge forgets a task and deletes its events from every sink that
// supports it. Sink errors are logged.
func (m *Manager) Purge(ctx context.Context, researchID string) {
	m.Forget(researchID)
	for _, sink := range m.sinks {
		p, ok := sink.(Purger)
		if !ok {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, m.sinkTimeout)
		if err := p.Delete(sctx, researchID); err != nil {
			m.logger.Warn("Failed to purge task events",
				zap.String("sink", sink.Name()),
				zap.String("research_id", researchID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// SubscriberCount reports live subscribers for a task.
func (m *Manager) SubscriberCount(researchID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[researchID])
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
