// Package progress owns the observable state of one running research task:
// phase, percentage, agent activities and aggregate stats.
package progress

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
)

// Band is the percentage range a status occupies.
type Band struct {
	Low  int
	High int
}

var bands = map[state.Status]Band{
	state.StatusCreated:      {0, 0},
	state.StatusPlanning:     {0, 20},
	state.StatusSearching:    {20, 40},
	state.StatusAnalyzing:    {40, 60},
	state.StatusSynthesizing: {60, 80},
	state.StatusCiting:       {80, 100},
	state.StatusCompleted:    {100, 100},
}

// BandFor returns the percentage band of a status. Cancelled and Failed have
// no band; their percentage freezes where it was.
func BandFor(s state.Status) (Band, bool) {
	b, ok := bands[s]
	return b, ok
}

// Publisher receives tracker events.
type Publisher interface {
	Publish(researchID string, evt streaming.Event) streaming.Event
}

// Tracker is written by the task's coordinator goroutine and read by any
// number of pollers. Every read returns a copy taken under the read lock.
type Tracker struct {
	mu        sync.RWMutex
	pubMu     sync.Mutex
	task      *state.Task
	sourceIdx map[string]struct{}
	cancelReq bool
	publisher Publisher
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker takes ownership of task. publisher may be nil.
func NewTracker(task *state.Task, publisher Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		task:      task,
		sourceIdx: make(map[string]struct{}, len(task.SourcesUsed)),
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(t)
	}
	for _, s := range task.SourcesUsed {
		t.sourceIdx[s.URL] = struct{}{}
	}
	return t
}

// ID returns the task id.
func (t *Tracker) ID() string { return t.task.ID }

// Status returns the current status.
func (t *Tracker) Status() state.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.task.Status
}

// Snapshot returns a consistent status view.
func (t *Tracker) Snapshot() state.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.task.Snapshot(t.now())
}

// Task returns a deep copy of the task.
func (t *Tracker) Task() *state.Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.task.Clone()
	c.ElapsedSeconds = c.Elapsed(t.now()).Seconds()
	return c
}

// Transition moves the task to a new non-terminal phase and resets the
// percentage to the start of the phase's band.
func (t *Tracker) Transition(to state.Status, stage string) error {
	if to.IsTerminal() {
		return state.NewStateError("use Complete, Cancel or Fail to reach %s", to)
	}
	t.mu.Lock()
	from := t.task.Status
	if !state.CanTransition(from, to) {
		t.mu.Unlock()
		return state.NewStateError("invalid transition %s -> %s", from, to)
	}
	t.task.Status = to
	t.task.CurrentStage = stage
	if b, ok := bands[to]; ok {
		t.raiseLocked(b.Low)
	}
	t.touchLocked()
	pct := t.task.ProgressPercentage
	t.emitLocked(streaming.Event{
		Type:    streaming.EventStatusChanged,
		Message: stage,
		Data:    map[string]interface{}{"from": string(from), "to": string(to), "progress": pct},
	})
	return nil
}

// SetStage changes the stage text without changing status.
func (t *Tracker) SetStage(stage string) {
	t.mu.Lock()
	if t.task.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.task.CurrentStage = stage
	t.touchLocked()
	pct := t.task.ProgressPercentage
	t.emitLocked(streaming.Event{Type: streaming.EventProgress, Message: stage, Data: map[string]interface{}{"progress": pct}})
}

// Advance moves the percentage to fraction of the way through the current
// band. The result stays below the band's upper bound and never decreases.
func (t *Tracker) Advance(fraction float64) {
	t.mu.Lock()
	b, ok := bands[t.task.Status]
	if !ok || t.task.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	if fraction < 0 || math.IsNaN(fraction) {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	pct := b.Low + int(fraction*float64(b.High-b.Low))
	if pct >= b.High && b.High > b.Low {
		pct = b.High - 1
	}
	if !t.raiseLocked(pct) {
		t.mu.Unlock()
		return
	}
	t.touchLocked()
	pct = t.task.ProgressPercentage
	stage := t.task.CurrentStage
	t.emitLocked(streaming.Event{Type: streaming.EventProgress, Message: stage, Data: map[string]interface{}{"progress": pct}})
}

// AgentStarted records a running activity.
func (t *Tracker) AgentStarted(agentID string, kind state.AgentKind, fragment string, round int) {
	t.mu.Lock()
	t.task.AgentActivities = append(t.task.AgentActivities, state.AgentActivity{
		AgentID:      agentID,
		Kind:         kind,
		TaskFragment: fragment,
		Status:       state.ActivityRunning,
		Round:        round,
		StartedAt:    t.now(),
	})
	t.touchLocked()
	t.emitLocked(streaming.Event{
		Type:    streaming.EventAgentStarted,
		AgentID: agentID,
		Message: fragment,
		Data:    map[string]interface{}{"kind": string(kind), "round": round},
	})
}

// AgentFinished closes the latest running activity of agentID. A nil err
// marks it completed; context cancellation marks it cancelled.
func (t *Tracker) AgentFinished(agentID string, sourcesFound int, err error) {
	now := t.now()
	t.mu.Lock()
	idx := -1
	for i := len(t.task.AgentActivities) - 1; i >= 0; i-- {
		a := t.task.AgentActivities[i]
		if a.AgentID == agentID && a.Status == state.ActivityRunning {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return
	}
	a := &t.task.AgentActivities[idx]
	a.FinishedAt = &now
	a.SourcesFound = sourcesFound
	evtType := streaming.EventAgentCompleted
	switch {
	case err == nil:
		a.Status = state.ActivityCompleted
	case isCancel(err):
		a.Status = state.ActivityCancelled
		a.Error = err.Error()
		evtType = streaming.EventAgentFailed
	default:
		a.Status = state.ActivityFailed
		a.Error = err.Error()
		evtType = streaming.EventAgentFailed
	}
	fragment := a.TaskFragment
	status := a.Status
	t.touchLocked()

	data := map[string]interface{}{"sources_found": sourcesFound, "status": string(status)}
	if err != nil {
		data["error"] = err.Error()
	}
	t.emitLocked(streaming.Event{Type: evtType, AgentID: agentID, Message: fragment, Data: data})
}

// AddTokens accumulates token usage.
func (t *Tracker) AddTokens(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.task.TokensUsed += n
	t.touchLocked()
	t.mu.Unlock()
}

// AddSources appends sources whose URL has not been seen yet and returns how
// many were new. Callers pass normalized URLs.
func (t *Tracker) AddSources(sources []state.Source) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, s := range sources {
		if _, dup := t.sourceIdx[s.URL]; dup {
			continue
		}
		t.sourceIdx[s.URL] = struct{}{}
		t.task.SourcesUsed = append(t.task.SourcesUsed, s)
		added++
	}
	if added > 0 {
		t.touchLocked()
	}
	return added
}

// Sources returns a copy of the accumulated sources.
func (t *Tracker) Sources() []state.Source {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]state.Source(nil), t.task.SourcesUsed...)
}

// ReplaceSources swaps in a final source list, used after deduplication.
func (t *Tracker) ReplaceSources(sources []state.Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.task.SourcesUsed = append([]state.Source(nil), sources...)
	t.sourceIdx = make(map[string]struct{}, len(sources))
	for _, s := range sources {
		t.sourceIdx[s.URL] = struct{}{}
	}
	t.touchLocked()
}

// AddSubtopics records planned subtopics, skipping ones already known.
func (t *Tracker) AddSubtopics(subtopics []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	known := make(map[string]struct{}, len(t.task.Subtopics))
	for _, s := range t.task.Subtopics {
		known[s] = struct{}{}
	}
	for _, s := range subtopics {
		if _, ok := known[s]; ok {
			continue
		}
		known[s] = struct{}{}
		t.task.Subtopics = append(t.task.Subtopics, s)
	}
	t.touchLocked()
}

// SetIterations records completed search rounds.
func (t *Tracker) SetIterations(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.task.IterationsCompleted = n
	t.touchLocked()
}

// RequestCancel flags the task for cancellation. It reports false if the
// task is already terminal. Once flagged, Complete is refused so a task
// whose cancellation was confirmed always ends Cancelled.
func (t *Tracker) RequestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.task.Status.IsTerminal() {
		return false
	}
	t.cancelReq = true
	return true
}

// CancelRequested reports whether RequestCancel succeeded earlier.
func (t *Tracker) CancelRequested() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelReq
}

// Complete moves the task to Completed with its report and citations.
func (t *Tracker) Complete(report string, citations []state.Citation) error {
	t.mu.Lock()
	if t.cancelReq {
		t.mu.Unlock()
		return state.NewStateError("cancellation requested")
	}
	if !state.CanTransition(t.task.Status, state.StatusCompleted) {
		from := t.task.Status
		t.mu.Unlock()
		return state.NewStateError("cannot complete task in status %s", from)
	}
	t.task.Report = report
	t.task.Citations = append([]state.Citation(nil), citations...)
	t.finishLocked(state.StatusCompleted, "completed")
	t.task.ProgressPercentage = 100
	data := map[string]interface{}{
		"progress":        100,
		"sources_count":   len(t.task.SourcesUsed),
		"citations_count": len(t.task.Citations),
		"tokens_used":     t.task.TokensUsed,
	}
	t.emitLocked(streaming.Event{Type: streaming.EventTaskCompleted, Message: "completed", Data: data})
	return nil
}

// Cancel moves a non-terminal task to Cancelled. It reports false if the
// task was already terminal.
func (t *Tracker) Cancel(reason string) bool {
	t.mu.Lock()
	if t.task.Status.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	from := t.task.Status
	t.finishLocked(state.StatusCancelled, "cancelled")
	t.emitLocked(streaming.Event{
		Type:    streaming.EventTaskCancelled,
		Message: reason,
		Data:    map[string]interface{}{"from": string(from)},
	})
	return true
}

// Fail moves a non-terminal task to Failed, recording err. It reports false
// if the task was already terminal.
func (t *Tracker) Fail(err error) bool {
	if err == nil {
		err = fmt.Errorf("unknown failure")
	}
	t.mu.Lock()
	if t.task.Status.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	from := t.task.Status
	kind := state.KindOf(err)
	t.task.Error = err.Error()
	t.task.ErrorKind = string(kind)
	t.finishLocked(state.StatusFailed, "failed")
	t.emitLocked(streaming.Event{
		Type:    streaming.EventTaskFailed,
		Message: err.Error(),
		Data:    map[string]interface{}{"from": string(from), "kind": string(kind)},
	})
	return true
}

func (t *Tracker) finishLocked(status state.Status, stage string) {
	now := t.now()
	t.task.Status = status
	t.task.CurrentStage = stage
	t.task.CompletedAt = &now
	t.task.ElapsedSeconds = now.Sub(t.task.CreatedAt).Seconds()
	for i := range t.task.AgentActivities {
		a := &t.task.AgentActivities[i]
		if a.Status == state.ActivityRunning {
			a.Status = state.ActivityCancelled
			a.FinishedAt = &now
		}
	}
	t.touchLocked()
}

// raiseLocked sets the percentage to pct if that is an increase.
func (t *Tracker) raiseLocked(pct int) bool {
	if pct <= t.task.ProgressPercentage {
		return false
	}
	if pct > 100 {
		pct = 100
	}
	t.task.ProgressPercentage = pct
	return true
}

func (t *Tracker) touchLocked() {
	t.task.UpdatedAt = t.now()
	t.task.Revision++
}

// emitLocked releases mu and publishes evt. pubMu is taken before mu is
// released so events leave in the order the mutations happened.
func (t *Tracker) emitLocked(evt streaming.Event) {
	if t.publisher == nil {
		t.mu.Unlock()
		return
	}
	t.pubMu.Lock()
	t.mu.Unlock()
	defer t.pubMu.Unlock()
	t.publisher.Publish(t.task.ID, evt)
}
