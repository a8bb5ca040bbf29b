// Package research drives research tasks through planning, iterative
// search, synthesis and citation, and answers status, result, cancel and
// history queries about them.
package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/agents"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/pool"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/progress"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/state"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/tracing"
)

// History paging limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// errStopped marks a run abandoned at a cancellation checkpoint.
var errStopped = errors.New("research cancelled")

// Store is the layered result store.
type Store interface {
	Write(ctx context.Context, task *state.Task) error
	Read(ctx context.Context, id string) (*state.Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter state.HistoryFilter) ([]state.Summary, error)
}

// EventBus publishes task events. Forget drops the in-memory stream on
// eviction; Purge also removes mirrored copies when a task is deleted.
type EventBus interface {
	progress.Publisher
	Forget(researchID string)
	Purge(ctx context.Context, researchID string)
}

// Admitter is an optional admission check run after static validation.
type Admitter interface {
	Admit(ctx context.Context, query string, cfg state.Config) error
}

// Config tunes the coordinator.
type Config struct {
	TaskDeadline      time.Duration `mapstructure:"task_deadline"`
	RegistryRetention time.Duration `mapstructure:"registry_retention"`
	JanitorInterval   time.Duration `mapstructure:"janitor_interval"`
	PersistTimeout    time.Duration `mapstructure:"persist_timeout"`
	// TerminalWriteTimeout bounds the retries of the final store write.
	TerminalWriteTimeout time.Duration `mapstructure:"terminal_write_timeout"`
}

func (c Config) withDefaults() Config {
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = 10 * time.Minute
	}
	if c.RegistryRetention <= 0 {
		c.RegistryRetention = 10 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.TerminalWriteTimeout <= 0 {
		c.TerminalWriteTimeout = 30 * time.Second
	}
	return c
}

// Deps are the coordinator's collaborators. Events, Admission and Policy
// are optional.
type Deps struct {
	Team      agents.Team
	Pool      *pool.Pool
	Store     Store
	Events    EventBus
	Admission Admitter
	Policy    IterationPolicy
}

// Coordinator owns every research task started in this process.
type Coordinator struct {
	cfg      Config
	deps     Deps
	registry TaskRegistry
	logger   *zap.Logger

	wg          sync.WaitGroup
	closing     atomic.Bool
	janitorStop chan struct{}
	janitorDone chan struct{}
	now         func() time.Time
}

// NewCoordinator creates a coordinator and starts its registry janitor.
func NewCoordinator(cfg Config, deps Deps, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Policy == nil {
		deps.Policy = SingleRoundPolicy{}
	}
	if deps.Pool == nil {
		deps.Pool = pool.New(0, logger)
	}
	c := &Coordinator{
		cfg:         cfg.withDefaults(),
		deps:        deps,
		logger:      logger,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
	go c.janitor()
	return c
}

// Start validates the request, registers a new task and begins driving it
// in the background. It returns before the task reaches a terminal state.
func (c *Coordinator) Start(ctx context.Context, query string, cfg state.Config) (string, error) {
	if c.closing.Load() {
		return "", state.NewStateError("coordinator is shutting down")
	}
	q, err := state.ValidateQuery(query)
	if err != nil {
		metrics.TasksRejected.WithLabelValues("validation").Inc()
		return "", err
	}
	cfg, err = state.NormalizeConfig(cfg)
	if err != nil {
		metrics.TasksRejected.WithLabelValues("validation").Inc()
		return "", err
	}
	if c.deps.Admission != nil {
		if err := c.deps.Admission.Admit(ctx, q, cfg); err != nil {
			metrics.TasksRejected.WithLabelValues("policy").Inc()
			return "", err
		}
	}

	now := c.now()
	task := &state.Task{
		ID:            uuid.New().String(),
		Query:         q,
		MaxSubagents:  cfg.MaxSubagents,
		MaxIterations: cfg.MaxIterations,
		Status:        state.StatusCreated,
		CurrentStage:  "queued",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var publisher progress.Publisher
	if c.deps.Events != nil {
		publisher = c.deps.Events
	}
	h := newHandle(progress.NewTracker(task, publisher, progress.WithClock(c.now)))
	c.registry.put(task.ID, h)

	metrics.TasksStarted.Inc()
	metrics.TasksActive.Inc()
	c.logger.Info("Research task started",
		zap.String("research_id", task.ID),
		zap.Int("max_subagents", cfg.MaxSubagents),
		zap.Int("max_iterations", cfg.MaxIterations),
	)

	c.wg.Add(1)
	go c.run(h)
	return task.ID, nil
}

// Status returns a consistent snapshot of a task.
func (c *Coordinator) Status(ctx context.Context, id string) (state.Snapshot, error) {
	if h, ok := c.registry.get(id); ok {
		return h.tracker.Snapshot(), nil
	}
	task, err := c.deps.Store.Read(ctx, id)
	if err != nil {
		return state.Snapshot{}, err
	}
	return task.Snapshot(c.now()), nil
}

// Result returns the report of a completed task.
func (c *Coordinator) Result(ctx context.Context, id string) (state.Result, error) {
	var task *state.Task
	if h, ok := c.registry.get(id); ok {
		task = h.tracker.Task()
	} else {
		t, err := c.deps.Store.Read(ctx, id)
		if err != nil {
			return state.Result{}, err
		}
		task = t
	}
	if task.Status != state.StatusCompleted {
		return state.Result{}, state.NewStateError("research %s is not completed (status %s)", id, task.Status)
	}
	return task.Result(), nil
}

// Cancel asks a running task to stop. The task reaches Cancelled at its next
// checkpoint, at the latest once in-flight external calls return.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	if h, ok := c.registry.get(id); ok {
		if !h.tracker.RequestCancel() {
			return state.NewStateError("research %s is already %s", id, h.tracker.Status())
		}
		h.requestStop()
		c.logger.Info("Research cancellation requested", zap.String("research_id", id))
		return nil
	}

	// Not driven by this process: a stored non-terminal task has no live
	// coordinator and is cancelled in place.
	task, err := c.deps.Store.Read(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return state.NewStateError("research %s is already %s", id, task.Status)
	}
	tracker := progress.NewTracker(task, c.deps.Events, progress.WithClock(c.now))
	tracker.Cancel("orphaned task cancelled")
	if err := c.deps.Store.Write(ctx, tracker.Task()); err != nil {
		if !errors.Is(err, state.ErrStaleRevision) {
			return state.NewInternalError("failed to persist cancellation", err)
		}
		// The stored copy moved on since it was read.
		cur, rerr := c.deps.Store.Read(ctx, id)
		if rerr != nil {
			return rerr
		}
		return state.NewStateError("research %s is already %s", id, cur.Status)
	}
	c.logger.Info("Orphaned research cancelled", zap.String("research_id", id))
	return nil
}

// History lists task summaries newest first.
func (c *Coordinator) History(ctx context.Context, filter state.HistoryFilter) ([]state.Summary, error) {
	if filter.Limit == 0 {
		filter.Limit = DefaultHistoryLimit
	}
	if filter.Limit < 0 || filter.Limit > MaxHistoryLimit {
		return nil, state.NewValidationError("limit", "limit must be between 1 and %d", MaxHistoryLimit)
	}
	if filter.Offset < 0 {
		return nil, state.NewValidationError("offset", "offset must not be negative")
	}
	if filter.Status != nil {
		if _, ok := state.ParseStatus(string(*filter.Status)); !ok {
			return nil, state.NewValidationError("status", "unknown status %q", *filter.Status)
		}
	}
	return c.deps.Store.List(ctx, filter)
}

// Delete purges a terminal task from every store layer.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if h, ok := c.registry.get(id); ok {
		if _, done := h.finished(); !done {
			return state.NewStateError("research %s is still %s", id, h.tracker.Status())
		}
	} else {
		task, err := c.deps.Store.Read(ctx, id)
		if err != nil {
			return err
		}
		if !task.Status.IsTerminal() {
			return state.NewStateError("research %s is still %s", id, task.Status)
		}
	}
	if err := c.deps.Store.Delete(ctx, id); err != nil {
		return err
	}
	c.registry.remove(id)
	if c.deps.Events != nil {
		c.deps.Events.Purge(ctx, id)
	}
	return nil
}

// Active counts tasks whose coordinator goroutine is still running.
func (c *Coordinator) Active() int {
	n := 0
	c.registry.each(func(_ string, h *handle) {
		if _, done := h.finished(); !done {
			n++
		}
	})
	return n
}

// Shutdown refuses new tasks, cancels running ones and waits for them to
// finish or for ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.closing.Swap(true) {
		return nil
	}
	close(c.janitorStop)
	<-c.janitorDone

	c.registry.each(func(id string, h *handle) {
		if h.tracker.RequestCancel() {
			h.requestStop()
		}
	})
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (c *Coordinator) janitor() {
	defer close(c.janitorDone)
	ticker := time.NewTicker(c.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.janitorStop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Coordinator) evictExpired() {
	for _, id := range c.registry.evict(c.now().Add(-c.cfg.RegistryRetention)) {
		if c.deps.Events != nil {
			c.deps.Events.Forget(id)
		}
		c.logger.Debug("Evicted finished research from registry", zap.String("research_id", id))
	}
}

// run is the single goroutine that drives and mutates one task.
func (c *Coordinator) run(h *handle) {
	defer c.wg.Done()
	id := h.tracker.ID()
	start := c.now()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TaskDeadline)
	defer cancel()
	ctx, span := tracing.StartTaskSpan(ctx, "research.task", id)

	logger := c.logger.With(zap.String("research_id", id))
	c.persist(ctx, h, logger)

	err := c.execute(ctx, h, logger)
	switch {
	case err == nil:
	case h.stopped() || h.tracker.CancelRequested():
		h.tracker.Cancel("cancelled by request")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		h.tracker.Fail(state.NewTimeoutError("task", ctx.Err()))
	default:
		var se *state.Error
		if !errors.As(err, &se) {
			err = state.NewInternalError("research failed", err)
		}
		h.tracker.Fail(err)
	}

	final := h.tracker.Task()
	c.persistTerminal(final, logger)

	metrics.TasksActive.Dec()
	metrics.RecordTaskFinished(string(final.Status), c.now().Sub(start).Seconds(), final.TokensUsed, final.IterationsCompleted)
	span.SetAttributes(
		attribute.String("research.status", string(final.Status)),
		attribute.Int("research.tokens_used", final.TokensUsed),
		attribute.Int("research.sources", len(final.SourcesUsed)),
	)
	if final.Status == state.StatusFailed {
		tracing.EndSpan(span, err)
	} else {
		tracing.EndSpan(span, nil)
	}
	logger.Info("Research task finished",
		zap.String("status", string(final.Status)),
		zap.Float64("elapsed_seconds", final.ElapsedSeconds),
		zap.Int("tokens_used", final.TokensUsed),
		zap.Int("sources", len(final.SourcesUsed)),
		zap.Int("citations", len(final.Citations)),
		zap.String("error", final.Error),
	)
	h.finish(c.now())
}

// persist writes an intermediate checkpoint. Failures are logged; the next
// checkpoint carries the same state forward.
func (c *Coordinator) persist(ctx context.Context, h *handle, logger *zap.Logger) {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	defer cancel()
	err := c.deps.Store.Write(wctx, h.tracker.Task())
	switch {
	case err == nil:
	case errors.Is(err, state.ErrStaleRevision):
		logger.Debug("Checkpoint already stored", zap.Error(err))
	default:
		logger.Warn("Checkpoint write failed", zap.Error(err))
	}
}

// persistTerminal retries the final write with backoff, independent of the
// task's own deadline.
func (c *Coordinator) persistTerminal(task *state.Task, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TerminalWriteTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	op := func() error {
		wctx, wcancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
		defer wcancel()
		err := c.deps.Store.Write(wctx, task)
		if errors.Is(err, state.ErrStaleRevision) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Terminal write failed, retrying", zap.Duration("backoff", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		logger.Error("Terminal write abandoned", zap.String("status", string(task.Status)), zap.Error(err))
	}
}
