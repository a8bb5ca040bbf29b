package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/llm"
)

// Tunables are the settings applied without a restart.
type Tunables struct {
	LogLevel          string
	Retry             llm.RetryPolicy
	CoverageThreshold float64
}

// TunablesOf extracts the hot-reloadable part of cfg.
func TunablesOf(cfg *Config) Tunables {
	return Tunables{
		LogLevel:          cfg.Logging.Level,
		Retry:             cfg.Research.Retry,
		CoverageThreshold: cfg.Research.CoverageThreshold,
	}
}

// Watch re-reads the file whenever it changes and hands the new tunables
// to apply. Structural settings such as ports and DSNs are ignored until
// restart. It is a no-op when no file was found.
func (l *Loader) Watch(logger *zap.Logger, apply func(Tunables)) {
	if !l.fileFound {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.reload(logger, e.Name, apply)
	})
	l.v.WatchConfig()
	logger.Info("Watching configuration", zap.String("path", l.path))
}

func (l *Loader) reload(logger *zap.Logger, file string, apply func(Tunables)) {
	cfg, err := l.decode()
	if err != nil {
		logger.Error("Ignoring invalid configuration change", zap.String("file", file), zap.Error(err))
		return
	}
	t := TunablesOf(cfg)
	apply(t)
	logger.Info("Configuration reloaded",
		zap.String("file", file),
		zap.String("log_level", t.LogLevel),
		zap.Int("retry_attempts", t.Retry.MaxAttempts),
		zap.Float64("coverage_threshold", t.CoverageThreshold),
	)
}

// PolicyWatcher reloads admission policies when .rego files in a directory
// change.
type PolicyWatcher struct {
	dir      string
	reload   func() error
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPolicyWatcher creates a watcher calling reload after policy changes.
func NewPolicyWatcher(dir string, reload func() error, logger *zap.Logger) (*PolicyWatcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("policy directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &PolicyWatcher{
		dir:      dir,
		reload:   reload,
		debounce: 100 * time.Millisecond,
		watcher:  watcher,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching the directory.
func (w *PolicyWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}
	w.started = true
	go w.watchLoop()
	w.logger.Info("Policy watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *PolicyWatcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.started = false
	w.mu.Unlock()

	err := w.watcher.Close()
	if started {
		close(w.stopCh)
		<-w.doneCh
	}
	return err
}

// watchLoop coalesces bursts of events into one reload.
func (w *PolicyWatcher) watchLoop() {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	pending := ""
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".rego" || event.Op == fsnotify.Chmod {
				continue
			}
			pending = filepath.Base(event.Name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.logger.Info("Policy file changed, reloading", zap.String("file", pending))
			if err := w.reload(); err != nil {
				w.logger.Error("Policy reload failed", zap.String("file", pending), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}
