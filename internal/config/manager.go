package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Limits are the tunables that may change while the service runs.
// They are reloaded from the limits file without a restart; everything
// else in Config requires one.
type Limits struct {
	ClientTaskLimit int `yaml:"client_task_limit"`
	InputTimeoutSec int `yaml:"input_timeout"`
	MaxDurationSec  int `yaml:"max_task_duration"`
	RetentionDays   int `yaml:"task_retention_days"`
}

// ChangeHandler is invoked after a successful reload.
type ChangeHandler func(Limits)

// Manager watches a yaml limits file and hot-reloads it.
type Manager struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	handlers []ChangeHandler

	mu      sync.RWMutex
	current Limits
}

// NewManager creates a manager seeded from cfg; path may be empty, in
// which case the manager only serves the static values.
func NewManager(cfg *Config, path string, logger *zap.Logger) *Manager {
	return &Manager{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
		current: Limits{
			ClientTaskLimit: cfg.ClientTaskLimit,
			InputTimeoutSec: cfg.InputTimeoutSec,
			MaxDurationSec:  cfg.MaxDurationSec,
			RetentionDays:   cfg.RetentionDays,
		},
	}
}

// Current returns the active limits snapshot.
func (m *Manager) Current() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler called after each successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start begins watching the limits file. No-op when no path is set.
func (m *Manager) Start() error {
	if m.path == "" {
		return nil
	}
	if err := m.reload(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create limits watcher: %w", err)
	}
	m.watcher = watcher
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch limits file %s: %w", m.path, err)
	}
	go m.watchLoop()
	return nil
}

// Stop halts the watcher.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.reload(); err != nil {
				m.logger.Warn("Limits reload failed; keeping previous values",
					zap.String("file", m.path),
					zap.Error(err),
				)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Limits watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reload() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read limits file: %w", err)
	}
	var next Limits
	if err := yaml.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("parse limits file: %w", err)
	}

	m.mu.Lock()
	// Zero values mean "keep the current setting".
	if next.ClientTaskLimit > 0 {
		m.current.ClientTaskLimit = next.ClientTaskLimit
	}
	if next.InputTimeoutSec > 0 {
		m.current.InputTimeoutSec = next.InputTimeoutSec
	}
	if next.MaxDurationSec >= 0 {
		m.current.MaxDurationSec = next.MaxDurationSec
	}
	if next.RetentionDays > 0 {
		m.current.RetentionDays = next.RetentionDays
	}
	snapshot := m.current
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.logger.Info("Limits reloaded",
		zap.Int("client_task_limit", snapshot.ClientTaskLimit),
		zap.Int("input_timeout", snapshot.InputTimeoutSec),
	)
	for _, h := range handlers {
		h(snapshot)
	}
	return nil
}
