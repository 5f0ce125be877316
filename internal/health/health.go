// Package health runs periodic dependency checks and serves the
// liveness and readiness endpoints.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus represents the result of a health check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is one check outcome.
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"-"`
	StatusStr string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// Critical failures mark the whole service not ready.
	Critical() bool
}

// Manager runs registered checkers on an interval and caches results.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}

	mu       sync.RWMutex
	checkers map[string]Checker
	results  map[string]CheckResult
	started  bool
}

// NewManager creates a manager checking every 30s with a 5s per-check
// timeout.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		interval: 30 * time.Second,
		timeout:  5 * time.Second,
		stopCh:   make(chan struct{}),
		checkers: make(map[string]Checker),
		results:  make(map[string]CheckResult),
	}
}

// Register adds a checker. Registering after Start is fine; the next
// sweep picks it up.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Start launches the periodic check loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		m.runChecks()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runChecks()
			}
		}
	}()
}

// Stop halts the loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) runChecks() {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, c := range checkers {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		res := c.Check(ctx)
		cancel()
		res.StatusStr = res.Status.String()

		m.mu.Lock()
		m.results[c.Name()] = res
		m.mu.Unlock()

		if res.Status != StatusHealthy {
			m.logger.Warn("Health check failed",
				zap.String("component", res.Component),
				zap.String("error", res.Error),
			)
		}
	}
}

// Results returns the latest snapshot of all checks.
func (m *Manager) Results() []CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CheckResult, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	return out
}

// Ready reports whether every critical dependency is healthy. Checks
// that have not run yet count as not ready.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.checkers {
		if !c.Critical() {
			continue
		}
		res, ok := m.results[name]
		if !ok || res.Status != StatusHealthy {
			return false
		}
	}
	return true
}
