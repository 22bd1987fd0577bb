// Package lifecycle runs registered cleanup functions in reverse order on
// shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager collects cleanup functions as components are started.
type Manager struct {
	mu      sync.Mutex
	cleanup []cleanup
	done    bool
	log     *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log}
}

// AddCleanup registers fn to run on shutdown.
func (m *Manager) AddCleanup(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup = append(m.cleanup, cleanup{name: name, fn: fn})
}

// AddCloser registers a Close method that takes no context.
func (m *Manager) AddCloser(name string, closeFn func() error) {
	m.AddCleanup(name, func(context.Context) error { return closeFn() })
}

// Shutdown executes all cleanup functions in reverse order (LIFO). Every
// function runs even when an earlier one fails; the failures are joined.
// Only the first call does anything.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	steps := m.cleanup
	m.mu.Unlock()

	m.log.Info("Starting graceful shutdown")
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(ctx); err != nil {
			m.log.Error("Cleanup failed", zap.String("component", steps[i].name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", steps[i].name, err))
		}
	}
	m.log.Info("Graceful shutdown complete")
	return errors.Join(errs...)
}
