// Package process provides process lifecycle and signal handling
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/5hdaniel/Mad-sub019/pkg/logger"
)

// Manager runs registered shutdown handlers when the process receives a
// termination signal or its context ends. Marshal uses it to flush the
// audit log and release live environments on the way out.
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	stopCh           chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger:           log,
		shutdownHandlers: make([]func(), 0),
	}
}

// RegisterShutdownHandler adds a shutdown handler. Handlers run in
// registration order exactly once.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start begins watching for signals. The context controls the manager's
// lifetime.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-ctx.Done():
			m.handleShutdown()
		case <-m.stopCh:
			return
		case sig := <-sigChan:
			if m.logger != nil {
				m.logger.Info("Received signal", logger.WithField("signal", sig))
			}
			m.handleShutdown()
		}
	}()
}

// Stop runs shutdown handlers and waits for the signal watcher
func (m *Manager) Stop() {
	m.handleShutdown()
	m.wg.Wait()
}

// IsRunning reports whether the manager is active
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) handleShutdown() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	handlers := m.shutdownHandlers
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.mu.Unlock()

	for _, handler := range handlers {
		handler()
	}
}
