// Package mocks provides mock implementations of interfaces for testing
package mocks

import (
	"context"
	"sync"

	"github.com/5hdaniel/Mad-sub019/pkg/types"
	"github.com/5hdaniel/Mad-sub019/pkg/workspace"
)

// MockExecutor runs a configurable function per task
type MockExecutor struct {
	mu       sync.Mutex
	Executed []string
	Fn       func(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(int64) error) error
}

// Execute implements interfaces.Executor
func (m *MockExecutor) Execute(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(consumed int64) error) error {
	m.mu.Lock()
	m.Executed = append(m.Executed, task.ID)
	m.mu.Unlock()

	if m.Fn != nil {
		return m.Fn(ctx, task, env, report)
	}
	return nil
}

// ExecutedTasks returns the ids handed to the executor so far
func (m *MockExecutor) ExecutedTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.Executed...)
}

// MockNotifier records operator notifications
type MockNotifier struct {
	mu             sync.Mutex
	CapBreaches    []string
	ScopeMisses    []string
	PhasesComplete []int
}

// NotifyCapBreach implements interfaces.OperatorNotifier
func (m *MockNotifier) NotifyCapBreach(taskID string, actual, cap int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CapBreaches = append(m.CapBreaches, taskID)
}

// NotifyScopeMismatch implements interfaces.OperatorNotifier
func (m *MockNotifier) NotifyScopeMismatch(taskID string, undeclared types.TouchSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScopeMisses = append(m.ScopeMisses, taskID)
}

// NotifyPhaseCompleted implements interfaces.OperatorNotifier
func (m *MockNotifier) NotifyPhaseCompleted(phaseIndex, mergedTasks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PhasesComplete = append(m.PhasesComplete, phaseIndex)
}

// Breaches returns the recorded cap-breach task ids
func (m *MockNotifier) Breaches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.CapBreaches...)
}

// Mismatches returns the recorded scope-mismatch task ids
func (m *MockNotifier) Mismatches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.ScopeMisses...)
}
