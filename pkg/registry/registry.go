// Package registry provides persistent task records and lifecycle control
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/5hdaniel/Mad-sub019/pkg/audit"
	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// Registry holds every task record and enforces the status lifecycle.
// Records persist as one JSON file per task and survive restarts.
type Registry struct {
	dir      string
	tasks    map[string]*types.Task
	edges    []types.DependencyEdge
	auditLog *audit.Log
	logger   logger.Logger
	mu       sync.RWMutex
}

// New creates a registry rooted at stateDir, loading any existing task
// files from a previous run
func New(stateDir string, auditLog *audit.Log, log logger.Logger) (*Registry, error) {
	dir := filepath.Join(stateDir, "tasks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create task state directory: %w", err)
	}

	r := &Registry{
		dir:      dir,
		tasks:    make(map[string]*types.Task),
		auditLog: auditLog,
		logger:   log,
	}

	if err := r.loadAll(); err != nil {
		return nil, err
	}

	return r, nil
}

// Register ingests a new task record. The task starts Pending unless the
// loaded record already carries a later status.
func (r *Registry) Register(task *types.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task requires an id")
	}
	if task.Estimate.High < task.Estimate.Low {
		return fmt.Errorf("task %s: estimate high %d below low %d", task.ID, task.Estimate.High, task.Estimate.Low)
	}
	if task.Cap > 0 && task.Cap < task.Estimate.High {
		return fmt.Errorf("task %s: cap %d below high estimate %d", task.ID, task.Cap, task.Estimate.High)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("duplicate task id %q", task.ID)
	}

	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.TouchSet = types.NewTouchSet(task.TouchSet...)

	r.tasks[task.ID] = task
	if err := r.saveTask(task); err != nil {
		delete(r.tasks, task.ID)
		return err
	}

	if r.auditLog != nil {
		_ = r.auditLog.Append(audit.EventTaskRegistered, task.ID, task.Title, map[string]interface{}{
			"touchSet": []string(task.TouchSet),
			"cap":      task.EffectiveCap(),
		})
	}

	return nil
}

// SetEdges replaces the declared dependency edges
func (r *Registry) SetEdges(edges []types.DependencyEdge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append([]types.DependencyEdge{}, edges...)
}

// Edges returns the declared dependency edges
func (r *Registry) Edges() []types.DependencyEdge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.DependencyEdge{}, r.edges...)
}

// Get returns one task by id
func (r *Registry) Get(id string) (*types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, types.ErrUnknownTask)
	}
	return task, nil
}

// List returns every task, sorted by ascending id
func (r *Registry) List() []*types.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByStatus returns tasks currently in the given status, sorted by id
func (r *Registry) ByStatus(status types.TaskStatus) []*types.Task {
	var out []*types.Task
	for _, t := range r.List() {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Transition advances a task through the lifecycle. The reason is
// mandatory for Blocked and Deferred so a human never sees a bare code.
func (r *Registry) Transition(id string, to types.TaskStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %q: %w", id, types.ErrUnknownTask)
	}

	if !types.CanTransition(task.Status, to) {
		return fmt.Errorf("task %s: %s -> %s: %w", id, task.Status, to, types.ErrInvalidTransition)
	}
	if (to == types.TaskStatusBlocked || to == types.TaskStatusDeferred) && strings.TrimSpace(reason) == "" {
		return fmt.Errorf("task %s: transition to %s requires a reason", id, to)
	}

	return r.applyTransition(task, to, reason)
}

// Cancel reverts a Running task to Pending, used when its environment is
// abandoned. No partial work is ever observable afterward.
func (r *Registry) Cancel(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %q: %w", id, types.ErrUnknownTask)
	}
	if task.Status != types.TaskStatusRunning {
		return fmt.Errorf("task %s: cancel from %s: %w", id, task.Status, types.ErrInvalidTransition)
	}

	return r.applyTransition(task, types.TaskStatusPending, reason)
}

// Reject returns an AwaitingReview task to Pending with its revision
// incremented
func (r *Registry) Reject(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %q: %w", id, types.ErrUnknownTask)
	}
	if task.Status != types.TaskStatusAwaitingReview {
		return fmt.Errorf("task %s: reject from %s: %w", id, task.Status, types.ErrInvalidTransition)
	}

	task.Revision++
	return r.applyTransition(task, types.TaskStatusPending, reason)
}

// applyTransition mutates, persists and audits one status change.
// Caller holds the write lock.
func (r *Registry) applyTransition(task *types.Task, to types.TaskStatus, reason string) error {
	from := task.Status
	task.Status = to
	task.Reason = reason
	task.UpdatedAt = time.Now()

	if err := r.saveTask(task); err != nil {
		task.Status = from
		return err
	}

	if r.logger != nil {
		r.logger.Info("Task transition",
			logger.WithField("task", task.ID),
			logger.WithField("from", string(from)),
			logger.WithField("to", string(to)))
	}
	if r.auditLog != nil {
		_ = r.auditLog.Append(audit.EventTaskTransition, task.ID, reason, map[string]interface{}{
			"from":     string(from),
			"to":       string(to),
			"revision": task.Revision,
		})
	}

	return nil
}

// Snapshot returns deep copies of every task for checkpointing
func (r *Registry) Snapshot() []*types.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		copied := *t
		copied.TouchSet = append(types.TouchSet{}, t.TouchSet...)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the in-memory records from a checkpoint snapshot and
// persists them
func (r *Registry) Restore(tasks []*types.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks = make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		copied := *t
		r.tasks[t.ID] = &copied
		if err := r.saveTask(&copied); err != nil {
			return err
		}
	}
	return nil
}

// Private methods

func (r *Registry) taskFilePath(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *Registry) saveTask(task *types.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	// Write atomically
	path := r.taskFilePath(task.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename task file: %w", err)
	}
	return nil
}

func (r *Registry) loadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read task state directory: %w", err)
	}

	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read task file %s: %w", entry.Name(), err)
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			if r.logger != nil {
				r.logger.Warn("Skipping unparseable task file",
					logger.WithField("file", entry.Name()),
					logger.WithField("error", err))
			}
			continue
		}
		r.tasks[task.ID] = &task
	}

	return nil
}
