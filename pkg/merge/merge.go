// Package merge integrates completed tasks into the shared baseline in
// a validated linear order
package merge

import (
	"fmt"
	"sort"
	"sync"

	"github.com/5hdaniel/Mad-sub019/pkg/audit"
	"github.com/5hdaniel/Mad-sub019/pkg/interfaces"
	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
	"github.com/5hdaniel/Mad-sub019/pkg/workspace"
)

// Coordinator applies one task's changes at a time to the shared
// baseline. Merges never apply concurrently even when the underlying
// tasks ran concurrently; the baseline's writer lock is the single
// point of mutation.
type Coordinator struct {
	baseline *workspace.Baseline
	registry interfaces.TaskRegistry
	auditLog *audit.Log
	notifier interfaces.OperatorNotifier
	logger   logger.Logger

	staged map[string]*workspace.ExecutionEnvironment
	mu     sync.Mutex
}

// NewCoordinator creates a merge coordinator bound to the baseline
func NewCoordinator(baseline *workspace.Baseline, reg interfaces.TaskRegistry, auditLog *audit.Log, notifier interfaces.OperatorNotifier, log logger.Logger) *Coordinator {
	return &Coordinator{
		baseline: baseline,
		registry: reg,
		auditLog: auditLog,
		notifier: notifier,
		logger:   log,
		staged:   make(map[string]*workspace.ExecutionEnvironment),
	}
}

// Stage binds a completed task's environment so its changes can be
// applied when the task's turn in the plan arrives
func (c *Coordinator) Stage(taskID string, env *workspace.ExecutionEnvironment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged[taskID] = env
}

// Unstage drops a task's staged environment, used after rejection
func (c *Coordinator) Unstage(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.staged, taskID)
}

// ComputeMergeOrder returns a linear extension of the dependency DAG
// restricted to the given completed tasks, ties broken by ascending id
// for determinism
func (c *Coordinator) ComputeMergeOrder(completed []*types.Task, edges []types.DependencyEdge) (*types.MergePlan, error) {
	inSet := make(map[string]bool, len(completed))
	for _, t := range completed {
		if inSet[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q in merge set", t.ID)
		}
		inSet[t.ID] = true
	}

	indegree := make(map[string]int, len(completed))
	dependents := make(map[string][]string)
	for id := range inSet {
		indegree[id] = 0
	}
	for _, e := range edges {
		if !inSet[e.From] || !inSet[e.To] {
			continue
		}
		indegree[e.To]++
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	// Kahn with a sorted ready list: smallest id first
	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(completed))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}

	if len(order) != len(completed) {
		return nil, fmt.Errorf("completed task set contains a dependency cycle: %w", types.ErrCycleDetected)
	}

	return &types.MergePlan{Order: order}, nil
}

// ApplyNext applies the next task in the plan. Immediately before
// applying, the task's actual touched resources are re-validated against
// its declared touch set; a mismatch defers the merge for review instead
// of silently widening the blast radius. Application is atomic: the
// baseline fully integrates the task's changes or is left untouched.
func (c *Coordinator) ApplyNext(plan *types.MergePlan) (*types.MergeResult, error) {
	if plan.Exhausted() {
		return nil, fmt.Errorf("merge plan exhausted")
	}

	taskID := plan.Order[plan.Next]
	plan.Next++

	task, err := c.registry.Get(taskID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	env, ok := c.staged[taskID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task %s has no staged environment", taskID)
	}

	actual := env.ActualTouched()
	undeclared := actual.Subtract(task.TouchSet)
	if len(undeclared) > 0 {
		reason := fmt.Sprintf("task touched undeclared resources %v; declared scope is %v", []string(undeclared), []string(task.TouchSet))

		if c.auditLog != nil {
			_ = c.auditLog.Append(audit.EventScopeMismatch, taskID, reason, map[string]interface{}{
				"declared":   []string(task.TouchSet),
				"actual":     []string(actual),
				"undeclared": []string(undeclared),
			})
			_ = c.auditLog.Append(audit.EventMergeDeferred, taskID, "deferred for review after scope mismatch", nil)
		}
		if c.notifier != nil {
			c.notifier.NotifyScopeMismatch(taskID, undeclared)
		}
		if c.logger != nil {
			c.logger.Warn("Merge deferred for review", logger.WithField("task", taskID), logger.WithField("undeclared", undeclared))
		}

		// The task stays AwaitingReview; the plan moves on.
		return &types.MergeResult{
			TaskID:     taskID,
			Deferred:   true,
			Reason:     reason,
			Undeclared: undeclared,
		}, fmt.Errorf("task %s: %w", taskID, types.ErrScopeMismatch)
	}

	changes, err := env.Changes()
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to collect changes: %w", taskID, err)
	}

	version, err := c.baseline.Apply(changes)
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to apply changes: %w", taskID, err)
	}

	if err := c.registry.Transition(taskID, types.TaskStatusMerged, ""); err != nil {
		return nil, fmt.Errorf("task %s merged on baseline but transition failed: %w", taskID, err)
	}

	c.mu.Lock()
	delete(c.staged, taskID)
	c.mu.Unlock()

	if c.auditLog != nil {
		_ = c.auditLog.Append(audit.EventMergeApplied, taskID,
			fmt.Sprintf("%d resources integrated", len(changes)),
			map[string]interface{}{
				"resources":       []string(actual),
				"baselineVersion": version,
			})
	}
	if c.logger != nil {
		c.logger.Success("Merge applied",
			logger.WithField("task", taskID),
			logger.WithField("resources", len(changes)),
			logger.WithField("baselineVersion", version))
	}

	return &types.MergeResult{
		TaskID:          taskID,
		Applied:         true,
		BaselineVersion: version,
	}, nil
}

// ApplyApproved applies a previously deferred task after an operator
// approved the widened scope. Validation is skipped deliberately: the
// approval is the operator accepting the actual touch set.
func (c *Coordinator) ApplyApproved(taskID string) (*types.MergeResult, error) {
	task, err := c.registry.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusAwaitingReview {
		return nil, fmt.Errorf("task %s: approve from %s: %w", taskID, task.Status, types.ErrInvalidTransition)
	}

	c.mu.Lock()
	env, ok := c.staged[taskID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task %s has no staged environment", taskID)
	}

	changes, err := env.Changes()
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to collect changes: %w", taskID, err)
	}

	version, err := c.baseline.Apply(changes)
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to apply changes: %w", taskID, err)
	}

	if err := c.registry.Transition(taskID, types.TaskStatusMerged, ""); err != nil {
		return nil, fmt.Errorf("task %s merged on baseline but transition failed: %w", taskID, err)
	}

	c.mu.Lock()
	delete(c.staged, taskID)
	c.mu.Unlock()

	if c.auditLog != nil {
		_ = c.auditLog.Append(audit.EventMergeApplied, taskID,
			fmt.Sprintf("%d resources integrated after operator approval", len(changes)),
			map[string]interface{}{
				"resources":       []string(env.ActualTouched()),
				"baselineVersion": version,
				"approved":        true,
			})
	}

	return &types.MergeResult{
		TaskID:          taskID,
		Applied:         true,
		BaselineVersion: version,
	}, nil
}

// insertSorted inserts id into a sorted slice, keeping it sorted
func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
