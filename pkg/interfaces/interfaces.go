// Package interfaces provides abstractions for dependency injection and testability
package interfaces

import (
	"context"

	"github.com/5hdaniel/Mad-sub019/pkg/types"
	"github.com/5hdaniel/Mad-sub019/pkg/workspace"
)

// TaskRegistry holds task records and enforces the status lifecycle
type TaskRegistry interface {
	Register(task *types.Task) error
	Get(id string) (*types.Task, error)
	List() []*types.Task
	ByStatus(status types.TaskStatus) []*types.Task
	Transition(id string, to types.TaskStatus, reason string) error
	Cancel(id, reason string) error
	Reject(id, reason string) error
	SetEdges(edges []types.DependencyEdge)
	Edges() []types.DependencyEdge
	Snapshot() []*types.Task
	Restore(tasks []*types.Task) error
}

// ConflictDetector decides phase co-location safety
type ConflictDetector interface {
	Conflicts(a, b *types.Task) bool
	Overlap(a, b *types.Task) types.TouchSet
	AllowOverlap(taskA, taskB, resource, reason string) error
}

// PhaseScheduler layers tasks into conflict-free phases
type PhaseScheduler interface {
	ComputePhases(tasks []*types.Task, edges []types.DependencyEdge) ([]types.Phase, error)
}

// WorkspaceManager allocates and reclaims isolated environments
type WorkspaceManager interface {
	Acquire(ctx context.Context, task *types.Task, expectedVersion int64) (*workspace.ExecutionEnvironment, error)
	Release(env *workspace.ExecutionEnvironment, outcome types.ReleaseOutcome) error
	Active(taskID string) (*workspace.ExecutionEnvironment, bool)
	ReleaseAll() error
}

// BudgetTracker observes consumption against estimates and the hard cap
type BudgetTracker interface {
	Track(taskID string, consumed int64) (types.BudgetStatus, error)
	Total(taskID string) int64
	Finalize(taskID string) (*types.BudgetRecord, error)
	Record(taskID string) (*types.BudgetRecord, error)
	CalibrationHint(category string) (avgVariancePercent float64, samples int)
}

// MergeCoordinator integrates completed work into the shared baseline
type MergeCoordinator interface {
	ComputeMergeOrder(completed []*types.Task, edges []types.DependencyEdge) (*types.MergePlan, error)
	Stage(taskID string, env *workspace.ExecutionEnvironment)
	Unstage(taskID string)
	ApplyNext(plan *types.MergePlan) (*types.MergeResult, error)
	ApplyApproved(taskID string) (*types.MergeResult, error)
}

// OperatorNotifier surfaces events needing human attention
type OperatorNotifier interface {
	NotifyCapBreach(taskID string, actual, cap int64)
	NotifyScopeMismatch(taskID string, undeclared types.TouchSet)
	NotifyPhaseCompleted(phaseIndex, mergedTasks int)
}

// Executor is the execution collaborator that performs one task inside
// its environment, reporting consumption increments as it goes. The
// engine never interprets the task's specification body itself.
type Executor interface {
	Execute(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(consumed int64) error) error
}

// Dependencies contains all injectable collaborators for the coordinator
type Dependencies struct {
	Registry   TaskRegistry
	Detector   ConflictDetector
	Scheduler  PhaseScheduler
	Workspaces WorkspaceManager
	Budget     BudgetTracker
	Merger     MergeCoordinator
	Notifier   OperatorNotifier
	Executor   Executor
}
