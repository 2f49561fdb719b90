// Package engine orchestrates phase-gated parallel task execution
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/5hdaniel/Mad-sub019/pkg/audit"
	"github.com/5hdaniel/Mad-sub019/pkg/interfaces"
	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
	"github.com/5hdaniel/Mad-sub019/pkg/workspace"
)

// Options tunes the coordinator
type Options struct {
	// Parallelism caps concurrent workers within one phase
	Parallelism int
	// EarlyAcquire lets next-phase tasks with no outstanding hard
	// dependency snapshot their environment before the current phase
	// finishes integrating
	EarlyAcquire bool
}

// Coordinator drives the full flow: phase computation, concurrent
// execution inside isolated environments, budget observation, ordered
// integration, and audit-backed recovery. The shared baseline is owned
// here, with explicit Start and Stop.
type Coordinator struct {
	opts     Options
	deps     interfaces.Dependencies
	baseline *workspace.Baseline
	auditLog *audit.Log
	logger   logger.Logger
	reviews  *ReviewQueue

	phases  []types.Phase
	started bool
	mu      sync.Mutex
}

// NewCoordinator wires a coordinator from its dependencies
func NewCoordinator(opts Options, deps interfaces.Dependencies, baseline *workspace.Baseline, auditLog *audit.Log, log logger.Logger) *Coordinator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &Coordinator{
		opts:     opts,
		deps:     deps,
		baseline: baseline,
		auditLog: auditLog,
		logger:   log,
		reviews:  NewReviewQueue(),
	}
}

// Reviews returns the suspended-task queue for operator consumption
func (c *Coordinator) Reviews() *ReviewQueue {
	return c.reviews
}

// Phases returns the current phase assignment
func (c *Coordinator) Phases() []types.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Phase{}, c.phases...)
}

// Start recovers state from the latest audit checkpoint and begins
// consuming operator decisions. Conflict detection is not re-run for
// phases the checkpoint already resolved.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	cp, _, err := c.auditLog.LatestCheckpoint()
	if err != nil {
		return fmt.Errorf("failed to read recovery checkpoint: %w", err)
	}
	if cp != nil {
		if err := c.deps.Registry.Restore(cp.Tasks); err != nil {
			return fmt.Errorf("failed to restore registry from checkpoint: %w", err)
		}
		c.mu.Lock()
		c.phases = cp.Phases
		c.mu.Unlock()
		c.baseline.SetVersion(cp.BaselineVersion)

		if c.logger != nil {
			c.logger.Info("Recovered from checkpoint",
				logger.WithField("tasks", len(cp.Tasks)),
				logger.WithField("phases", len(cp.Phases)),
				logger.WithField("baselineVersion", cp.BaselineVersion))
		}
	}

	go c.consumeDecisions(ctx)
	return nil
}

// Stop checkpoints current state and releases live environments. An
// environment staged behind a deferred merge is kept on disk so the
// operator can still approve it after a restart.
func (c *Coordinator) Stop() error {
	if err := c.checkpoint(); err != nil {
		return err
	}

	var firstErr error
	for _, task := range c.deps.Registry.List() {
		env, ok := c.deps.Workspaces.Active(task.ID)
		if !ok {
			continue
		}
		if task.Status == types.TaskStatusAwaitingReview {
			continue
		}
		if err := c.deps.Workspaces.Release(env, types.ReleaseAbandoned); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Approve merges a deferred task after the operator accepted its actual
// scope
func (c *Coordinator) Approve(taskID string) (*types.MergeResult, error) {
	result, err := c.deps.Merger.ApplyApproved(taskID)
	if err != nil {
		return nil, err
	}
	if env, ok := c.deps.Workspaces.Active(taskID); ok {
		_ = c.deps.Workspaces.Release(env, types.ReleaseMerged)
	}
	return result, nil
}

// Plan computes (or recomputes) the phase assignment from the registry.
// A dependency cycle is fatal and halts scheduling entirely.
func (c *Coordinator) Plan() ([]types.Phase, error) {
	tasks := c.deps.Registry.List()
	edges := c.deps.Registry.Edges()

	phases, err := c.deps.Scheduler.ComputePhases(tasks, edges)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.phases = phases
	c.mu.Unlock()

	if c.auditLog != nil {
		_ = c.auditLog.Append(audit.EventPhaseComputed, "",
			fmt.Sprintf("%d tasks layered into %d phases", len(tasks), len(phases)),
			map[string]interface{}{"phases": phases})
	}

	return phases, c.checkpoint()
}

// Run executes every phase in order: concurrent workers inside a phase,
// integration gated on the phase's hard predecessors being merged.
func (c *Coordinator) Run(ctx context.Context) error {
	phases := c.Phases()
	if len(phases) == 0 {
		var err error
		phases, err = c.Plan()
		if err != nil {
			return err
		}
	}

	for i, phase := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.runPhase(ctx, phase); err != nil {
			return err
		}
		if err := c.integratePhase(phase); err != nil {
			return err
		}

		if c.opts.EarlyAcquire && i+1 < len(phases) {
			c.earlyAcquire(ctx, phases[i+1])
		}

		if err := c.checkpoint(); err != nil {
			return err
		}
	}

	return nil
}

// runPhase executes one phase's tasks as independent concurrent workers.
// Acquisition never mutates the baseline; runtime failures block or
// defer only the affected task, never its siblings.
func (c *Coordinator) runPhase(ctx context.Context, phase types.Phase) error {
	if c.auditLog != nil {
		_ = c.auditLog.Append(audit.EventPhaseStarted, "",
			fmt.Sprintf("phase %d with %d task(s)", phase.Index, len(phase.Tasks)),
			map[string]interface{}{"phase": phase.Index, "tasks": phase.Tasks})
	}

	baselineVersion := c.baseline.Version()

	group, groupCtx := NewSafeGroup(ctx, c.logger)
	group.SetLimit(c.opts.Parallelism)

	for _, id := range phase.Tasks {
		taskID := id
		group.Go(func() error {
			c.runTask(groupCtx, taskID, baselineVersion)
			// Per-task failures are handled locally; only a cancelled
			// context aborts the phase.
			return groupCtx.Err()
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// runTask drives one task from Scheduled to AwaitingReview, or parks it
// Blocked/Deferred with a human-readable reason
func (c *Coordinator) runTask(ctx context.Context, taskID string, baselineVersion int64) {
	task, err := c.deps.Registry.Get(taskID)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("Unknown task in phase", logger.WithField("task", taskID))
		}
		return
	}
	if task.Status != types.TaskStatusPending {
		// Blocked, Deferred or already past this phase from a recovered
		// run; leave it to the operator or a later pass.
		return
	}
	if dep := c.firstUnmergedHardDep(taskID, c.deps.Registry.Edges()); dep != "" {
		// A predecessor ended Blocked, Deferred or stuck in review, so
		// this task must not run against a baseline that never saw it.
		reason := fmt.Sprintf("hard predecessor %s is not merged", dep)
		_ = c.deps.Registry.Transition(taskID, types.TaskStatusDeferred, reason)
		if c.logger != nil {
			c.logger.Warn("Deferred task behind unmerged predecessor",
				logger.WithField("task", taskID),
				logger.WithField("predecessor", dep))
		}
		return
	}

	if err := c.deps.Registry.Transition(taskID, types.TaskStatusScheduled, ""); err != nil {
		return
	}

	env, held := c.deps.Workspaces.Active(taskID)
	if !held {
		env, err = c.deps.Workspaces.Acquire(ctx, task, baselineVersion)
		if err != nil {
			reason := fmt.Sprintf("environment acquisition failed: %v", err)
			_ = c.deps.Registry.Transition(taskID, types.TaskStatusDeferred, reason)
			return
		}
	}

	if err := c.deps.Registry.Transition(taskID, types.TaskStatusRunning, ""); err != nil {
		_ = c.deps.Workspaces.Release(env, types.ReleaseAbandoned)
		return
	}

	report := func(consumed int64) error {
		status, err := c.deps.Budget.Track(taskID, consumed)
		if err != nil {
			return err
		}
		if status == types.BudgetCapBreached {
			return fmt.Errorf("task %s: %w", taskID, types.ErrCapBreached)
		}
		return nil
	}

	execErr := c.deps.Executor.Execute(ctx, task, env, report)

	switch {
	case execErr == nil:
		if err := c.deps.Registry.Transition(taskID, types.TaskStatusAwaitingReview, ""); err != nil {
			_ = c.deps.Workspaces.Release(env, types.ReleaseAbandoned)
			return
		}
		if _, err := c.deps.Budget.Finalize(taskID); err != nil && c.logger != nil {
			c.logger.Warn("Failed to finalize budget", logger.WithField("task", taskID), logger.WithField("error", err))
		}
		c.deps.Merger.Stage(taskID, env)

	case errors.Is(execErr, types.ErrCapBreached):
		// The tracker already blocked the task; park it for the operator
		// and discard the partial work. Cap breaches are never retried
		// automatically.
		fresh, _ := c.deps.Registry.Get(taskID)
		reason := ""
		if fresh != nil {
			reason = fresh.Reason
		}
		c.reviews.Suspend(taskID, InterventionCapBreach, reason)
		_ = c.deps.Workspaces.Release(env, types.ReleaseAbandoned)

	case errors.Is(execErr, context.Canceled):
		// Cancellation: abandoned environment, no partial merge ever
		// observable, task back to Pending.
		_ = c.deps.Workspaces.Release(env, types.ReleaseAbandoned)
		_ = c.deps.Registry.Cancel(taskID, "cancelled while running")

	default:
		reason := fmt.Sprintf("execution failed: %v", execErr)
		_ = c.deps.Registry.Transition(taskID, types.TaskStatusDeferred, reason)
		_ = c.deps.Workspaces.Release(env, types.ReleaseAbandoned)
	}
}

// integratePhase merges the phase's completed tasks one at a time, in a
// deterministic linear extension of the dependency DAG
func (c *Coordinator) integratePhase(phase types.Phase) error {
	inPhase := make(map[string]bool, len(phase.Tasks))
	for _, id := range phase.Tasks {
		inPhase[id] = true
	}

	edges := c.deps.Registry.Edges()

	var completed []*types.Task
	for _, t := range c.deps.Registry.ByStatus(types.TaskStatusAwaitingReview) {
		if !inPhase[t.ID] {
			continue
		}
		if dep := c.firstUnmergedHardDep(t.ID, edges); dep != "" {
			// Completed work cannot integrate past a predecessor that
			// never merged; discard it and hand the task back.
			reason := fmt.Sprintf("hard predecessor %s is not merged", dep)
			c.deps.Merger.Unstage(t.ID)
			_ = c.deps.Registry.Transition(t.ID, types.TaskStatusDeferred, reason)
			if env, ok := c.deps.Workspaces.Active(t.ID); ok {
				_ = c.deps.Workspaces.Release(env, types.ReleaseAbandoned)
			}
			continue
		}
		completed = append(completed, t)
	}

	merged := 0
	if len(completed) > 0 {
		plan, err := c.deps.Merger.ComputeMergeOrder(completed, edges)
		if err != nil {
			return err
		}

		for !plan.Exhausted() {
			result, err := c.deps.Merger.ApplyNext(plan)
			switch {
			case err == nil:
				merged++
				if env, ok := c.deps.Workspaces.Active(result.TaskID); ok {
					_ = c.deps.Workspaces.Release(env, types.ReleaseMerged)
				}
			case errors.Is(err, types.ErrScopeMismatch):
				c.reviews.Suspend(result.TaskID, InterventionScopeMismatch, result.Reason)
			default:
				return err
			}
		}
	}

	if c.auditLog != nil {
		_ = c.auditLog.Append(audit.EventPhaseCompleted, "",
			fmt.Sprintf("phase %d merged %d of %d task(s)", phase.Index, merged, len(phase.Tasks)),
			map[string]interface{}{"phase": phase.Index, "merged": merged})
	}
	if c.deps.Notifier != nil {
		c.deps.Notifier.NotifyPhaseCompleted(phase.Index, merged)
	}

	return nil
}

// earlyAcquire snapshots environments ahead of time for next-phase tasks
// whose hard dependencies are all merged already
func (c *Coordinator) earlyAcquire(ctx context.Context, next types.Phase) {
	edges := c.deps.Registry.Edges()
	version := c.baseline.Version()

	for _, id := range next.Tasks {
		task, err := c.deps.Registry.Get(id)
		if err != nil || task.Status != types.TaskStatusPending {
			continue
		}
		if c.firstUnmergedHardDep(id, edges) != "" {
			continue
		}
		if _, held := c.deps.Workspaces.Active(id); held {
			continue
		}
		if _, err := c.deps.Workspaces.Acquire(ctx, task, version); err != nil {
			if c.logger != nil {
				c.logger.Debug("Early acquisition skipped",
					logger.WithField("task", id),
					logger.WithField("error", err))
			}
		}
	}
}

// firstUnmergedHardDep returns the id of a hard-blocking predecessor
// that has not reached Merged, or "" when every one has
func (c *Coordinator) firstUnmergedHardDep(taskID string, edges []types.DependencyEdge) string {
	for _, e := range edges {
		if e.To != taskID || e.Kind != types.EdgeKindHardBlocks {
			continue
		}
		dep, err := c.deps.Registry.Get(e.From)
		if err != nil || dep.Status != types.TaskStatusMerged {
			return e.From
		}
	}
	return ""
}

// Cancel aborts a running task: its environment is abandoned and its
// status reverts to Pending
func (c *Coordinator) Cancel(taskID string) error {
	if env, ok := c.deps.Workspaces.Active(taskID); ok {
		if err := c.deps.Workspaces.Release(env, types.ReleaseAbandoned); err != nil {
			return err
		}
	}
	return c.deps.Registry.Cancel(taskID, "cancelled by operator")
}

// consumeDecisions applies operator verdicts as they arrive
func (c *Coordinator) consumeDecisions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.reviews.Decisions():
			c.applyDecision(d)
		}
	}
}

func (c *Coordinator) applyDecision(d Decision) {
	var err error
	switch d.Action {
	case DecisionApprove:
		_, err = c.Approve(d.TaskID)
	case DecisionReject:
		c.deps.Merger.Unstage(d.TaskID)
		if env, ok := c.deps.Workspaces.Active(d.TaskID); ok {
			_ = c.deps.Workspaces.Release(env, types.ReleaseAbandoned)
		}
		err = c.deps.Registry.Reject(d.TaskID, d.Note)
	case DecisionResume:
		err = c.deps.Registry.Transition(d.TaskID, types.TaskStatusPending, "")
	default:
		err = fmt.Errorf("unknown decision action %q", d.Action)
	}

	if err != nil && c.logger != nil {
		c.logger.Error("Failed to apply operator decision",
			logger.WithField("task", d.TaskID),
			logger.WithField("action", string(d.Action)),
			logger.WithField("error", err))
	}
}

// checkpoint embeds a consistent snapshot in the audit log
func (c *Coordinator) checkpoint() error {
	if c.auditLog == nil {
		return nil
	}

	var mergedIDs []string
	for _, t := range c.deps.Registry.ByStatus(types.TaskStatusMerged) {
		mergedIDs = append(mergedIDs, t.ID)
	}

	c.mu.Lock()
	phases := append([]types.Phase{}, c.phases...)
	c.mu.Unlock()

	return c.auditLog.WriteCheckpoint(&audit.Checkpoint{
		Tasks:           c.deps.Registry.Snapshot(),
		Phases:          phases,
		BaselineVersion: c.baseline.Version(),
		MergedTasks:     mergedIDs,
	})
}
