package engine

import (
	"context"
	"fmt"

	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
	"github.com/5hdaniel/Mad-sub019/pkg/workspace"
)

// ImplementerExecutor adapts a worker with the implement capability to
// the engine's executor seam
type ImplementerExecutor struct {
	Implementer types.Implementer
}

// Execute implements interfaces.Executor
func (e *ImplementerExecutor) Execute(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(consumed int64) error) error {
	if e.Implementer == nil {
		return fmt.Errorf("no implementer bound")
	}
	return e.Implementer.Implement(ctx, task, env.Dir, env.RecordTouch, report)
}

// ReviewWith asks a reviewing worker to decide every suspended task, in
// task-id order. An approved scope mismatch merges the actual touch
// set; an approved cap breach resumes the task for another run. A
// cap-breached task the reviewer declines stays blocked for a human.
func (c *Coordinator) ReviewWith(ctx context.Context, reviewer types.Reviewer) error {
	for position, item := range c.reviews.Pending() {
		task, err := c.deps.Registry.Get(item.TaskID)
		if err != nil {
			return err
		}
		record, err := c.deps.Budget.Record(item.TaskID)
		if err != nil {
			return err
		}

		approved, reason, err := reviewer.Review(ctx, task, record, position)
		if err != nil {
			return fmt.Errorf("reviewer %s failed on task %s: %w", reviewer.WorkerID(), item.TaskID, err)
		}

		var decision Decision
		switch {
		case item.Kind == InterventionScopeMismatch && approved:
			decision = Decision{TaskID: item.TaskID, Action: DecisionApprove, Note: reason}
		case item.Kind == InterventionScopeMismatch:
			decision = Decision{TaskID: item.TaskID, Action: DecisionReject, Note: reason}
		case approved:
			decision = Decision{TaskID: item.TaskID, Action: DecisionResume, Note: reason}
		default:
			if c.logger != nil {
				c.logger.Info("Reviewer left cap-breached task blocked",
					logger.WithField("task", item.TaskID),
					logger.WithField("reviewer", reviewer.WorkerID()))
			}
			continue
		}

		if err := c.reviews.Decide(decision); err != nil {
			return err
		}
	}
	return nil
}
