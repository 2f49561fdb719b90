package types

import "context"

// Worker identifies a participant in the coordination flow. Capabilities
// are tagged interfaces layered on top of it, not an inheritance tree.
type Worker interface {
	WorkerID() string
}

// Implementer is a worker able to carry out a task inside an isolated
// environment. The spec body behind SpecRef is an opaque payload the
// engine never parses; only the implementer interprets it.
type Implementer interface {
	Worker
	// Implement performs the task in the environment rooted at envDir.
	// Touched resources are declared through touch, consumption
	// increments through report, as the work proceeds.
	Implement(ctx context.Context, task *Task, envDir string, touch func(resource string), report func(consumed int64) error) error
}

// Reviewer is a worker able to approve or reject completed work.
type Reviewer interface {
	Worker
	// Review inspects a suspended task given its budget record and its
	// position in the review queue, which is ordered by task id.
	Review(ctx context.Context, task *Task, record *BudgetRecord, queuePosition int) (approved bool, reason string, err error)
}
