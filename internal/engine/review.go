package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// InterventionKind classifies why a task is waiting on an operator
type InterventionKind string

const (
	InterventionCapBreach     InterventionKind = "cap-breach"
	InterventionScopeMismatch InterventionKind = "scope-mismatch"
)

// Intervention is one suspended task awaiting an operator decision
type Intervention struct {
	TaskID    string           `json:"taskId"`
	Kind      InterventionKind `json:"kind"`
	Reason    string           `json:"reason"`
	CreatedAt time.Time        `json:"createdAt"`
}

// DecisionAction is what the operator chose to do
type DecisionAction string

const (
	// DecisionApprove accepts the work as-is; a deferred merge proceeds
	DecisionApprove DecisionAction = "approve"
	// DecisionReject sends the task back to Pending, revision incremented
	DecisionReject DecisionAction = "reject"
	// DecisionResume unblocks a cap-breached task for another run
	DecisionResume DecisionAction = "resume"
)

// Decision is an operator's verdict on a suspended task
type Decision struct {
	TaskID string
	Action DecisionAction
	Note   string
}

// ReviewQueue decouples orchestration liveness from operator response
// latency: interventions are queued here and decisions arrive through a
// channel instead of a blocking call.
type ReviewQueue struct {
	pending   map[string]*Intervention
	decisions chan Decision
	mu        sync.Mutex
}

// NewReviewQueue creates a review queue
func NewReviewQueue() *ReviewQueue {
	return &ReviewQueue{
		pending:   make(map[string]*Intervention),
		decisions: make(chan Decision, 16),
	}
}

// Suspend queues a task for operator attention
func (q *ReviewQueue) Suspend(taskID string, kind InterventionKind, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[taskID] = &Intervention{
		TaskID:    taskID,
		Kind:      kind,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
}

// Pending returns the suspended tasks, ordered by task id
func (q *ReviewQueue) Pending() []*Intervention {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Intervention, 0, len(q.pending))
	for _, item := range q.pending {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Decide submits an operator decision for a suspended task
func (q *ReviewQueue) Decide(d Decision) error {
	q.mu.Lock()
	_, ok := q.pending[d.TaskID]
	if ok {
		delete(q.pending, d.TaskID)
	}
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("task %s is not awaiting a decision", d.TaskID)
	}

	q.decisions <- d
	return nil
}

// Decisions exposes the decision channel for the engine to consume
func (q *ReviewQueue) Decisions() <-chan Decision {
	return q.decisions
}
