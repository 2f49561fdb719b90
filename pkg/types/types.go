// Package types provides core types and configurations for Marshal
package types

import (
	"fmt"
	"sort"
	"time"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending        TaskStatus = "pending"
	TaskStatusScheduled      TaskStatus = "scheduled"
	TaskStatusRunning        TaskStatus = "running"
	TaskStatusAwaitingReview TaskStatus = "awaiting-review"
	TaskStatusMerged         TaskStatus = "merged"
	TaskStatusBlocked        TaskStatus = "blocked"
	TaskStatusDeferred       TaskStatus = "deferred"
)

// rank orders the forward statuses for the monotonic-advance check.
// Blocked and Deferred sit outside the forward chain.
var statusRank = map[TaskStatus]int{
	TaskStatusPending:        0,
	TaskStatusScheduled:      1,
	TaskStatusRunning:        2,
	TaskStatusAwaitingReview: 3,
	TaskStatusMerged:         4,
}

// CanTransition reports whether a task may move from one status to another.
// Forward transitions advance monotonically; Blocked and Deferred are
// reachable from any non-terminal status and may only return to Pending.
// Cancellation and review rejection are separate registry operations, not
// plain transitions.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	if from == TaskStatusMerged {
		return false
	}
	switch to {
	case TaskStatusBlocked, TaskStatusDeferred:
		return from != TaskStatusBlocked && from != TaskStatusDeferred
	case TaskStatusPending:
		return from == TaskStatusBlocked || from == TaskStatusDeferred
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank == fromRank+1
}

// EdgeKind classifies a dependency edge
type EdgeKind string

const (
	// EdgeKindHardBlocks gates execution and integration: To may not run
	// before From is merged.
	EdgeKindHardBlocks EdgeKind = "hard-blocks"
	// EdgeKindSoftPrefers orders scheduling but never gates integration.
	EdgeKindSoftPrefers EdgeKind = "soft-prefers"
)

// DependencyEdge declares that task To depends on task From
type DependencyEdge struct {
	From string   `json:"from" yaml:"from"`
	To   string   `json:"to" yaml:"to"`
	Kind EdgeKind `json:"kind" yaml:"kind"`
}

func (e DependencyEdge) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", e.From, e.Kind, e.To)
}

// Estimate is a low/high range of expected resource consumption
type Estimate struct {
	Low  int64 `json:"low" yaml:"low"`
	High int64 `json:"high" yaml:"high"`
}

// TouchSet is a set of resource identifiers a task reads or modifies,
// kept sorted and deduplicated
type TouchSet []string

// NewTouchSet builds a normalized touch set from raw resource identifiers
func NewTouchSet(resources ...string) TouchSet {
	seen := make(map[string]bool, len(resources))
	var out TouchSet
	for _, r := range resources {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the set includes the given resource
func (s TouchSet) Contains(resource string) bool {
	i := sort.SearchStrings(s, resource)
	return i < len(s) && s[i] == resource
}

// Intersect returns the resources present in both sets, sorted
func (s TouchSet) Intersect(other TouchSet) TouchSet {
	var out TouchSet
	for _, r := range s {
		if other.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

// Union returns the merged set of both operands
func (s TouchSet) Union(other TouchSet) TouchSet {
	return NewTouchSet(append(append([]string{}, s...), other...)...)
}

// Subtract returns the members of s not present in other
func (s TouchSet) Subtract(other TouchSet) TouchSet {
	var out TouchSet
	for _, r := range s {
		if !other.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

// Task represents one unit of coordinated work
type Task struct {
	ID         string     `json:"id" yaml:"id"`
	Title      string     `json:"title" yaml:"title"`
	Category   string     `json:"category,omitempty" yaml:"category,omitempty"`
	SpecRef    string     `json:"specRef,omitempty" yaml:"specRef,omitempty"`
	TouchSet   TouchSet   `json:"touchSet" yaml:"touchSet"`
	Estimate   Estimate   `json:"estimate" yaml:"estimate"`
	Cap        int64      `json:"cap" yaml:"cap"`
	Status     TaskStatus `json:"status" yaml:"status"`
	Revision   int        `json:"revision" yaml:"revision"`
	Reason     string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedAt  time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

// DefaultCapMultiplier is applied to the high estimate when a task
// declares no explicit cap.
const DefaultCapMultiplier = 4

// EffectiveCap returns the task's hard ceiling, deriving the conventional
// default when no cap was declared
func (t *Task) EffectiveCap() int64 {
	if t.Cap > 0 {
		return t.Cap
	}
	return t.Estimate.High * DefaultCapMultiplier
}

// Phase is an ordered container of mutually non-conflicting tasks whose
// dependencies are satisfied by earlier phases
type Phase struct {
	Index int      `json:"index"`
	Tasks []string `json:"tasks"`
}

// BudgetStatus classifies a task's cumulative consumption
type BudgetStatus string

const (
	BudgetWithinEstimate BudgetStatus = "within-estimate"
	BudgetOverEstimate   BudgetStatus = "over-estimate"
	BudgetCapBreached    BudgetStatus = "cap-breached"
)

// BudgetRecord is the closed ledger entry for one task's consumption
type BudgetRecord struct {
	TaskID          string    `json:"taskId"`
	Category        string    `json:"category,omitempty"`
	EstimateLow     int64     `json:"estimateLow"`
	EstimateHigh    int64     `json:"estimateHigh"`
	Cap             int64     `json:"cap"`
	Actual          int64     `json:"actual"`
	VariancePercent float64   `json:"variancePercent"`
	CapBreached     bool      `json:"capBreached"`
	ClosedAt        time.Time `json:"closedAt,omitempty"`
}

// MergePlan is a validated linear order for integrating completed tasks
type MergePlan struct {
	Order []string `json:"order"`
	Next  int      `json:"next"`
}

// Remaining returns the task ids not yet applied
func (p *MergePlan) Remaining() []string {
	if p.Next >= len(p.Order) {
		return nil
	}
	return p.Order[p.Next:]
}

// Exhausted reports whether every task in the plan has been applied
// or deferred out of it
func (p *MergePlan) Exhausted() bool {
	return p.Next >= len(p.Order)
}

// MergeResult reports the outcome of one merge application step
type MergeResult struct {
	TaskID          string   `json:"taskId"`
	Applied         bool     `json:"applied"`
	Deferred        bool     `json:"deferred"`
	Reason          string   `json:"reason,omitempty"`
	BaselineVersion int64    `json:"baselineVersion,omitempty"`
	Undeclared      TouchSet `json:"undeclared,omitempty"`
}

// ReleaseOutcome describes how an execution environment ends its life
type ReleaseOutcome string

const (
	// ReleaseMerged hands the environment's changes to the merge coordinator
	ReleaseMerged ReleaseOutcome = "merged"
	// ReleaseAbandoned discards the environment with zero baseline effect
	ReleaseAbandoned ReleaseOutcome = "abandoned"
)

// OverlapOverride declares a structurally isolated overlap between two
// tasks on one resource as safe
type OverlapOverride struct {
	TaskA    string `json:"taskA" yaml:"taskA"`
	TaskB    string `json:"taskB" yaml:"taskB"`
	Resource string `json:"resource" yaml:"resource"`
	Reason   string `json:"reason" yaml:"reason"`
}
