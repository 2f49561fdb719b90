package types

import "errors"

// Sentinel errors for coordination operations. These enable reliable
// error checking with errors.Is()
var (
	// ErrCycleDetected indicates the dependency edges do not form a DAG
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrBaselineDrift indicates an environment snapshot is stale against
	// the current shared baseline
	ErrBaselineDrift = errors.New("baseline drifted under snapshot")

	// ErrScopeMismatch indicates a task's actual touched resources exceed
	// its declared touch set
	ErrScopeMismatch = errors.New("actual touch set exceeds declared scope")

	// ErrCapBreached indicates cumulative consumption exceeded the hard cap
	ErrCapBreached = errors.New("resource cap breached")

	// ErrInvalidTransition indicates a status change that violates the
	// monotonic lifecycle
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownTask indicates a task id absent from the registry
	ErrUnknownTask = errors.New("unknown task")

	// ErrEnvironmentHeld indicates a task already owns a live environment
	ErrEnvironmentHeld = errors.New("task already holds an environment")
)
