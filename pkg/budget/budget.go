// Package budget tracks estimated versus actual resource consumption
// per task and enforces the hard cap
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/5hdaniel/Mad-sub019/pkg/audit"
	"github.com/5hdaniel/Mad-sub019/pkg/interfaces"
	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// Tracker accumulates consumption per task. A cap breach blocks the task
// and requires explicit operator action; it is never silently absorbed.
type Tracker struct {
	registry interfaces.TaskRegistry
	auditLog *audit.Log
	notifier interfaces.OperatorNotifier
	logger   logger.Logger

	totals   map[string]int64
	breached map[string]bool
	reported map[string]bool // over-estimate variance already audited
	closed   map[string]*types.BudgetRecord
	mu       sync.Mutex
}

// NewTracker creates a budget tracker
func NewTracker(reg interfaces.TaskRegistry, auditLog *audit.Log, notifier interfaces.OperatorNotifier, log logger.Logger) *Tracker {
	return &Tracker{
		registry: reg,
		auditLog: auditLog,
		notifier: notifier,
		logger:   log,
		totals:   make(map[string]int64),
		breached: make(map[string]bool),
		reported: make(map[string]bool),
		closed:   make(map[string]*types.BudgetRecord),
	}
}

// Track records a consumption increment and classifies the running
// total. Consumption exactly equal to the cap does not breach; one unit
// past it does.
func (t *Tracker) Track(taskID string, consumed int64) (types.BudgetStatus, error) {
	if consumed < 0 {
		return "", fmt.Errorf("task %s: negative consumption %d", taskID, consumed)
	}

	task, err := t.registry.Get(taskID)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	if t.closed[taskID] != nil {
		t.mu.Unlock()
		return "", fmt.Errorf("task %s: budget already finalized", taskID)
	}
	t.totals[taskID] += consumed
	total := t.totals[taskID]
	alreadyBreached := t.breached[taskID]
	hardCap := task.EffectiveCap()
	if total > hardCap {
		t.breached[taskID] = true
	}
	t.mu.Unlock()

	if total > hardCap {
		if !alreadyBreached {
			t.onBreach(task, total, hardCap)
		}
		return types.BudgetCapBreached, nil
	}

	if total > task.Estimate.High {
		t.mu.Lock()
		first := !t.reported[taskID]
		t.reported[taskID] = true
		t.mu.Unlock()

		if first && t.auditLog != nil {
			_ = t.auditLog.Append(audit.EventBudgetVariance, taskID,
				fmt.Sprintf("consumption %d exceeds high estimate %d", total, task.Estimate.High),
				map[string]interface{}{
					"actual":       total,
					"estimateHigh": task.Estimate.High,
				})
		}
		return types.BudgetOverEstimate, nil
	}

	return types.BudgetWithinEstimate, nil
}

// Total returns the cumulative consumption recorded for a task
func (t *Tracker) Total(taskID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[taskID]
}

// Finalize closes the task's budget record for longitudinal calibration
func (t *Tracker) Finalize(taskID string) (*types.BudgetRecord, error) {
	task, err := t.registry.Get(taskID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if record, ok := t.closed[taskID]; ok {
		return record, nil
	}

	actual := t.totals[taskID]
	record := &types.BudgetRecord{
		TaskID:       taskID,
		Category:     task.Category,
		EstimateLow:  task.Estimate.Low,
		EstimateHigh: task.Estimate.High,
		Cap:          task.EffectiveCap(),
		Actual:       actual,
		CapBreached:  t.breached[taskID],
		ClosedAt:     time.Now(),
	}
	if task.Estimate.High > 0 {
		record.VariancePercent = float64(actual-task.Estimate.High) / float64(task.Estimate.High) * 100
	}
	t.closed[taskID] = record

	return record, nil
}

// Record returns the open or closed budget view for a task
func (t *Tracker) Record(taskID string) (*types.BudgetRecord, error) {
	task, err := t.registry.Get(taskID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if record, ok := t.closed[taskID]; ok {
		return record, nil
	}

	actual := t.totals[taskID]
	record := &types.BudgetRecord{
		TaskID:       taskID,
		Category:     task.Category,
		EstimateLow:  task.Estimate.Low,
		EstimateHigh: task.Estimate.High,
		Cap:          task.EffectiveCap(),
		Actual:       actual,
		CapBreached:  t.breached[taskID],
	}
	if task.Estimate.High > 0 {
		record.VariancePercent = float64(actual-task.Estimate.High) / float64(task.Estimate.High) * 100
	}
	return record, nil
}

// CalibrationHint averages the closed variance for a task category,
// feeding future estimates
func (t *Tracker) CalibrationHint(category string) (avgVariancePercent float64, samples int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sum float64
	for _, record := range t.closed {
		if record.Category != category {
			continue
		}
		sum += record.VariancePercent
		samples++
	}
	if samples == 0 {
		return 0, 0
	}
	return sum / float64(samples), samples
}

// onBreach blocks the task and alerts the operator. Never auto-retried.
func (t *Tracker) onBreach(task *types.Task, total, hardCap int64) {
	reason := fmt.Sprintf("consumption %d exceeded cap %d; operator action required to resume", total, hardCap)

	if err := t.registry.Transition(task.ID, types.TaskStatusBlocked, reason); err != nil {
		if t.logger != nil {
			t.logger.Error("Failed to block cap-breached task",
				logger.WithField("task", task.ID),
				logger.WithField("error", err))
		}
	}

	if t.auditLog != nil {
		_ = t.auditLog.Append(audit.EventCapBreach, task.ID, reason, map[string]interface{}{
			"actual": total,
			"cap":    hardCap,
		})
	}
	if t.notifier != nil {
		t.notifier.NotifyCapBreach(task.ID, total, hardCap)
	}
	if t.logger != nil {
		t.logger.Warn("Cap breached",
			logger.WithField("task", task.ID),
			logger.WithField("actual", total),
			logger.WithField("cap", hardCap))
	}
}
