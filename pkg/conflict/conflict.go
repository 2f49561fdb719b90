// Package conflict decides whether two tasks may run in the same phase
package conflict

import (
	"fmt"
	"sync"

	"github.com/5hdaniel/Mad-sub019/pkg/audit"
	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// Detector determines touch-set overlap between tasks, honoring
// operator-declared safe overlaps
type Detector struct {
	overrides map[string]map[string]string // pair key -> resource -> reason
	auditLog  *audit.Log
	logger    logger.Logger
	mu        sync.RWMutex
}

// NewDetector creates a conflict detector. The audit log may be nil in
// planning-only contexts.
func NewDetector(auditLog *audit.Log, log logger.Logger) *Detector {
	return &Detector{
		overrides: make(map[string]map[string]string),
		auditLog:  auditLog,
		logger:    log,
	}
}

// pairKey normalizes an unordered task pair
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// AllowOverlap declares an overlapping resource between two tasks as
// structurally safe (e.g. disjoint append regions of one file). Every
// override is itself recorded in the audit log.
func (d *Detector) AllowOverlap(taskA, taskB, resource, reason string) error {
	if taskA == taskB {
		return fmt.Errorf("override must name two distinct tasks, got %q twice", taskA)
	}
	if reason == "" {
		return fmt.Errorf("override for %s between %s and %s requires a reason", resource, taskA, taskB)
	}

	d.mu.Lock()
	key := pairKey(taskA, taskB)
	if d.overrides[key] == nil {
		d.overrides[key] = make(map[string]string)
	}
	d.overrides[key][resource] = reason
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Info("Overlap override declared",
			logger.WithField("tasks", taskA+"+"+taskB),
			logger.WithField("resource", resource),
			logger.WithField("reason", reason))
	}

	if d.auditLog != nil {
		return d.auditLog.Append(audit.EventOverrideDeclared, "",
			fmt.Sprintf("overlap on %s between %s and %s declared safe: %s", resource, taskA, taskB, reason),
			map[string]interface{}{
				"taskA":    taskA,
				"taskB":    taskB,
				"resource": resource,
			})
	}
	return nil
}

// Overlap returns the unsafe shared resources of two tasks, after
// subtracting declared-safe overrides
func (d *Detector) Overlap(a, b *types.Task) types.TouchSet {
	shared := a.TouchSet.Intersect(b.TouchSet)
	if len(shared) == 0 {
		return nil
	}

	d.mu.RLock()
	safe := d.overrides[pairKey(a.ID, b.ID)]
	d.mu.RUnlock()

	if len(safe) == 0 {
		return shared
	}

	var unsafe types.TouchSet
	for _, r := range shared {
		if _, ok := safe[r]; !ok {
			unsafe = append(unsafe, r)
		}
	}
	return unsafe
}

// Conflicts reports whether two tasks may not share a phase. A task with
// an empty touch set never conflicts with anything.
func (d *Detector) Conflicts(a, b *types.Task) bool {
	return len(d.Overlap(a, b)) > 0
}

// Graph is an adjacency map over task ids where an edge means the two
// tasks conflict
type Graph map[string]map[string]bool

// BuildGraph computes the conflict graph for a candidate set of tasks,
// recording each detected conflict in the audit log
func (d *Detector) BuildGraph(tasks []*types.Task) Graph {
	g := make(Graph, len(tasks))
	for _, t := range tasks {
		g[t.ID] = make(map[string]bool)
	}

	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			overlap := d.Overlap(tasks[i], tasks[j])
			if len(overlap) == 0 {
				continue
			}
			g[tasks[i].ID][tasks[j].ID] = true
			g[tasks[j].ID][tasks[i].ID] = true

			if d.auditLog != nil {
				_ = d.auditLog.Append(audit.EventConflictDetected, "",
					fmt.Sprintf("%s and %s both touch %v", tasks[i].ID, tasks[j].ID, overlap),
					map[string]interface{}{
						"taskA":     tasks[i].ID,
						"taskB":     tasks[j].ID,
						"resources": []string(overlap),
					})
			}
			if d.logger != nil {
				d.logger.Debug("Conflict detected",
					logger.WithField("taskA", tasks[i].ID),
					logger.WithField("taskB", tasks[j].ID),
					logger.WithField("resources", overlap))
			}
		}
	}

	return g
}
