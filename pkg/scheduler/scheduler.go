// Package scheduler layers tasks into phases of mutually safe parallel work
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/5hdaniel/Mad-sub019/pkg/conflict"
	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// CycleError reports that the dependency edges do not form a DAG. It
// names the offending edges so the operator can fix ingestion.
type CycleError struct {
	Edges []types.DependencyEdge
}

// Error implements the error interface
func (e *CycleError) Error() string {
	parts := make([]string, len(e.Edges))
	for i, edge := range e.Edges {
		parts[i] = edge.String()
	}
	return fmt.Sprintf("dependency cycle detected among edges: %s", strings.Join(parts, ", "))
}

// Unwrap allows errors.Is(err, types.ErrCycleDetected)
func (e *CycleError) Unwrap() error { return types.ErrCycleDetected }

// PhaseScheduler computes conflict-free phases from the task graph
type PhaseScheduler struct {
	detector *conflict.Detector
	logger   logger.Logger
}

// NewPhaseScheduler creates a phase scheduler backed by the given
// conflict detector
func NewPhaseScheduler(detector *conflict.Detector, log logger.Logger) *PhaseScheduler {
	return &PhaseScheduler{detector: detector, logger: log}
}

// ComputePhases topologically layers the tasks, then splits each layer by
// greedy coloring of its conflict graph. Already-merged tasks count as
// satisfied dependencies and are not assigned a phase. The result is
// deterministic: identical input yields an identical assignment.
//
// Coloring tie-break: vertices are visited in ascending task id and each
// takes the smallest color whose class it does not conflict with. This
// minimizes phase count first; size variance is only the secondary
// criterion and falls out of the first-fit order.
func (s *PhaseScheduler) ComputePhases(tasks []*types.Task, edges []types.DependencyEdge) ([]types.Phase, error) {
	byID := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
	}

	// Validate edge endpoints before anything else
	for _, e := range edges {
		if _, ok := byID[e.From]; !ok {
			return nil, fmt.Errorf("edge %s references unknown task %q: %w", e, e.From, types.ErrUnknownTask)
		}
		if _, ok := byID[e.To]; !ok {
			return nil, fmt.Errorf("edge %s references unknown task %q: %w", e, e.To, types.ErrUnknownTask)
		}
	}

	merged := func(id string) bool { return byID[id].Status == types.TaskStatusMerged }

	// Pending dependency counts over unmerged tasks only
	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, t := range tasks {
		if !merged(t.ID) {
			indegree[t.ID] = 0
		}
	}
	for _, e := range edges {
		if merged(e.From) || merged(e.To) {
			continue
		}
		indegree[e.To]++
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	// Kahn layering: repeatedly extract every task whose dependencies all
	// sit in earlier layers
	var layers [][]string
	remaining := len(indegree)
	ready := readyIDs(indegree, nil)

	for len(ready) > 0 {
		sort.Strings(ready)
		layers = append(layers, ready)
		remaining -= len(ready)

		var next []string
		for _, id := range ready {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
			delete(indegree, id)
		}
		ready = next
	}

	if remaining > 0 {
		return nil, &CycleError{Edges: offendingEdges(indegree, edges)}
	}

	// Split each layer into color classes of mutually non-conflicting tasks
	var phases []types.Phase
	for _, layer := range layers {
		layerTasks := make([]*types.Task, len(layer))
		for i, id := range layer {
			layerTasks[i] = byID[id]
		}

		for _, class := range s.colorLayer(layerTasks) {
			phases = append(phases, types.Phase{Index: len(phases), Tasks: class})
		}
	}

	if s.logger != nil {
		s.logger.Info("Phases computed",
			logger.WithField("tasks", len(tasks)),
			logger.WithField("phases", len(phases)))
	}

	return phases, nil
}

// colorLayer splits one dependency layer into conflict-free classes.
// Input must be sorted by id; classes come back in first-color order
// with members sorted by id.
func (s *PhaseScheduler) colorLayer(layer []*types.Task) [][]string {
	graph := s.detector.BuildGraph(layer)

	var classes [][]string
	classMembers := make([]map[string]bool, 0)

	for _, t := range layer {
		placed := false
		for i, members := range classMembers {
			if !conflictsWithClass(graph, t.ID, members) {
				classes[i] = append(classes[i], t.ID)
				members[t.ID] = true
				placed = true
				break
			}
		}
		if !placed {
			classes = append(classes, []string{t.ID})
			classMembers = append(classMembers, map[string]bool{t.ID: true})
		}
	}

	return classes
}

func conflictsWithClass(graph conflict.Graph, id string, members map[string]bool) bool {
	for member := range members {
		if graph[id][member] {
			return true
		}
	}
	return false
}

func readyIDs(indegree map[string]int, into []string) []string {
	for id, deg := range indegree {
		if deg == 0 {
			into = append(into, id)
		}
	}
	return into
}

// offendingEdges collects the edges among the tasks left with unsatisfied
// dependencies, which is exactly the cycle (plus anything downstream of it)
func offendingEdges(stuck map[string]int, edges []types.DependencyEdge) []types.DependencyEdge {
	var out []types.DependencyEdge
	for _, e := range edges {
		_, fromStuck := stuck[e.From]
		_, toStuck := stuck[e.To]
		if fromStuck && toStuck {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
