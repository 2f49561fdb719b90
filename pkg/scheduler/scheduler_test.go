package scheduler_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/5hdaniel/Mad-sub019/pkg/conflict"
	"github.com/5hdaniel/Mad-sub019/pkg/scheduler"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

func task(id string, resources ...string) *types.Task {
	return &types.Task{
		ID:       id,
		Status:   types.TaskStatusPending,
		TouchSet: types.NewTouchSet(resources...),
	}
}

func hard(from, to string) types.DependencyEdge {
	return types.DependencyEdge{From: from, To: to, Kind: types.EdgeKindHardBlocks}
}

func newScheduler() *scheduler.PhaseScheduler {
	return scheduler.NewPhaseScheduler(conflict.NewDetector(nil, nil), nil)
}

func phaseTasks(phases []types.Phase) [][]string {
	out := make([][]string, len(phases))
	for i, p := range phases {
		out[i] = p.Tasks
	}
	return out
}

func TestComputePhases_IndependentTasksShareAPhase(t *testing.T) {
	s := newScheduler()

	tasks := []*types.Task{
		task("a", "f1"),
		task("b", "f2"),
		task("c", "f3"),
	}
	edges := []types.DependencyEdge{hard("a", "c"), hard("b", "c")}

	phases, err := s.ComputePhases(tasks, edges)
	if err != nil {
		t.Fatalf("failed to compute phases: %v", err)
	}

	want := [][]string{{"a", "b"}, {"c"}}
	if !reflect.DeepEqual(phaseTasks(phases), want) {
		t.Errorf("expected phases %v, got %v", want, phaseTasks(phases))
	}
}

func TestComputePhases_ConflictSplitsALayer(t *testing.T) {
	s := newScheduler()

	// No dependency between a and b, but both touch f1
	tasks := []*types.Task{
		task("a", "f1"),
		task("b", "f1"),
	}

	phases, err := s.ComputePhases(tasks, nil)
	if err != nil {
		t.Fatalf("failed to compute phases: %v", err)
	}

	// Tie broken by ascending task id: a lands in the earlier phase
	want := [][]string{{"a"}, {"b"}}
	if !reflect.DeepEqual(phaseTasks(phases), want) {
		t.Errorf("expected phases %v, got %v", want, phaseTasks(phases))
	}
}

func TestComputePhases_Deterministic(t *testing.T) {
	s := newScheduler()

	build := func() ([]*types.Task, []types.DependencyEdge) {
		tasks := []*types.Task{
			task("a", "f1", "f2"),
			task("b", "f2"),
			task("c", "f3"),
			task("d", "f1"),
			task("e", "f4"),
		}
		edges := []types.DependencyEdge{hard("a", "e"), hard("c", "d")}
		return tasks, edges
	}

	first, err := s.ComputePhases(build())
	if err != nil {
		t.Fatalf("failed to compute phases: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := s.ComputePhases(build())
		if err != nil {
			t.Fatalf("failed to compute phases: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("assignment is not deterministic: %v vs %v", first, again)
		}
	}
}

func TestComputePhases_EveryTaskAppearsExactlyOnce(t *testing.T) {
	s := newScheduler()

	tasks := []*types.Task{
		task("a", "f1"),
		task("b", "f1"),
		task("c", "f2"),
		task("d"),
		task("e", "f2", "f3"),
	}
	edges := []types.DependencyEdge{hard("a", "b"), hard("c", "e")}

	phases, err := s.ComputePhases(tasks, edges)
	if err != nil {
		t.Fatalf("failed to compute phases: %v", err)
	}

	seen := make(map[string]int)
	for _, p := range phases {
		for _, id := range p.Tasks {
			seen[id]++
		}
	}
	for _, task := range tasks {
		if seen[task.ID] != 1 {
			t.Errorf("task %s assigned %d times, expected exactly once", task.ID, seen[task.ID])
		}
	}
}

func TestComputePhases_EmptyTouchSetJoinsEarliestPhase(t *testing.T) {
	s := newScheduler()

	tasks := []*types.Task{
		task("a", "f1"),
		task("b", "f1"),
		task("c"), // touches nothing
	}

	phases, err := s.ComputePhases(tasks, nil)
	if err != nil {
		t.Fatalf("failed to compute phases: %v", err)
	}

	want := [][]string{{"a", "c"}, {"b"}}
	if !reflect.DeepEqual(phaseTasks(phases), want) {
		t.Errorf("expected phases %v, got %v", want, phaseTasks(phases))
	}
}

func TestComputePhases_CycleIsFatal(t *testing.T) {
	s := newScheduler()

	tasks := []*types.Task{
		task("a", "f1"),
		task("b", "f2"),
		task("c", "f3"),
	}
	edges := []types.DependencyEdge{hard("a", "b"), hard("b", "c"), hard("c", "a")}

	_, err := s.ComputePhases(tasks, edges)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !errors.Is(err, types.ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}

	var cycleErr *scheduler.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(cycleErr.Edges) != 3 {
		t.Errorf("expected 3 offending edges, got %v", cycleErr.Edges)
	}
}

func TestComputePhases_MergedDependencyIsSatisfied(t *testing.T) {
	s := newScheduler()

	done := task("a", "f1")
	done.Status = types.TaskStatusMerged

	tasks := []*types.Task{done, task("b", "f2")}
	edges := []types.DependencyEdge{hard("a", "b")}

	phases, err := s.ComputePhases(tasks, edges)
	if err != nil {
		t.Fatalf("failed to compute phases: %v", err)
	}

	// The merged task gets no phase and no longer gates b
	want := [][]string{{"b"}}
	if !reflect.DeepEqual(phaseTasks(phases), want) {
		t.Errorf("expected phases %v, got %v", want, phaseTasks(phases))
	}
}

func TestComputePhases_UnknownEdgeEndpoint(t *testing.T) {
	s := newScheduler()

	tasks := []*types.Task{task("a", "f1")}
	edges := []types.DependencyEdge{hard("a", "ghost")}

	_, err := s.ComputePhases(tasks, edges)
	if !errors.Is(err, types.ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestComputePhases_DuplicateTaskID(t *testing.T) {
	s := newScheduler()

	_, err := s.ComputePhases([]*types.Task{task("a", "f1"), task("a", "f2")}, nil)
	if err == nil {
		t.Error("expected error for duplicate task id")
	}
}

func TestComputePhases_OverrideAllowsCoLocation(t *testing.T) {
	d := conflict.NewDetector(nil, nil)
	if err := d.AllowOverlap("a", "b", "f1", "disjoint regions"); err != nil {
		t.Fatalf("failed to declare override: %v", err)
	}
	s := scheduler.NewPhaseScheduler(d, nil)

	phases, err := s.ComputePhases([]*types.Task{task("a", "f1"), task("b", "f1")}, nil)
	if err != nil {
		t.Fatalf("failed to compute phases: %v", err)
	}

	want := [][]string{{"a", "b"}}
	if !reflect.DeepEqual(phaseTasks(phases), want) {
		t.Errorf("expected overridden pair to share a phase, got %v", phaseTasks(phases))
	}
}
