package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/5hdaniel/Mad-sub019/internal/engine"
	"github.com/5hdaniel/Mad-sub019/pkg/audit"
	"github.com/5hdaniel/Mad-sub019/pkg/budget"
	"github.com/5hdaniel/Mad-sub019/pkg/conflict"
	"github.com/5hdaniel/Mad-sub019/pkg/interfaces"
	"github.com/5hdaniel/Mad-sub019/pkg/merge"
	"github.com/5hdaniel/Mad-sub019/pkg/mocks"
	"github.com/5hdaniel/Mad-sub019/pkg/registry"
	"github.com/5hdaniel/Mad-sub019/pkg/scheduler"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
	"github.com/5hdaniel/Mad-sub019/pkg/workspace"
)

type harness struct {
	coordinator *engine.Coordinator
	registry    *registry.Registry
	baseline    *workspace.Baseline
	workspaces  *workspace.Manager
	notifier    *mocks.MockNotifier
	auditPath   string
}

func newHarness(t *testing.T, executor interfaces.Executor) *harness {
	t.Helper()

	stateDir := t.TempDir()
	auditPath := filepath.Join(stateDir, "audit.log")

	auditLog, err := audit.Open(auditPath, nil)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	reg, err := registry.New(stateDir, auditLog, nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	baseline, err := workspace.OpenBaseline(filepath.Join(stateDir, "baseline"))
	if err != nil {
		t.Fatalf("failed to open baseline: %v", err)
	}
	workspaces, err := workspace.NewManager(baseline, stateDir, auditLog, nil)
	if err != nil {
		t.Fatalf("failed to create workspace manager: %v", err)
	}

	detector := conflict.NewDetector(auditLog, nil)
	notifier := &mocks.MockNotifier{}
	tracker := budget.NewTracker(reg, auditLog, notifier, nil)
	merger := merge.NewCoordinator(baseline, reg, auditLog, notifier, nil)

	deps := interfaces.Dependencies{
		Registry:   reg,
		Detector:   detector,
		Scheduler:  scheduler.NewPhaseScheduler(detector, nil),
		Workspaces: workspaces,
		Budget:     tracker,
		Merger:     merger,
		Notifier:   notifier,
		Executor:   executor,
	}

	return &harness{
		coordinator: engine.NewCoordinator(engine.Options{Parallelism: 2}, deps, baseline, auditLog, nil),
		registry:    reg,
		baseline:    baseline,
		workspaces:  workspaces,
		notifier:    notifier,
		auditPath:   auditPath,
	}
}

func (h *harness) register(t *testing.T, id string, resources ...string) {
	t.Helper()
	if err := h.registry.Register(&types.Task{
		ID:       id,
		Title:    "Task " + id,
		TouchSet: types.NewTouchSet(resources...),
		Estimate: types.Estimate{Low: 10, High: 20},
		Cap:      40,
	}); err != nil {
		t.Fatalf("failed to register %s: %v", id, err)
	}
}

func (h *harness) status(t *testing.T, id string) types.TaskStatus {
	t.Helper()
	task, err := h.registry.Get(id)
	if err != nil {
		t.Fatalf("failed to get task %s: %v", id, err)
	}
	return task.Status
}

// writingExecutor writes each declared resource into the environment and
// reports a small consumption increment
func writingExecutor() *mocks.MockExecutor {
	return &mocks.MockExecutor{
		Fn: func(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(int64) error) error {
			for _, resource := range task.TouchSet {
				path := filepath.Join(env.Dir, resource)
				if err := os.WriteFile(path, []byte("work by "+task.ID), 0644); err != nil {
					return err
				}
				env.RecordTouch(resource)
			}
			return report(5)
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCoordinator_RunMergesAllPhases(t *testing.T) {
	h := newHarness(t, writingExecutor())

	h.register(t, "a", "a.txt")
	h.register(t, "b", "b.txt")
	h.register(t, "c", "c.txt")
	h.registry.SetEdges([]types.DependencyEdge{
		{From: "a", To: "c", Kind: types.EdgeKindHardBlocks},
		{From: "b", To: "c", Kind: types.EdgeKindHardBlocks},
	})

	if err := h.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if got := h.status(t, id); got != types.TaskStatusMerged {
			t.Errorf("expected %s merged, got %s", id, got)
		}
	}

	// One version bump per merged task
	if got := h.baseline.Version(); got != 3 {
		t.Errorf("expected baseline version 3, got %d", got)
	}
	files, err := h.baseline.Files()
	if err != nil {
		t.Fatalf("failed to read baseline: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if string(files[id+".txt"]) != "work by "+id {
			t.Errorf("expected %s.txt on the baseline, got %q", id, files[id+".txt"])
		}
	}
	if len(h.notifier.PhasesComplete) == 0 {
		t.Error("expected phase completion notifications")
	}
}

func TestCoordinator_ConflictingTasksRunInSeparatePhases(t *testing.T) {
	executor := writingExecutor()
	h := newHarness(t, executor)

	// Both rewrite the same resource, so they must never share a phase
	h.register(t, "a", "shared.txt")
	h.register(t, "b", "shared.txt")

	phases, err := h.coordinator.Plan()
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}

	if err := h.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// The later task's snapshot includes the earlier task's merge
	files, _ := h.baseline.Files()
	if string(files["shared.txt"]) != "work by b" {
		t.Errorf("expected b's change to land last, got %q", files["shared.txt"])
	}
	if got := h.baseline.Version(); got != 2 {
		t.Errorf("expected baseline version 2, got %d", got)
	}
}

func TestCoordinator_CapBreachBlocksOnlyTheOffender(t *testing.T) {
	executor := &mocks.MockExecutor{
		Fn: func(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(int64) error) error {
			if task.ID == "greedy" {
				// One unit past the cap of 40
				return report(41)
			}
			if err := os.WriteFile(filepath.Join(env.Dir, task.TouchSet[0]), []byte("ok"), 0644); err != nil {
				return err
			}
			env.RecordTouch(task.TouchSet[0])
			return report(5)
		},
	}
	h := newHarness(t, executor)

	h.register(t, "greedy", "g.txt")
	h.register(t, "modest", "m.txt")

	if err := h.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := h.status(t, "greedy"); got != types.TaskStatusBlocked {
		t.Errorf("expected greedy blocked, got %s", got)
	}
	if got := h.status(t, "modest"); got != types.TaskStatusMerged {
		t.Errorf("expected modest merged, got %s", got)
	}

	// The breached task's partial work never reaches the baseline
	files, _ := h.baseline.Files()
	if _, ok := files["g.txt"]; ok {
		t.Error("breached task's work must not reach the baseline")
	}
	if _, held := h.workspaces.Active("greedy"); held {
		t.Error("expected the breached task's environment to be released")
	}

	pending := h.coordinator.Reviews().Pending()
	if len(pending) != 1 || pending[0].TaskID != "greedy" || pending[0].Kind != engine.InterventionCapBreach {
		t.Errorf("expected greedy suspended for cap breach, got %+v", pending)
	}
	if got := h.notifier.Breaches(); len(got) != 1 || got[0] != "greedy" {
		t.Errorf("expected one breach notification, got %v", got)
	}
}

func TestCoordinator_BlockedPredecessorHaltsHardDependents(t *testing.T) {
	executor := &mocks.MockExecutor{
		Fn: func(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(int64) error) error {
			if task.ID == "a" {
				// One unit past the cap of 40
				return report(41)
			}
			if err := os.WriteFile(filepath.Join(env.Dir, task.TouchSet[0]), []byte("work by "+task.ID), 0644); err != nil {
				return err
			}
			env.RecordTouch(task.TouchSet[0])
			return report(5)
		},
	}
	h := newHarness(t, executor)

	h.register(t, "a", "a.txt")
	h.register(t, "b", "b.txt")
	h.register(t, "c", "c.txt")
	h.registry.SetEdges([]types.DependencyEdge{
		{From: "a", To: "b", Kind: types.EdgeKindHardBlocks},
		{From: "a", To: "c", Kind: types.EdgeKindSoftPrefers},
	})

	if err := h.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := h.status(t, "a"); got != types.TaskStatusBlocked {
		t.Fatalf("expected a blocked, got %s", got)
	}

	// The hard dependent must never run, let alone merge, past its
	// unmerged predecessor
	if got := h.status(t, "b"); got != types.TaskStatusDeferred {
		t.Errorf("expected b deferred behind its blocked predecessor, got %s", got)
	}
	task, _ := h.registry.Get("b")
	if !strings.Contains(task.Reason, "predecessor a") {
		t.Errorf("expected defer reason to name the predecessor, got %q", task.Reason)
	}
	if h.baseline.Version() != 1 {
		t.Errorf("expected only the soft dependent merged, got version %d", h.baseline.Version())
	}
	files, _ := h.baseline.Files()
	if _, ok := files["b.txt"]; ok {
		t.Error("hard dependent's work must not reach the baseline")
	}

	// A soft edge orders scheduling but never gates integration
	if got := h.status(t, "c"); got != types.TaskStatusMerged {
		t.Errorf("expected c merged despite its soft predecessor, got %s", got)
	}
}

func TestCoordinator_ExecutionFailureDefersOnlyTheOffender(t *testing.T) {
	executor := &mocks.MockExecutor{
		Fn: func(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(int64) error) error {
			if task.ID == "broken" {
				return fmt.Errorf("worker crashed")
			}
			if err := os.WriteFile(filepath.Join(env.Dir, task.TouchSet[0]), []byte("ok"), 0644); err != nil {
				return err
			}
			env.RecordTouch(task.TouchSet[0])
			return report(5)
		},
	}
	h := newHarness(t, executor)

	h.register(t, "broken", "x.txt")
	h.register(t, "solid", "y.txt")

	if err := h.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := h.status(t, "broken"); got != types.TaskStatusDeferred {
		t.Errorf("expected broken deferred, got %s", got)
	}
	task, _ := h.registry.Get("broken")
	if task.Reason == "" {
		t.Error("expected a human-readable defer reason")
	}
	if got := h.status(t, "solid"); got != types.TaskStatusMerged {
		t.Errorf("expected solid merged, got %s", got)
	}
}

func TestCoordinator_ScopeMismatchAwaitsOperator(t *testing.T) {
	executor := &mocks.MockExecutor{
		Fn: func(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(int64) error) error {
			// Declared f1, actually writes f9
			if err := os.WriteFile(filepath.Join(env.Dir, "f9"), []byte("widened"), 0644); err != nil {
				return err
			}
			env.RecordTouch("f9")
			return report(5)
		},
	}
	h := newHarness(t, executor)
	h.register(t, "a", "f1")

	if err := h.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := h.status(t, "a"); got != types.TaskStatusAwaitingReview {
		t.Errorf("expected a awaiting review, got %s", got)
	}
	if h.baseline.Version() != 0 {
		t.Errorf("deferred merge must not advance the baseline, got %d", h.baseline.Version())
	}

	pending := h.coordinator.Reviews().Pending()
	if len(pending) != 1 || pending[0].Kind != engine.InterventionScopeMismatch {
		t.Fatalf("expected a suspended for scope mismatch, got %+v", pending)
	}
	if got := h.notifier.Mismatches(); len(got) != 1 || got[0] != "a" {
		t.Errorf("expected one mismatch notification, got %v", got)
	}
}

func TestCoordinator_ApproveDecisionMergesDeferredTask(t *testing.T) {
	executor := &mocks.MockExecutor{
		Fn: func(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(int64) error) error {
			if err := os.WriteFile(filepath.Join(env.Dir, "f9"), []byte("approved"), 0644); err != nil {
				return err
			}
			env.RecordTouch("f9")
			return report(5)
		},
	}
	h := newHarness(t, executor)
	h.register(t, "a", "f1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.coordinator.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.coordinator.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if err := h.coordinator.Reviews().Decide(engine.Decision{
		TaskID: "a",
		Action: engine.DecisionApprove,
	}); err != nil {
		t.Fatalf("failed to decide: %v", err)
	}

	waitFor(t, "approved task to merge", func() bool {
		return h.status(t, "a") == types.TaskStatusMerged
	})

	files, _ := h.baseline.Files()
	if string(files["f9"]) != "approved" {
		t.Errorf("expected approved change on the baseline, got %q", files["f9"])
	}

	// The merged task's environment is released, not parked until Stop
	waitFor(t, "approved task's environment to release", func() bool {
		_, held := h.workspaces.Active("a")
		return !held
	})
}

func TestCoordinator_RejectDecisionReturnsTaskToPending(t *testing.T) {
	executor := &mocks.MockExecutor{
		Fn: func(ctx context.Context, task *types.Task, env *workspace.ExecutionEnvironment, report func(int64) error) error {
			if err := os.WriteFile(filepath.Join(env.Dir, "f9"), []byte("rejected"), 0644); err != nil {
				return err
			}
			env.RecordTouch("f9")
			return report(5)
		},
	}
	h := newHarness(t, executor)
	h.register(t, "a", "f1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.coordinator.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.coordinator.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if err := h.coordinator.Reviews().Decide(engine.Decision{
		TaskID: "a",
		Action: engine.DecisionReject,
		Note:   "declare the real scope first",
	}); err != nil {
		t.Fatalf("failed to decide: %v", err)
	}

	waitFor(t, "rejected task back in pending", func() bool {
		return h.status(t, "a") == types.TaskStatusPending
	})

	task, _ := h.registry.Get("a")
	if task.Revision != 1 {
		t.Errorf("expected revision 1 after rejection, got %d", task.Revision)
	}
	if h.baseline.Version() != 0 {
		t.Errorf("rejected work must not reach the baseline, got version %d", h.baseline.Version())
	}
}

func TestCoordinator_PlanFailsOnCycle(t *testing.T) {
	h := newHarness(t, writingExecutor())

	h.register(t, "a", "f1")
	h.register(t, "b", "f2")
	h.registry.SetEdges([]types.DependencyEdge{
		{From: "a", To: "b", Kind: types.EdgeKindHardBlocks},
		{From: "b", To: "a", Kind: types.EdgeKindHardBlocks},
	})

	_, err := h.coordinator.Plan()
	if !errors.Is(err, types.ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}
}

func TestCoordinator_RecoversFromCheckpoint(t *testing.T) {
	h := newHarness(t, writingExecutor())
	h.register(t, "a", "a.txt")
	h.register(t, "b", "b.txt")

	if err := h.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := h.coordinator.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// A second stack over the same audit log stands in for a restarted
	// process with empty in-memory state
	reopenedLog, err := audit.Open(h.auditPath, nil)
	if err != nil {
		t.Fatalf("failed to reopen audit log: %v", err)
	}
	defer reopenedLog.Close()

	reg, err := registry.New(t.TempDir(), reopenedLog, nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	baseline, err := workspace.OpenBaseline(filepath.Join(t.TempDir(), "baseline"))
	if err != nil {
		t.Fatalf("failed to open baseline: %v", err)
	}
	workspaces, err := workspace.NewManager(baseline, t.TempDir(), reopenedLog, nil)
	if err != nil {
		t.Fatalf("failed to create workspace manager: %v", err)
	}
	detector := conflict.NewDetector(reopenedLog, nil)
	deps := interfaces.Dependencies{
		Registry:   reg,
		Detector:   detector,
		Scheduler:  scheduler.NewPhaseScheduler(detector, nil),
		Workspaces: workspaces,
		Budget:     budget.NewTracker(reg, reopenedLog, nil, nil),
		Merger:     merge.NewCoordinator(baseline, reg, reopenedLog, nil, nil),
		Executor:   writingExecutor(),
	}
	recovered := engine.NewCoordinator(engine.Options{Parallelism: 2}, deps, baseline, reopenedLog, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := recovered.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Task state and baseline version come back from the checkpoint
	task, err := reg.Get("a")
	if err != nil {
		t.Fatalf("expected task a restored, got %v", err)
	}
	if task.Status != types.TaskStatusMerged {
		t.Errorf("expected restored status merged, got %s", task.Status)
	}
	if baseline.Version() != 2 {
		t.Errorf("expected restored baseline version 2, got %d", baseline.Version())
	}
	if len(recovered.Phases()) == 0 {
		t.Error("expected phases restored from the checkpoint")
	}
}

// Worker capability mocks

type mockImplementer struct {
	id     string
	writes map[string]string
}

func (m *mockImplementer) WorkerID() string { return m.id }
func (m *mockImplementer) Implement(ctx context.Context, task *types.Task, envDir string, touch func(string), report func(int64) error) error {
	for rel, content := range m.writes {
		if err := os.WriteFile(filepath.Join(envDir, rel), []byte(content), 0644); err != nil {
			return err
		}
		touch(rel)
	}
	return report(5)
}

type mockReviewer struct {
	id      string
	approve bool
}

func (m *mockReviewer) WorkerID() string { return m.id }
func (m *mockReviewer) Review(ctx context.Context, task *types.Task, record *types.BudgetRecord, queuePosition int) (bool, string, error) {
	return m.approve, "mock verdict", nil
}

func TestCoordinator_ImplementerWorkerFlow(t *testing.T) {
	implementer := &mockImplementer{id: "w1", writes: map[string]string{"f1": "implemented"}}
	h := newHarness(t, &engine.ImplementerExecutor{Implementer: implementer})
	h.register(t, "a", "f1")

	if err := h.coordinator.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := h.status(t, "a"); got != types.TaskStatusMerged {
		t.Errorf("expected a merged, got %s", got)
	}
	files, _ := h.baseline.Files()
	if string(files["f1"]) != "implemented" {
		t.Errorf("expected implementer's change on the baseline, got %q", files["f1"])
	}
}

func TestCoordinator_ReviewWithApprovesScopeMismatch(t *testing.T) {
	// Declared f1, actually writes f9: deferred for review
	implementer := &mockImplementer{id: "w1", writes: map[string]string{"f9": "widened"}}
	h := newHarness(t, &engine.ImplementerExecutor{Implementer: implementer})
	h.register(t, "a", "f1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.coordinator.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.coordinator.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := h.status(t, "a"); got != types.TaskStatusAwaitingReview {
		t.Fatalf("expected a awaiting review, got %s", got)
	}

	if err := h.coordinator.ReviewWith(ctx, &mockReviewer{id: "r1", approve: true}); err != nil {
		t.Fatalf("review failed: %v", err)
	}

	waitFor(t, "approved task to merge", func() bool {
		return h.status(t, "a") == types.TaskStatusMerged
	})
}

func TestReviewQueue_Decide(t *testing.T) {
	q := engine.NewReviewQueue()

	q.Suspend("a", engine.InterventionCapBreach, "over the cap")
	if pending := q.Pending(); len(pending) != 1 || pending[0].TaskID != "a" {
		t.Fatalf("expected a pending, got %+v", pending)
	}

	if err := q.Decide(engine.Decision{TaskID: "a", Action: engine.DecisionResume}); err != nil {
		t.Fatalf("failed to decide: %v", err)
	}
	if len(q.Pending()) != 0 {
		t.Error("expected decision to clear the pending entry")
	}

	select {
	case d := <-q.Decisions():
		if d.TaskID != "a" || d.Action != engine.DecisionResume {
			t.Errorf("unexpected decision: %+v", d)
		}
	default:
		t.Error("expected decision on the channel")
	}

	if err := q.Decide(engine.Decision{TaskID: "ghost", Action: engine.DecisionResume}); err == nil {
		t.Error("expected error deciding an unknown task")
	}
}

func TestReviewQueue_PendingOrderedByTaskID(t *testing.T) {
	q := engine.NewReviewQueue()
	q.Suspend("c", engine.InterventionCapBreach, "over the cap")
	q.Suspend("a", engine.InterventionScopeMismatch, "undeclared touch")
	q.Suspend("b", engine.InterventionCapBreach, "over the cap")

	pending := q.Pending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if pending[i].TaskID != want {
			t.Errorf("expected %s at position %d, got %s", want, i, pending[i].TaskID)
		}
	}
}
