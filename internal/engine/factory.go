package engine

import (
	"fmt"
	"path/filepath"

	"github.com/5hdaniel/Mad-sub019/pkg/audit"
	"github.com/5hdaniel/Mad-sub019/pkg/budget"
	"github.com/5hdaniel/Mad-sub019/pkg/config"
	"github.com/5hdaniel/Mad-sub019/pkg/conflict"
	"github.com/5hdaniel/Mad-sub019/pkg/interfaces"
	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/merge"
	"github.com/5hdaniel/Mad-sub019/pkg/notifier"
	"github.com/5hdaniel/Mad-sub019/pkg/registry"
	"github.com/5hdaniel/Mad-sub019/pkg/scheduler"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
	"github.com/5hdaniel/Mad-sub019/pkg/workspace"
)

// Runtime bundles the coordinator with the resources it owns, so the
// caller can tear everything down in one place
type Runtime struct {
	Coordinator *Coordinator
	Registry    *registry.Registry
	Detector    *conflict.Detector
	AuditLog    *audit.Log
	Baseline    *workspace.Baseline
}

// Close flushes and closes the owned resources
func (r *Runtime) Close() error {
	if err := r.Coordinator.Stop(); err != nil {
		r.AuditLog.Close()
		return err
	}
	return r.AuditLog.Close()
}

// NewRuntime assembles the full coordination stack from configuration.
// stateDir is the project-local root for persistent state (tasks, audit
// log, environments); the executor is the external execution
// collaborator.
func NewRuntime(cfg *config.CoordinationConfig, stateDir string, executor interfaces.Executor, log logger.Logger) (*Runtime, error) {
	auditLog, err := audit.Open(filepath.Join(stateDir, "audit.log"), log)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(stateDir, auditLog, log)
	if err != nil {
		auditLog.Close()
		return nil, err
	}

	baselineDir := cfg.BaselineDir
	if baselineDir == "" {
		baselineDir = filepath.Join(stateDir, "baseline")
	}
	baseline, err := workspace.OpenBaseline(baselineDir)
	if err != nil {
		auditLog.Close()
		return nil, err
	}

	workspaces, err := workspace.NewManager(baseline, stateDir, auditLog, log)
	if err != nil {
		auditLog.Close()
		return nil, err
	}

	detector := conflict.NewDetector(auditLog, log)
	for _, o := range cfg.Overrides {
		if err := detector.AllowOverlap(o.TaskA, o.TaskB, o.Resource, o.Reason); err != nil {
			auditLog.Close()
			return nil, fmt.Errorf("invalid overlap override: %w", err)
		}
	}

	notifyEnabled := cfg.Notifications != nil && (cfg.Notifications.Enabled == nil || *cfg.Notifications.Enabled)
	notify := notifier.New(notifier.Config{Enabled: notifyEnabled}, log)

	tracker := budget.NewTracker(reg, auditLog, notify, log)
	merger := merge.NewCoordinator(baseline, reg, auditLog, notify, log)
	phaseScheduler := scheduler.NewPhaseScheduler(detector, log)

	// Ingest tasks that a previous run has not already persisted
	for _, task := range cfg.TaskRecords() {
		if _, err := reg.Get(task.ID); err == nil {
			continue
		}
		if err := reg.Register(task); err != nil {
			auditLog.Close()
			return nil, err
		}
	}
	reg.SetEdges(cfg.Edges)

	deps := interfaces.Dependencies{
		Registry:   reg,
		Detector:   detector,
		Scheduler:  phaseScheduler,
		Workspaces: workspaces,
		Budget:     tracker,
		Merger:     merger,
		Notifier:   notify,
		Executor:   executor,
	}

	// Environments that survived a restart behind a deferred merge are
	// re-staged so approval still works
	for _, task := range reg.ByStatus(types.TaskStatusAwaitingReview) {
		if env, ok := workspaces.Active(task.ID); ok {
			merger.Stage(task.ID, env)
		}
	}

	coordinator := NewCoordinator(Options{Parallelism: cfg.Parallelism, EarlyAcquire: true}, deps, baseline, auditLog, log)

	return &Runtime{
		Coordinator: coordinator,
		Registry:    reg,
		Detector:    detector,
		AuditLog:    auditLog,
		Baseline:    baseline,
	}, nil
}
