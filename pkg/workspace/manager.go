package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/5hdaniel/Mad-sub019/pkg/audit"
	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// Manager allocates one isolated environment per concurrently running
// task and reclaims it afterward. Acquisition never mutates the baseline.
type Manager struct {
	baseline *Baseline
	envRoot  string
	active   map[string]*ExecutionEnvironment
	auditLog *audit.Log
	logger   logger.Logger
	mu       sync.Mutex
}

// NewManager creates a workspace manager storing environments under
// stateDir
func NewManager(baseline *Baseline, stateDir string, auditLog *audit.Log, log logger.Logger) (*Manager, error) {
	envRoot := filepath.Join(stateDir, "envs")
	if err := os.MkdirAll(envRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create environment root: %w", err)
	}
	m := &Manager{
		baseline: baseline,
		envRoot:  envRoot,
		active:   make(map[string]*ExecutionEnvironment),
		auditLog: auditLog,
		logger:   log,
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// restore rebinds environments that survived a process restart from
// their metadata files
func (m *Manager) restore() error {
	entries, err := os.ReadDir(m.envRoot)
	if err != nil {
		return fmt.Errorf("failed to read environment root: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.envRoot, entry.Name()))
		if err != nil {
			continue
		}
		var meta envMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}

		dir := filepath.Join(m.envRoot, meta.ID)
		if _, err := os.Stat(dir); err != nil {
			os.Remove(filepath.Join(m.envRoot, entry.Name()))
			continue
		}

		env := &ExecutionEnvironment{
			ID:              meta.ID,
			TaskID:          meta.TaskID,
			Dir:             dir,
			BaselineVersion: meta.BaselineVersion,
			logger:          m.logger,
		}
		for _, r := range meta.Touched {
			env.RecordTouch(r)
		}
		if err := env.startWatching(); err != nil {
			continue
		}
		m.active[meta.TaskID] = env

		if m.logger != nil {
			m.logger.Debug("Environment rebound after restart",
				logger.WithField("task", meta.TaskID),
				logger.WithField("env", meta.ID))
		}
	}

	return nil
}

// Persist writes an environment's metadata so it survives a restart
func (m *Manager) Persist(env *ExecutionEnvironment) error {
	data, err := json.MarshalIndent(env.meta(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal environment metadata: %w", err)
	}
	path := filepath.Join(m.envRoot, env.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write environment metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename environment metadata: %w", err)
	}
	return nil
}

// Acquire snapshots the baseline into a fresh environment for the task.
// expectedVersion is the baseline version the caller planned against; a
// negative value accepts whatever is current. When the baseline has
// advanced past the expectation the acquisition is retried once against
// the refreshed baseline before ErrBaselineDrift surfaces.
func (m *Manager) Acquire(ctx context.Context, task *types.Task, expectedVersion int64) (*ExecutionEnvironment, error) {
	m.mu.Lock()
	if held, ok := m.active[task.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("task %s already bound to environment %s: %w", task.ID, held.ID, types.ErrEnvironmentHeld)
	}
	m.mu.Unlock()

	env, err := m.acquireOnce(ctx, task, expectedVersion)
	if err == nil {
		return env, nil
	}
	if !errors.Is(err, types.ErrBaselineDrift) {
		return nil, err
	}

	// One retry against the refreshed baseline
	if m.logger != nil {
		m.logger.Warn("Baseline drift on acquire, retrying against refreshed baseline",
			logger.WithField("task", task.ID))
	}
	env, retryErr := m.acquireOnce(ctx, task, m.baseline.Version())
	if retryErr == nil {
		return env, nil
	}
	if !errors.Is(retryErr, types.ErrBaselineDrift) {
		return nil, retryErr
	}
	return nil, fmt.Errorf("task %s: baseline advanced from version %d underneath the snapshot: %w",
		task.ID, expectedVersion, types.ErrBaselineDrift)
}

func (m *Manager) acquireOnce(ctx context.Context, task *types.Task, expectedVersion int64) (*ExecutionEnvironment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if expectedVersion >= 0 && m.baseline.Version() != expectedVersion {
		return nil, types.ErrBaselineDrift
	}

	env := &ExecutionEnvironment{
		ID:     uuid.New().String(),
		TaskID: task.ID,
		logger: m.logger,
	}
	env.Dir = filepath.Join(m.envRoot, env.ID)

	version, err := m.baseline.SnapshotTo(env.Dir)
	if err != nil {
		os.RemoveAll(env.Dir)
		return nil, err
	}
	env.BaselineVersion = version

	// The snapshot itself is consistent, but the expectation may have
	// been invalidated while copying was queued behind a merge.
	if expectedVersion >= 0 && version != expectedVersion {
		os.RemoveAll(env.Dir)
		return nil, types.ErrBaselineDrift
	}

	if err := env.startWatching(); err != nil {
		os.RemoveAll(env.Dir)
		return nil, fmt.Errorf("failed to start environment watcher: %w", err)
	}

	m.mu.Lock()
	m.active[task.ID] = env
	m.mu.Unlock()

	if err := m.Persist(env); err != nil && m.logger != nil {
		m.logger.Warn("Failed to persist environment metadata",
			logger.WithField("env", env.ID),
			logger.WithField("error", err))
	}

	if m.auditLog != nil {
		_ = m.auditLog.Append(audit.EventEnvAcquired, task.ID, env.Dir, map[string]interface{}{
			"env":             env.ID,
			"baselineVersion": version,
		})
	}
	if m.logger != nil {
		m.logger.Debug("Environment acquired",
			logger.WithField("task", task.ID),
			logger.WithField("env", env.ID),
			logger.WithField("baselineVersion", version))
	}

	return env, nil
}

// Release reclaims an environment. Abandoned outcomes discard the
// directory and any partial change with zero effect on the baseline.
func (m *Manager) Release(env *ExecutionEnvironment, outcome types.ReleaseOutcome) error {
	env.stopWatching()

	m.mu.Lock()
	delete(m.active, env.TaskID)
	m.mu.Unlock()

	if err := os.RemoveAll(env.Dir); err != nil {
		return fmt.Errorf("failed to remove environment %s: %w", env.ID, err)
	}
	os.Remove(filepath.Join(m.envRoot, env.ID+".json"))

	if m.auditLog != nil {
		_ = m.auditLog.Append(audit.EventEnvReleased, env.TaskID, string(outcome), map[string]interface{}{
			"env": env.ID,
		})
	}
	if m.logger != nil {
		m.logger.Debug("Environment released",
			logger.WithField("task", env.TaskID),
			logger.WithField("env", env.ID),
			logger.WithField("outcome", string(outcome)))
	}

	return nil
}

// Active returns the environment currently bound to a task, if any
func (m *Manager) Active(taskID string) (*ExecutionEnvironment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.active[taskID]
	return env, ok
}

// ReleaseAll reclaims every live environment as abandoned, used during
// teardown
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	envs := make([]*ExecutionEnvironment, 0, len(m.active))
	for _, env := range m.active {
		envs = append(envs, env)
	}
	m.mu.Unlock()

	var firstErr error
	for _, env := range envs {
		if err := m.Release(env, types.ReleaseAbandoned); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
