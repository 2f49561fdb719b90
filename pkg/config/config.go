// Package config handles coordination configuration loading and validation
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// CoordinationConfig is the main configuration: the task descriptors,
// their dependency edges, declared-safe overlaps, and engine settings
type CoordinationConfig struct {
	Version       string                  `json:"version" yaml:"version"`
	Project       string                  `json:"project,omitempty" yaml:"project,omitempty"`
	Parallelism   int                     `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	BaselineDir   string                  `json:"baselineDir,omitempty" yaml:"baselineDir,omitempty"`
	Tasks         []TaskSpec              `json:"tasks" yaml:"tasks"`
	Edges         []types.DependencyEdge  `json:"edges,omitempty" yaml:"edges,omitempty"`
	Overrides     []types.OverlapOverride `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Notifications *NotificationConfig     `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Logging       *LoggingConfig          `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// TaskSpec is the authoring-side task descriptor. The spec body behind
// SpecRef is opaque to the engine.
type TaskSpec struct {
	ID       string         `json:"id" yaml:"id"`
	Title    string         `json:"title" yaml:"title"`
	Category string         `json:"category,omitempty" yaml:"category,omitempty"`
	SpecRef  string         `json:"specRef,omitempty" yaml:"specRef,omitempty"`
	TouchSet []string       `json:"touchSet" yaml:"touchSet"`
	Estimate types.Estimate `json:"estimate" yaml:"estimate"`
	Cap      int64          `json:"cap,omitempty" yaml:"cap,omitempty"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// LoadConfig loads configuration from a JSON or YAML file
func (m *Manager) LoadConfig(path string) (*CoordinationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg CoordinationConfig

	// Try JSON first
	if err := json.Unmarshal(data, &cfg); err == nil {
		return m.finish(&cfg)
	}

	// Fall back to YAML via a JSON bridge so both formats share tags
	var yamlData map[string]interface{}
	if err := yaml.Unmarshal(data, &yamlData); err == nil {
		jsonData, err := json.Marshal(yamlData)
		if err == nil {
			if err := json.Unmarshal(jsonData, &cfg); err == nil {
				return m.finish(&cfg)
			}
		}
	}

	return nil, fmt.Errorf("failed to parse config as JSON or YAML")
}

func (m *Manager) finish(cfg *CoordinationConfig) (*CoordinationConfig, error) {
	m.applyDefaults(cfg)
	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset engine settings
func (m *Manager) applyDefaults(cfg *CoordinationConfig) {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	for i := range cfg.Edges {
		if cfg.Edges[i].Kind == "" {
			cfg.Edges[i].Kind = types.EdgeKindHardBlocks
		}
	}
}

// ValidateConfig validates a coordination configuration
func (m *Manager) ValidateConfig(cfg *CoordinationConfig) error {
	if cfg.Version != "1.0" {
		return fmt.Errorf("unsupported config version: %s", cfg.Version)
	}
	if len(cfg.Tasks) == 0 {
		return fmt.Errorf("no tasks defined")
	}

	ids := make(map[string]bool, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d: missing id", i)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id: %s", t.ID)
		}
		ids[t.ID] = true

		if t.Estimate.High < t.Estimate.Low {
			return fmt.Errorf("task '%s': estimate high %d below low %d", t.ID, t.Estimate.High, t.Estimate.Low)
		}
		if t.Cap > 0 && t.Cap < t.Estimate.High {
			return fmt.Errorf("task '%s': cap %d below high estimate %d", t.ID, t.Cap, t.Estimate.High)
		}
	}

	for _, e := range cfg.Edges {
		if !ids[e.From] {
			return fmt.Errorf("edge %s: unknown task %q", e, e.From)
		}
		if !ids[e.To] {
			return fmt.Errorf("edge %s: unknown task %q", e, e.To)
		}
		if e.Kind != types.EdgeKindHardBlocks && e.Kind != types.EdgeKindSoftPrefers {
			return fmt.Errorf("edge %s: unknown kind %q", e, e.Kind)
		}
	}

	for _, o := range cfg.Overrides {
		if !ids[o.TaskA] || !ids[o.TaskB] {
			return fmt.Errorf("override on %s: unknown task pair %s/%s", o.Resource, o.TaskA, o.TaskB)
		}
		if o.Reason == "" {
			return fmt.Errorf("override on %s between %s and %s: missing reason", o.Resource, o.TaskA, o.TaskB)
		}
	}

	return nil
}

// TaskRecords converts the task specs into registry task records
func (cfg *CoordinationConfig) TaskRecords() []*types.Task {
	out := make([]*types.Task, 0, len(cfg.Tasks))
	for _, spec := range cfg.Tasks {
		out = append(out, &types.Task{
			ID:       spec.ID,
			Title:    spec.Title,
			Category: spec.Category,
			SpecRef:  spec.SpecRef,
			TouchSet: types.NewTouchSet(spec.TouchSet...),
			Estimate: spec.Estimate,
			Cap:      spec.Cap,
			Status:   types.TaskStatusPending,
		})
	}
	return out
}

// DefaultConfig returns a minimal scaffold configuration
func DefaultConfig(project string) *CoordinationConfig {
	return &CoordinationConfig{
		Version:     "1.0",
		Project:     project,
		Parallelism: 4,
		Tasks: []TaskSpec{
			{
				ID:       "example-task",
				Title:    "Example task",
				TouchSet: []string{"src/example.go"},
				Estimate: types.Estimate{Low: 10, High: 20},
			},
		},
	}
}
