package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/5hdaniel/Mad-sub019/pkg/config"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeConfig(t, "marshal.config.json", `{
		"version": "1.0",
		"project": "demo",
		"tasks": [
			{
				"id": "auth",
				"title": "Auth endpoints",
				"touchSet": ["src/auth.go", "src/auth.go"],
				"estimate": {"low": 10, "high": 20},
				"cap": 40
			}
		]
	}`)

	m := config.NewManager()
	cfg, err := m.LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Project != "demo" {
		t.Errorf("expected project demo, got %q", cfg.Project)
	}
	if cfg.Parallelism != 4 {
		t.Errorf("expected default parallelism 4, got %d", cfg.Parallelism)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].ID != "auth" {
		t.Fatalf("unexpected tasks: %+v", cfg.Tasks)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeConfig(t, "marshal.config.yaml", `
version: "1.0"
project: demo
parallelism: 2
tasks:
  - id: auth
    title: Auth endpoints
    touchSet:
      - src/auth.go
    estimate:
      low: 10
      high: 20
  - id: billing
    title: Billing
    touchSet:
      - src/billing.go
    estimate:
      low: 5
      high: 15
edges:
  - from: auth
    to: billing
`)

	m := config.NewManager()
	cfg, err := m.LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Parallelism != 2 {
		t.Errorf("expected parallelism 2, got %d", cfg.Parallelism)
	}
	if len(cfg.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(cfg.Tasks))
	}
	// Edge kind defaults to hard-blocks
	if cfg.Edges[0].Kind != types.EdgeKindHardBlocks {
		t.Errorf("expected default edge kind hard-blocks, got %s", cfg.Edges[0].Kind)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	m := config.NewManager()

	if _, err := m.LoadConfig(writeConfig(t, "garbage.json", "{{not parseable")); err == nil {
		t.Error("expected error for unparseable config")
	}
	if _, err := m.LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	m := config.NewManager()

	base := func() *config.CoordinationConfig {
		return &config.CoordinationConfig{
			Version: "1.0",
			Tasks: []config.TaskSpec{
				{ID: "a", Title: "A", TouchSet: []string{"f1"}, Estimate: types.Estimate{Low: 10, High: 20}},
				{ID: "b", Title: "B", TouchSet: []string{"f2"}, Estimate: types.Estimate{Low: 5, High: 10}},
			},
		}
	}

	if err := m.ValidateConfig(base()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	bad := base()
	bad.Version = "2.0"
	if err := m.ValidateConfig(bad); err == nil {
		t.Error("expected error for unsupported version")
	}

	bad = base()
	bad.Tasks = nil
	if err := m.ValidateConfig(bad); err == nil {
		t.Error("expected error for empty task list")
	}

	bad = base()
	bad.Tasks[1].ID = "a"
	if err := m.ValidateConfig(bad); err == nil {
		t.Error("expected error for duplicate task id")
	}

	bad = base()
	bad.Tasks[0].Estimate = types.Estimate{Low: 20, High: 10}
	if err := m.ValidateConfig(bad); err == nil {
		t.Error("expected error for inverted estimate")
	}

	bad = base()
	bad.Tasks[0].Cap = 5
	if err := m.ValidateConfig(bad); err == nil {
		t.Error("expected error for cap below high estimate")
	}

	bad = base()
	bad.Edges = []types.DependencyEdge{{From: "a", To: "ghost", Kind: types.EdgeKindHardBlocks}}
	if err := m.ValidateConfig(bad); err == nil {
		t.Error("expected error for edge to unknown task")
	}

	bad = base()
	bad.Edges = []types.DependencyEdge{{From: "a", To: "b", Kind: "sometimes"}}
	if err := m.ValidateConfig(bad); err == nil {
		t.Error("expected error for unknown edge kind")
	}

	bad = base()
	bad.Overrides = []types.OverlapOverride{{TaskA: "a", TaskB: "b", Resource: "f1"}}
	if err := m.ValidateConfig(bad); err == nil {
		t.Error("expected error for override without reason")
	}
}

func TestTaskRecords(t *testing.T) {
	cfg := &config.CoordinationConfig{
		Version: "1.0",
		Tasks: []config.TaskSpec{
			{
				ID:       "a",
				Title:    "A",
				TouchSet: []string{"f2", "f1", "f1"},
				Estimate: types.Estimate{Low: 10, High: 20},
				Cap:      40,
			},
		},
	}

	records := cfg.TaskRecords()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Status != types.TaskStatusPending {
		t.Errorf("expected pending status, got %s", records[0].Status)
	}
	if !reflect.DeepEqual(records[0].TouchSet, types.TouchSet{"f1", "f2"}) {
		t.Errorf("expected normalized touch set, got %v", records[0].TouchSet)
	}
}

func TestDefaultConfig(t *testing.T) {
	m := config.NewManager()
	cfg := config.DefaultConfig("demo")

	if err := m.ValidateConfig(cfg); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
	if cfg.Project != "demo" {
		t.Errorf("expected project demo, got %q", cfg.Project)
	}
}
