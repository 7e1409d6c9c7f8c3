package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/taskgrid/internal/model"
)

const sampleResources = `
resources:
  - name: local
    type: noop
    max_cores: 8
    max_cores_per_job: 2
    max_memory_per_core: 2GiB
    max_walltime: 8h
    architecture: x86_64
    params:
      exit_code: "0"
  - name: spare
    type: noop
    enabled: false
    max_cores: 4
`

func TestParseResources(t *testing.T) {
	descs, err := ParseResources(strings.NewReader(sampleResources))
	if err != nil {
		t.Fatalf("ParseResources: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descs))
	}

	local := descs[0]
	if local.Name != "local" || local.Type != "noop" || !local.Enabled {
		t.Errorf("local = %+v", local)
	}
	if local.MaxCores != 8 || local.MaxCoresPerJob != 2 {
		t.Errorf("cores = %d/%d, want 8/2", local.MaxCores, local.MaxCoresPerJob)
	}
	if local.MaxMemoryPerCore != 2<<30 {
		t.Errorf("MaxMemoryPerCore = %d, want %d", local.MaxMemoryPerCore, uint64(2<<30))
	}
	if local.MaxWalltime != 8*time.Hour {
		t.Errorf("MaxWalltime = %v, want 8h", local.MaxWalltime)
	}
	if local.Architecture != "x86_64" || local.Params["exit_code"] != "0" {
		t.Errorf("local = %+v", local)
	}

	if descs[1].Enabled {
		t.Error("spare resource enabled, want disabled")
	}
}

func TestParseResourcesErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"no resources", "resources: []\n"},
		{"missing name", "resources:\n  - type: noop\n    max_cores: 1\n"},
		{"missing type", "resources:\n  - name: a\n    max_cores: 1\n"},
		{"duplicate name", "resources:\n  - {name: a, type: noop}\n  - {name: a, type: noop}\n"},
		{"negative cores", "resources:\n  - {name: a, type: noop, max_cores: -1}\n"},
		{"bad memory", "resources:\n  - {name: a, type: noop, max_memory_per_core: lots}\n"},
		{"bad walltime", "resources:\n  - {name: a, type: noop, max_walltime: forever}\n"},
		{"unknown field", "resources:\n  - {name: a, type: noop, colour: red}\n"},
		{"malformed", "resources: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResources(strings.NewReader(tt.yaml))
			if !errors.Is(err, model.ErrConfiguration) {
				t.Errorf("err = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestLoadResources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resources.yaml")
	if err := os.WriteFile(path, []byte(sampleResources), 0o644); err != nil {
		t.Fatal(err)
	}

	descs, err := LoadResources(path)
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}
	if len(descs) != 2 {
		t.Errorf("got %d descriptors, want 2", len(descs))
	}

	_, err = LoadResources(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("missing file: err = %v, want ErrConfiguration", err)
	}
}

func TestDefaultResources(t *testing.T) {
	descs := DefaultResources()
	if len(descs) != 1 || !descs[0].Enabled || descs[0].MaxCores <= 0 {
		t.Errorf("DefaultResources() = %+v", descs)
	}
}
