package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResourcesCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resources.yaml")
	yaml := `
resources:
  - name: cluster
    type: noop
    max_cores: 64
    max_cores_per_job: 8
    max_memory_per_core: 4GiB
    max_walltime: 24h
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"resources", "--resources", path, "--check"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("output = %q, want header and one resource", out.String())
	}
	for _, want := range []string{"cluster", "noop", "64", "8", "4.0 GiB", "24h0m0s"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
}

func TestResourcesCommandDefault(t *testing.T) {
	t.Setenv("TASKGRID_RESOURCES_FILE", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"resources"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "localhost") {
		t.Errorf("output = %q, want the default resource", out.String())
	}
}

func TestResourcesCommandInvalidFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"resources", "--resources", filepath.Join(t.TempDir(), "missing.yaml")})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error for a missing resources file")
	}
}
