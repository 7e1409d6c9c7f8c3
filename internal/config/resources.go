package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/model"
)

// resourceFile is the on-disk layout of a resources file:
//
//	resources:
//	  - name: local
//	    type: noop
//	    max_cores: 8
//	    max_memory_per_core: 2GiB
//	    max_walltime: 8h
type resourceFile struct {
	Resources []resourceEntry `yaml:"resources"`
}

type resourceEntry struct {
	Name             string            `yaml:"name"`
	Type             string            `yaml:"type"`
	Enabled          *bool             `yaml:"enabled"`
	Architecture     string            `yaml:"architecture"`
	MaxCores         int               `yaml:"max_cores"`
	MaxCoresPerJob   int               `yaml:"max_cores_per_job"`
	MaxMemoryPerCore string            `yaml:"max_memory_per_core"`
	MaxWalltime      string            `yaml:"max_walltime"`
	Params           map[string]string `yaml:"params"`
}

// DefaultResources describes the single local noop resource used when no
// resources file is configured.
func DefaultResources() []backend.Descriptor {
	return []backend.Descriptor{{
		Name:     "localhost",
		Type:     "noop",
		Enabled:  true,
		MaxCores: 4,
	}}
}

// LoadResources reads resource descriptors from the YAML file at path.
func LoadResources(path string) ([]backend.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read resources file: %v", model.ErrConfiguration, err)
	}
	descs, err := ParseResources(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return descs, nil
}

// ParseResources decodes resource descriptors from YAML. Resources are
// enabled unless they say otherwise; names must be unique.
func ParseResources(r io.Reader) ([]backend.Descriptor, error) {
	var f resourceFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: decode resources: %v", model.ErrConfiguration, err)
	}
	if len(f.Resources) == 0 {
		return nil, fmt.Errorf("%w: no resources defined", model.ErrConfiguration)
	}

	seen := make(map[string]bool, len(f.Resources))
	descs := make([]backend.Descriptor, 0, len(f.Resources))
	for i, e := range f.Resources {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: resource #%d has no name", model.ErrConfiguration, i+1)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("%w: duplicate resource name %q", model.ErrConfiguration, e.Name)
		}
		seen[e.Name] = true

		d, err := e.descriptor()
		if err != nil {
			return nil, fmt.Errorf("%w: resource %q: %v", model.ErrConfiguration, e.Name, err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func (e resourceEntry) descriptor() (backend.Descriptor, error) {
	d := backend.Descriptor{
		Name:           e.Name,
		Type:           e.Type,
		Enabled:        e.Enabled == nil || *e.Enabled,
		Architecture:   e.Architecture,
		MaxCores:       e.MaxCores,
		MaxCoresPerJob: e.MaxCoresPerJob,
		Params:         e.Params,
	}
	if d.Type == "" {
		return d, fmt.Errorf("missing type")
	}
	if d.MaxCores < 0 || d.MaxCoresPerJob < 0 {
		return d, fmt.Errorf("core counts must not be negative")
	}
	if e.MaxMemoryPerCore != "" {
		mem, err := humanize.ParseBytes(e.MaxMemoryPerCore)
		if err != nil {
			return d, fmt.Errorf("max_memory_per_core: %v", err)
		}
		d.MaxMemoryPerCore = mem
	}
	if e.MaxWalltime != "" {
		wt, err := time.ParseDuration(e.MaxWalltime)
		if err != nil {
			return d, fmt.Errorf("max_walltime: %v", err)
		}
		d.MaxWalltime = wt
	}
	return d, nil
}
