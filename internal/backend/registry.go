package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/seantiz/taskgrid/internal/model"
)

// Constructor builds a resource from its descriptor.
type Constructor func(desc Descriptor, logger *slog.Logger) (Resource, error)

// Registry maps resource types to their constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
	}
}

// Register adds a constructor for the given resource type, replacing any
// previous one.
func (r *Registry) Register(typ string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[typ] = c
}

// New builds a single resource. An unregistered type is a configuration
// error.
func (r *Registry) New(desc Descriptor, logger *slog.Logger) (Resource, error) {
	r.mu.RLock()
	c, ok := r.constructors[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: resource %q has unregistered type %q", model.ErrConfiguration, desc.Name, desc.Type)
	}
	res, err := c(desc, logger)
	if err != nil {
		return nil, fmt.Errorf("create resource %q: %w", desc.Name, err)
	}
	return res, nil
}

// Build creates resources for all descriptors, in order. When failFast is
// false, resources that cannot be created are logged and skipped.
func (r *Registry) Build(descs []Descriptor, logger *slog.Logger, failFast bool) ([]Resource, error) {
	resources := make([]Resource, 0, len(descs))
	for _, d := range descs {
		res, err := r.New(d, logger)
		if err != nil {
			if failFast {
				return nil, err
			}
			logger.Warn("skipping resource", "resource", d.Name, "type", d.Type, "error", err)
			continue
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// Types returns the registered resource types, sorted for stable output.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
