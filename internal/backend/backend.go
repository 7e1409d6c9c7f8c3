package backend

import (
	"context"
	"io"
	"time"

	"github.com/seantiz/taskgrid/internal/model"
)

// Resource is the interface every execution resource must implement. The
// broker drives it synchronously; implementations need not be safe for
// concurrent use.
type Resource interface {
	Name() string
	Type() string

	// Status returns a snapshot of the resource's ceilings and counters.
	Status() model.ResourceStatus

	Enabled() bool
	SetEnabled(bool)

	// Updated reports whether the last GetResourceStatus call succeeded.
	Updated() bool
	SetUpdated(bool)

	// SubmitJob starts app on the resource and records its job id in the
	// application's execution record. Capacity problems are reported as
	// model.ErrTryAgainLater or model.ErrMaximumCapacityReached.
	SubmitJob(ctx context.Context, app *model.Application) error

	// UpdateJobState returns the observed state of app's remote job. It may
	// record a return code on the execution record but must not change the
	// task state itself. A job the resource no longer knows about is
	// reported as model.ErrUnknownJob.
	UpdateJobState(ctx context.Context, app *model.Application) (model.State, error)

	// GetResults copies the application's outputs into dir.
	GetResults(ctx context.Context, app *model.Application, dir string, opts ResultOptions) error

	CancelJob(ctx context.Context, app *model.Application) error

	// Peek returns up to size bytes of a remote output stream starting at
	// offset.
	Peek(ctx context.Context, app *model.Application, what model.Stream, offset, size int64) (io.ReadCloser, error)

	// GetResourceStatus refreshes the live counters.
	GetResourceStatus(ctx context.Context) error

	// Free releases any remote state held for a finished application.
	Free(ctx context.Context, app *model.Application) error

	Close() error
}

// ResultOptions controls output retrieval.
type ResultOptions struct {
	Overwrite   bool
	ChangedOnly bool
}

// Descriptor is the static configuration of a resource.
type Descriptor struct {
	Name             string            `json:"name"`
	Type             string            `json:"type"`
	Enabled          bool              `json:"enabled"`
	Architecture     string            `json:"architecture,omitempty"`
	MaxCores         int               `json:"max_cores"`
	MaxCoresPerJob   int               `json:"max_cores_per_job"`
	MaxMemoryPerCore uint64            `json:"max_memory_per_core"`
	MaxWalltime      time.Duration     `json:"max_walltime"`
	Params           map[string]string `json:"params,omitempty"`
}

// Base implements the descriptor accessors and the enabled/updated flags.
// Concrete resources embed it.
type Base struct {
	desc    Descriptor
	enabled bool
	updated bool
}

// NewBase returns a Base for desc, enabled according to the descriptor.
func NewBase(desc Descriptor) Base {
	return Base{desc: desc, enabled: desc.Enabled}
}

// Name returns the resource name.
func (b *Base) Name() string { return b.desc.Name }

// Type returns the resource type.
func (b *Base) Type() string { return b.desc.Type }

// Descriptor returns the static configuration.
func (b *Base) Descriptor() Descriptor { return b.desc }

func (b *Base) Enabled() bool     { return b.enabled }
func (b *Base) SetEnabled(v bool) { b.enabled = v }
func (b *Base) Updated() bool     { return b.updated }
func (b *Base) SetUpdated(v bool) { b.updated = v }

// StaticStatus returns a status snapshot carrying only the descriptor
// ceilings and flags. Implementations fill in the live counters.
func (b *Base) StaticStatus() model.ResourceStatus {
	return model.ResourceStatus{
		Name:             b.desc.Name,
		Type:             b.desc.Type,
		Enabled:          b.enabled,
		Updated:          b.updated,
		Architecture:     b.desc.Architecture,
		MaxCores:         b.desc.MaxCores,
		MaxCoresPerJob:   b.desc.MaxCoresPerJob,
		MaxMemoryPerCore: b.desc.MaxMemoryPerCore,
		MaxWalltime:      b.desc.MaxWalltime,
	}
}
