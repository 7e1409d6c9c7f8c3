package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/hashicorp/go-multierror"

	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/matchmaker"
	"github.com/seantiz/taskgrid/internal/model"
)

// Broker is the synchronous task-control interface shared by Core and the
// engines built on top of it.
type Broker interface {
	Submit(ctx context.Context, task model.Task, resubmit bool, targets ...backend.Resource) error
	UpdateJobState(ctx context.Context, tasks ...model.Task) error
	FetchOutput(ctx context.Context, task model.Task, opts FetchOptions) error
	Kill(ctx context.Context, task model.Task) error
	Peek(ctx context.Context, task model.Task, what model.Stream, offset, size int64) (io.ReadCloser, error)
	Free(ctx context.Context, task model.Task) error
}

// FetchOptions controls output retrieval.
type FetchOptions struct {
	// Dir overrides the task's own output directory when set.
	Dir         string
	Overwrite   bool
	ChangedOnly bool
}

// Core performs one operation per call on tasks and resources. It keeps no
// record of the tasks it has seen and is not safe for concurrent use.
type Core struct {
	resources     []backend.Resource
	byName        map[string]backend.Resource
	matchmaker    matchmaker.MatchMaker
	policy        ErrorPolicy
	updateOnError bool
	logger        *slog.Logger
}

var _ Broker = (*Core)(nil)

// Option configures a Core.
type Option func(*Core)

// WithMatchMaker replaces the default matchmaker.
func WithMatchMaker(mm matchmaker.MatchMaker) Option {
	return func(c *Core) { c.matchmaker = mm }
}

// WithErrorPolicy replaces the default policy, which ignores every
// non-fatal error.
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(c *Core) { c.policy = p }
}

// WithUpdateOnError makes backend errors during state refresh store UNKNOWN
// as the task state instead of leaving it untouched.
func WithUpdateOnError(v bool) Option {
	return func(c *Core) { c.updateOnError = v }
}

// New creates a Core over the given resources. At least one resource is
// required and names must be unique.
func New(resources []backend.Resource, logger *slog.Logger, opts ...Option) (*Core, error) {
	if len(resources) == 0 {
		return nil, fmt.Errorf("%w: no resources configured", model.ErrNoResources)
	}
	c := &Core{
		byName:     make(map[string]backend.Resource, len(resources)),
		matchmaker: matchmaker.Default{},
		policy:     NewKeywordPolicy(),
		logger:     logger.With("component", "core"),
	}
	for _, o := range opts {
		o(c)
	}
	for _, r := range resources {
		if err := c.AddResource(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Policy returns the error policy in use.
func (c *Core) Policy() ErrorPolicy { return c.policy }

// Resources returns the configured resources in configuration order.
func (c *Core) Resources() []backend.Resource {
	out := make([]backend.Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// Resource looks up a resource by name.
func (c *Core) Resource(name string) (backend.Resource, error) {
	r, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidResourceName, name)
	}
	return r, nil
}

// AddResource adds a resource. Names must be unique.
func (c *Core) AddResource(r backend.Resource) error {
	if _, dup := c.byName[r.Name()]; dup {
		return fmt.Errorf("%w: duplicate resource name %q", model.ErrConfiguration, r.Name())
	}
	c.resources = append(c.resources, r)
	c.byName[r.Name()] = r
	return nil
}

// RemoveResource removes and closes a resource. Tasks still bound to it are
// forced to TERMINATED on their next state refresh.
func (c *Core) RemoveResource(name string) error {
	r, err := c.Resource(name)
	if err != nil {
		return err
	}
	delete(c.byName, name)
	for i, cand := range c.resources {
		if cand == r {
			c.resources = append(c.resources[:i], c.resources[i+1:]...)
			break
		}
	}
	return r.Close()
}

// SelectResource disables every resource for which match returns false and
// returns the number of resources left enabled.
func (c *Core) SelectResource(match func(backend.Resource) bool) int {
	enabled := 0
	for _, r := range c.resources {
		if !match(r) {
			r.SetEnabled(false)
		}
		if r.Enabled() {
			enabled++
		}
	}
	return enabled
}

// SelectResourceByName keeps only resources whose name matches the shell
// pattern.
func (c *Core) SelectResourceByName(pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("%w: bad resource pattern %q: %v", model.ErrConfiguration, pattern, err)
	}
	return c.SelectResource(func(r backend.Resource) bool {
		ok, _ := path.Match(pattern, r.Name())
		return ok
	}), nil
}

func (c *Core) enabledResources() []backend.Resource {
	var out []backend.Resource
	for _, r := range c.resources {
		if r.Enabled() {
			out = append(out, r)
		}
	}
	return out
}

// EnabledCount returns the number of enabled resources.
func (c *Core) EnabledCount() int { return len(c.enabledResources()) }

// UpdateResources refreshes the live counters of the given enabled
// resources, or of every enabled resource when none are given. Resources
// failing with an unrecoverable error are disabled; others are marked not
// updated.
func (c *Core) UpdateResources(ctx context.Context, resources ...backend.Resource) {
	if len(resources) == 0 {
		resources = c.resources
	}
	for _, r := range resources {
		if !r.Enabled() {
			continue
		}
		if err := r.GetResourceStatus(ctx); err != nil {
			r.SetUpdated(false)
			resourceUpdatesTotal.WithLabelValues(r.Name(), outcomeFailed).Inc()
			if errors.Is(err, model.ErrUnrecoverable) {
				r.SetEnabled(false)
				c.logger.Warn("disabling resource after unrecoverable error",
					"resource", r.Name(), "error_class", model.ClassName(err), "error", err)
				continue
			}
			c.logger.Warn("failed to update resource status",
				"resource", r.Name(), "error_class", model.ClassName(err), "error", err)
			continue
		}
		r.SetUpdated(true)
		resourceUpdatesTotal.WithLabelValues(r.Name(), outcomeOK).Inc()
		resourceFreeSlots.WithLabelValues(r.Name()).Set(float64(r.Status().FreeSlots))
	}
}

// Submit submits a task. With no targets, resources are selected by the
// matchmaker; otherwise the targets are tried strictly in order. A NEW task
// is submitted; any other task is left alone unless resubmit is set, which
// resets it to NEW first.
func (c *Core) Submit(ctx context.Context, task model.Task, resubmit bool, targets ...backend.Resource) error {
	return task.Submit(ctx, c.dispatcher(targets, FetchOptions{}), resubmit)
}

// UpdateJobState refreshes the state of each task. Per-task errors are
// handled by the error policy; fatal errors always abort the loop.
func (c *Core) UpdateJobState(ctx context.Context, tasks ...model.Task) error {
	d := c.dispatcher(nil, FetchOptions{})
	for _, t := range tasks {
		err := t.UpdateState(ctx, d)
		if err == nil {
			continue
		}
		if c.policy.Ignore(ErrorContext{Component: "core", Operation: "update_job_state", Err: err, Keywords: []string{"update"}}) {
			c.logger.Warn("ignoring error while updating task state",
				"task_id", t.ID(), "error_class", model.ClassName(err), "error", err)
			continue
		}
		return err
	}
	return nil
}

// FetchOutput retrieves the task's output. A TERMINATING task becomes
// TERMINATED once its output has been retrieved.
func (c *Core) FetchOutput(ctx context.Context, task model.Task, opts FetchOptions) error {
	return task.FetchOutput(ctx, c.dispatcher(nil, opts), opts.Dir)
}

// Kill cancels a task and forces it to TERMINATED. Killing a TERMINATED
// task does nothing.
func (c *Core) Kill(ctx context.Context, task model.Task) error {
	return task.Kill(ctx, c.dispatcher(nil, FetchOptions{}))
}

// Peek returns a reader over part of a task's stdout or stderr.
func (c *Core) Peek(ctx context.Context, task model.Task, what model.Stream, offset, size int64) (io.ReadCloser, error) {
	return task.Peek(ctx, c.dispatcher(nil, FetchOptions{}), what, offset, size)
}

// Free releases the remote resources held by a finished task.
func (c *Core) Free(ctx context.Context, task model.Task) error {
	return task.Free(ctx, c.dispatcher(nil, FetchOptions{}))
}

// Close closes every resource.
func (c *Core) Close() error {
	var result *multierror.Error
	for _, r := range c.resources {
		if err := r.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close resource %s: %w", r.Name(), err))
		}
	}
	return result.ErrorOrNil()
}
