// Package noop provides a simulated execution resource. Jobs never run
// anywhere; each state refresh advances them along a transition graph while
// the resource keeps book of slots and memory as a real batch system would.
package noop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/model"
)

// Type is the resource type name under which the constructor is registered.
const Type = "noop"

// Transition is one outgoing edge of a state in a Graph.
type Transition struct {
	Probability float64
	To          model.State
}

// Graph maps a remote job state to its possible successors. Probabilities
// of a state's edges should sum to at most 1; the remainder is the chance of
// staying in place.
type Graph map[model.State][]Transition

// NormalGraph moves every job SUBMITTED -> RUNNING -> TERMINATING, one step
// per refresh.
var NormalGraph = Graph{
	model.StateSubmitted: {{Probability: 1.0, To: model.StateRunning}},
	model.StateRunning:   {{Probability: 1.0, To: model.StateTerminating}},
}

type job struct {
	state  model.State
	cores  int
	memory uint64
}

// Resource is a simulated batch system.
type Resource struct {
	backend.Base

	// Graph drives state refreshes. It defaults to NormalGraph.
	Graph Graph
	// ExitCode is recorded on jobs when they reach TERMINATING.
	ExitCode int

	logger *slog.Logger
	dice   func() float64

	freeSlots       int
	queued          int
	userQueued      int
	userRun         int
	availableMemory uint64

	nextJob int
	jobs    map[string]*job
}

var _ backend.Resource = (*Resource)(nil)

// Register adds the noop constructor to reg.
func Register(reg *backend.Registry) {
	reg.Register(Type, func(desc backend.Descriptor, logger *slog.Logger) (backend.Resource, error) {
		return New(desc, logger)
	})
}

// New creates a simulated resource. The descriptor parameter "exit_code"
// sets the exit code reported for every job.
func New(desc backend.Descriptor, logger *slog.Logger) (*Resource, error) {
	if desc.MaxCores <= 0 {
		return nil, fmt.Errorf("%w: resource %q: max_cores must be positive", model.ErrConfiguration, desc.Name)
	}
	r := &Resource{
		Base:            backend.NewBase(desc),
		Graph:           NormalGraph,
		logger:          logger.With("component", "noop", "resource", desc.Name),
		dice:            rand.Float64,
		freeSlots:       desc.MaxCores,
		availableMemory: uint64(desc.MaxCores) * desc.MaxMemoryPerCore,
		jobs:            make(map[string]*job),
	}
	if v, ok := desc.Params["exit_code"]; ok {
		code, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: resource %q: invalid exit_code %q", model.ErrConfiguration, desc.Name, v)
		}
		r.ExitCode = code
	}
	return r, nil
}

// SetRandom replaces the source of transition dice rolls.
func (r *Resource) SetRandom(f func() float64) { r.dice = f }

// Status implements backend.Resource.
func (r *Resource) Status() model.ResourceStatus {
	st := r.StaticStatus()
	st.FreeSlots = r.freeSlots
	st.Queued = r.queued
	st.Running = r.userRun
	st.UserQueued = r.userQueued
	st.UserRun = r.userRun
	st.AvailableMemory = r.availableMemory
	return st
}

func requestedCores(app *model.Application) int {
	if app.Requested.Cores > 0 {
		return app.Requested.Cores
	}
	return 1
}

// SubmitJob implements backend.Resource.
func (r *Resource) SubmitJob(_ context.Context, app *model.Application) error {
	cores := requestedCores(app)
	if r.freeSlots-cores < 0 {
		return fmt.Errorf("%w: resource %s already running the maximum of %d cores",
			model.ErrMaximumCapacityReached, r.Name(), r.Descriptor().MaxCores)
	}
	mem := app.Requested.Memory
	if mem > 0 && r.availableMemory < mem {
		return fmt.Errorf("%w: resource %s has %d bytes of memory available, %d requested",
			model.ErrMaximumCapacityReached, r.Name(), r.availableMemory, mem)
	}

	r.nextJob++
	id := fmt.Sprintf("%s-%d", r.Name(), r.nextJob)
	r.jobs[id] = &job{state: model.StateSubmitted, cores: cores, memory: mem}
	app.Execution().JobID = id

	r.freeSlots -= cores
	r.availableMemory -= mem
	r.queued++
	r.userQueued++

	r.logger.Debug("faking execution", "job_id", id, "command", strings.Join(append([]string{app.Name}, app.Arguments...), " "))
	return nil
}

// UpdateJobState implements backend.Resource.
func (r *Resource) UpdateJobState(_ context.Context, app *model.Application) (model.State, error) {
	j, ok := r.jobs[app.Execution().JobID]
	if !ok {
		return model.StateUnknown, fmt.Errorf("%w: job %q on resource %s", model.ErrUnknownJob, app.Execution().JobID, r.Name())
	}

	dice := r.dice()
	for _, tr := range r.Graph[j.state] {
		if dice >= tr.Probability {
			dice -= tr.Probability
			continue
		}
		r.move(j, tr.To)
		if tr.To == model.StateTerminating {
			app.Execution().SetExitCode(r.ExitCode)
		}
		break
	}
	return j.state, nil
}

// move updates the counters for a job changing remote state.
func (r *Resource) move(j *job, to model.State) {
	if j.state == to {
		return
	}
	switch j.state {
	case model.StateSubmitted:
		r.queued--
		r.userQueued--
	case model.StateRunning:
		r.userRun--
	}
	switch to {
	case model.StateRunning:
		r.userRun++
	case model.StateTerminating, model.StateTerminated:
		r.release(j)
	}
	j.state = to
}

func (r *Resource) release(j *job) {
	r.freeSlots += j.cores
	r.availableMemory += j.memory
	j.cores, j.memory = 0, 0
}

// GetResults implements backend.Resource. Output files cannot be staged;
// only a transcript of the faked command is written to the stdout file.
func (r *Resource) GetResults(_ context.Context, app *model.Application, dir string, opts backend.ResultOptions) error {
	if len(app.Outputs) > 0 {
		return fmt.Errorf("%w: output retrieval is not supported by resource %s", model.ErrUnrecoverableDataStaging, r.Name())
	}
	if dir == "" || app.Stdout == "" {
		return nil
	}
	path := filepath.Join(dir, app.Stdout)
	if !opts.Overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	line := strings.Join(append([]string{app.Name}, app.Arguments...), " ") + "\n"
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", model.ErrRecoverableDataStaging, path, err)
	}
	return nil
}

// CancelJob implements backend.Resource.
func (r *Resource) CancelJob(_ context.Context, app *model.Application) error {
	id := app.Execution().JobID
	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %q on resource %s", model.ErrUnknownJob, id, r.Name())
	}
	r.move(j, model.StateTerminated)
	delete(r.jobs, id)
	return nil
}

// Peek implements backend.Resource. Remote streams do not exist here.
func (r *Resource) Peek(context.Context, *model.Application, model.Stream, int64, int64) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: peek is not supported by resource %s", model.ErrInvalidOperation, r.Name())
}

// GetResourceStatus implements backend.Resource.
func (r *Resource) GetResourceStatus(context.Context) error {
	r.SetUpdated(true)
	return nil
}

// Free implements backend.Resource.
func (r *Resource) Free(_ context.Context, app *model.Application) error {
	if j, ok := r.jobs[app.Execution().JobID]; ok {
		r.move(j, model.StateTerminated)
		delete(r.jobs, app.Execution().JobID)
	}
	return nil
}

// Close implements backend.Resource.
func (r *Resource) Close() error { return nil }
