package model

import (
	"context"
	"io"
	"sort"
	"time"
)

// Requirements are the computational resources a task asks for. Zero values
// mean "no requirement".
type Requirements struct {
	Cores        int           `json:"cores,omitempty"`
	Memory       uint64        `json:"memory,omitempty"`
	Walltime     time.Duration `json:"walltime,omitempty"`
	Architecture string        `json:"architecture,omitempty"`
}

// ResourceStatus is a point-in-time snapshot of an execution resource's
// static ceilings and live counters.
type ResourceStatus struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	Updated bool   `json:"updated"`

	Architecture     string        `json:"architecture,omitempty"`
	MaxCores         int           `json:"max_cores"`
	MaxCoresPerJob   int           `json:"max_cores_per_job"`
	MaxMemoryPerCore uint64        `json:"max_memory_per_core"`
	MaxWalltime      time.Duration `json:"max_walltime"`

	FreeSlots       int    `json:"free_slots"`
	Queued          int    `json:"queued"`
	Running         int    `json:"running"`
	UserQueued      int    `json:"user_queued"`
	UserRun         int    `json:"user_run"`
	AvailableMemory uint64 `json:"available_memory"`
}

// ResourceRanker is implemented by tasks with custom resource preferences.
// RankResources returns the candidates in preferred order; it may drop
// candidates but must not add new ones.
type ResourceRanker interface {
	RankResources(candidates []ResourceStatus) []ResourceStatus
}

// RankByLoad orders resources by ascending user queue length, then
// descending free slots, then ascending total queue and user running jobs.
func RankByLoad(candidates []ResourceStatus) []ResourceStatus {
	out := make([]ResourceStatus, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UserQueued != b.UserQueued {
			return a.UserQueued < b.UserQueued
		}
		if a.FreeSlots != b.FreeSlots {
			return a.FreeSlots > b.FreeSlots
		}
		if a.Queued != b.Queued {
			return a.Queued < b.Queued
		}
		return a.UserRun < b.UserRun
	})
	return out
}

// Application is a single executable task bound to at most one resource
// at a time.
type Application struct {
	Base

	Name        string            `json:"name"`
	Arguments   []string          `json:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`

	// Inputs maps a source location (local path or URL) to the name the
	// file gets in the remote working directory.
	Inputs map[string]string `json:"inputs,omitempty"`
	// Outputs maps a remote file name to its local name under OutputDir.
	Outputs map[string]string `json:"outputs,omitempty"`

	OutputDir string `json:"output_dir,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`

	Requested Requirements `json:"requested"`

	// Rank optionally overrides the default resource ordering.
	Rank func(candidates []ResourceStatus) []ResourceStatus `json:"-"`
}

var (
	_ Task           = (*Application)(nil)
	_ ResourceRanker = (*Application)(nil)
)

// NewApplication creates an application in state NEW with a fresh ID.
func NewApplication(name string, args ...string) *Application {
	return &Application{
		Base:      newBase(),
		Name:      name,
		Arguments: args,
		Stdout:    "stdout.txt",
		Stderr:    "stderr.txt",
	}
}

// Kind implements Task.
func (a *Application) Kind() Kind { return KindApplication }

// Requirements returns the application's resource request.
func (a *Application) Requirements() Requirements { return a.Requested }

// RankResources implements ResourceRanker. Without a custom Rank function
// the input order is kept.
func (a *Application) RankResources(candidates []ResourceStatus) []ResourceStatus {
	if a.Rank != nil {
		return a.Rank(candidates)
	}
	return candidates
}

// Submit implements Task.
func (a *Application) Submit(ctx context.Context, d Dispatcher, resubmit bool) error {
	return d.SubmitApplication(ctx, a, resubmit)
}

// UpdateState implements Task.
func (a *Application) UpdateState(ctx context.Context, d Dispatcher) error {
	return d.UpdateApplication(ctx, a)
}

// FetchOutput implements Task.
func (a *Application) FetchOutput(ctx context.Context, d Dispatcher, dir string) error {
	return d.FetchApplicationOutput(ctx, a, dir)
}

// Kill implements Task.
func (a *Application) Kill(ctx context.Context, d Dispatcher) error {
	return d.KillApplication(ctx, a)
}

// Peek implements Task.
func (a *Application) Peek(ctx context.Context, d Dispatcher, what Stream, offset, size int64) (io.ReadCloser, error) {
	return d.PeekApplication(ctx, a, what, offset, size)
}

// Free implements Task.
func (a *Application) Free(ctx context.Context, d Dispatcher) error {
	return d.FreeApplication(ctx, a)
}

// StreamFile returns the local file name that captures the given stream.
func (a *Application) StreamFile(what Stream) string {
	if what == Stderr {
		return a.Stderr
	}
	return a.Stdout
}
