// Package matchmaker decides which resources can run a task and in which
// order they should be tried.
package matchmaker

import (
	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/model"
)

// MatchMaker filters and ranks candidate resources for a task. Both
// operations must be free of side effects.
type MatchMaker interface {
	// Filter returns the resources able to satisfy the task's requirements,
	// in input order.
	Filter(task model.Task, resources []backend.Resource) []backend.Resource

	// Rank returns a permutation (or subset) of resources in preference
	// order.
	Rank(task model.Task, resources []backend.Resource) []backend.Resource
}

// Requirer is implemented by tasks that declare resource requirements.
type Requirer interface {
	Requirements() model.Requirements
}

// Default checks static ceilings and delegates ranking to the task when it
// implements model.ResourceRanker.
type Default struct{}

var _ MatchMaker = Default{}

// Filter implements MatchMaker. Tasks without requirements are compatible
// with every enabled resource.
func (Default) Filter(task model.Task, resources []backend.Resource) []backend.Resource {
	var req model.Requirements
	if r, ok := task.(Requirer); ok {
		req = r.Requirements()
	}
	out := make([]backend.Resource, 0, len(resources))
	for _, res := range resources {
		if Compatible(req, res.Status()) {
			out = append(out, res)
		}
	}
	return out
}

// Rank implements MatchMaker.
func (Default) Rank(task model.Task, resources []backend.Resource) []backend.Resource {
	ranker, ok := task.(model.ResourceRanker)
	if !ok || len(resources) < 2 {
		return resources
	}

	byName := make(map[string]backend.Resource, len(resources))
	statuses := make([]model.ResourceStatus, len(resources))
	for i, res := range resources {
		byName[res.Name()] = res
		statuses[i] = res.Status()
	}

	ranked := ranker.RankResources(statuses)
	out := make([]backend.Resource, 0, len(ranked))
	for _, st := range ranked {
		if res, ok := byName[st.Name]; ok {
			out = append(out, res)
			delete(byName, st.Name)
		}
	}
	return out
}

// Compatible reports whether a resource with status st can host a job with
// requirements req. Zero-valued ceilings are treated as unlimited.
func Compatible(req model.Requirements, st model.ResourceStatus) bool {
	if !st.Enabled {
		return false
	}
	cores := req.Cores
	if cores < 1 {
		cores = 1
	}
	if st.MaxCoresPerJob > 0 && cores > st.MaxCoresPerJob {
		return false
	}
	if req.Memory > 0 && st.MaxMemoryPerCore > 0 && req.Memory > uint64(cores)*st.MaxMemoryPerCore {
		return false
	}
	if req.Walltime > 0 && st.MaxWalltime > 0 && req.Walltime > st.MaxWalltime {
		return false
	}
	if req.Architecture != "" && st.Architecture != "" && req.Architecture != st.Architecture {
		return false
	}
	return true
}
