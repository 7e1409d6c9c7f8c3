// Package scheduler decides, one submission cycle at a time, which new task
// is tried on which resource.
//
// A Scheduler is driven by the engine: it calls Next to obtain an
// assignment, attempts the submission, and reports the outcome with exactly
// one of ReportSuccess or ReportFailure before calling Next again. Close is
// always called when the cycle ends.
package scheduler

import (
	"errors"
	"log/slog"

	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/matchmaker"
	"github.com/seantiz/taskgrid/internal/model"
)

// Assignment names a task (by index in the cycle's task list) and the
// resource it should be submitted to.
type Assignment struct {
	TaskIndex int
	Resource  string
}

// Scheduler is the per-cycle submission policy.
type Scheduler interface {
	// Next returns the next assignment to attempt, or false when the cycle
	// is over.
	Next() (Assignment, bool)
	// ReportSuccess reports the state the task reached after submission.
	ReportSuccess(state model.State)
	// ReportFailure reports the submission error.
	ReportFailure(err error)
	// Close releases any cycle-local state.
	Close() error
}

// Factory creates a Scheduler for one cycle over the given NEW tasks and
// the live resources.
type Factory func(tasks []model.Task, resources []backend.Resource) Scheduler

// FirstComeFirstServed tries tasks in the order given. Each task is matched
// against a cycle-local resource list and the ranked candidates are tried
// until one accepts it. A resource answering ErrTryAgainLater is dropped for
// the rest of the cycle, and the cycle ends once no resources remain.
type FirstComeFirstServed struct {
	tasks      []model.Task
	resources  []backend.Resource
	matchmaker matchmaker.MatchMaker
	logger     *slog.Logger

	task    int
	targets []backend.Resource
	next    int
	pending backend.Resource
}

var _ Scheduler = (*FirstComeFirstServed)(nil)

// NewFirstComeFirstServed returns a Factory building FirstComeFirstServed
// schedulers that use mm for matching. A nil mm selects matchmaker.Default.
func NewFirstComeFirstServed(mm matchmaker.MatchMaker, logger *slog.Logger) Factory {
	if mm == nil {
		mm = matchmaker.Default{}
	}
	logger = logger.With("component", "scheduler")
	return func(tasks []model.Task, resources []backend.Resource) Scheduler {
		local := make([]backend.Resource, len(resources))
		copy(local, resources)
		return &FirstComeFirstServed{
			tasks:      tasks,
			resources:  local,
			matchmaker: mm,
			logger:     logger,
		}
	}
}

// Next implements Scheduler. It panics if the outcome of the previous
// assignment has not been reported.
func (s *FirstComeFirstServed) Next() (Assignment, bool) {
	if s.pending != nil {
		panic("scheduler: Next called before reporting the previous outcome")
	}
	for len(s.resources) > 0 && s.task < len(s.tasks) {
		if s.targets == nil {
			t := s.tasks[s.task]
			compatible := s.matchmaker.Filter(t, s.resources)
			if len(compatible) == 0 {
				s.logger.Warn("no compatible resource for task, leaving it new", "task_id", t.ID())
				s.advance()
				continue
			}
			s.targets = s.matchmaker.Rank(t, compatible)
			s.next = 0
		}
		for s.next < len(s.targets) {
			r := s.targets[s.next]
			s.next++
			if !s.available(r) {
				continue
			}
			s.pending = r
			return Assignment{TaskIndex: s.task, Resource: r.Name()}, true
		}
		s.advance()
	}
	return Assignment{}, false
}

// ReportSuccess implements Scheduler.
func (s *FirstComeFirstServed) ReportSuccess(state model.State) {
	s.pending = nil
	s.advance()
}

// ReportFailure implements Scheduler.
func (s *FirstComeFirstServed) ReportFailure(err error) {
	r := s.pending
	s.pending = nil
	if r == nil {
		return
	}
	if errors.Is(err, model.ErrTryAgainLater) {
		s.logger.Info("resource busy, skipping it for this cycle", "resource", r.Name(), "error", err)
		s.drop(r)
		return
	}
	s.logger.Info("submission attempt failed, trying next resource",
		"task_id", s.tasks[s.task].ID(), "resource", r.Name(), "error_class", model.ClassName(err), "error", err)
}

// Close implements Scheduler.
func (s *FirstComeFirstServed) Close() error {
	s.tasks = nil
	s.resources = nil
	s.targets = nil
	s.pending = nil
	return nil
}

func (s *FirstComeFirstServed) advance() {
	s.task++
	s.targets = nil
	s.next = 0
}

func (s *FirstComeFirstServed) available(r backend.Resource) bool {
	for _, cand := range s.resources {
		if cand == r {
			return true
		}
	}
	return false
}

func (s *FirstComeFirstServed) drop(r backend.Resource) {
	for i, cand := range s.resources {
		if cand == r {
			s.resources = append(s.resources[:i], s.resources[i+1:]...)
			return
		}
	}
}
