package engine

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/core"
	"github.com/seantiz/taskgrid/internal/model"
	"github.com/seantiz/taskgrid/internal/scheduler"
	"github.com/seantiz/taskgrid/internal/store"
)

// Manager is a Broker that also owns a set of tasks and advances them.
type Manager interface {
	core.Broker
	Add(ctx context.Context, task model.Task)
	Remove(task model.Task)
	Progress(ctx context.Context) error
}

type queueID int

const (
	queueNew queueID = iota
	queueInFlight
	queueStopped
	queueToKill
	queueTerminating
	queueTerminated
	numQueues
)

var queueNames = [numQueues]string{"new", "in_flight", "stopped", "to_kill", "terminating", "terminated"}

func (q queueID) String() string { return queueNames[q] }

func queueFor(s model.State) queueID {
	switch s {
	case model.StateSubmitted, model.StateRunning, model.StateUnknown:
		return queueInFlight
	case model.StateStopped:
		return queueStopped
	case model.StateTerminating:
		return queueTerminating
	case model.StateTerminated:
		return queueTerminated
	default:
		return queueNew
	}
}

// entry is the engine's bookkeeping for one managed task: its queue and the
// state and outcome it was last counted under.
type entry struct {
	task      model.Task
	queue     queueID
	elem      *list.Element
	state     model.State
	succeeded bool
}

// Engine manages many tasks over repeated Progress calls. It is not safe for
// concurrent use; see BgEngine.
type Engine struct {
	core   *core.Core
	logger *slog.Logger
	store  store.Store
	events *EventBroker

	queues [numQueues]*list.List
	index  map[string]*entry
	tally  map[model.Kind]*Counts

	newScheduler        scheduler.Factory
	maxInFlight         int
	maxSubmitted        int
	canSubmit           bool
	canRetrieve         bool
	forgetTerminated    bool
	retrieveRunning     bool
	retrieveOverwrites  bool
	retrieveChangedOnly bool
	outputDir           string
}

var _ Manager = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithMaxInFlight caps the number of applications submitted, running or
// unknown. Zero means unlimited.
func WithMaxInFlight(n int) Option { return func(e *Engine) { e.maxInFlight = n } }

// WithMaxSubmitted caps the number of applications waiting in SUBMITTED.
// Zero means unlimited.
func WithMaxSubmitted(n int) Option { return func(e *Engine) { e.maxSubmitted = n } }

// WithStore persists every task whose record changed.
func WithStore(s store.Store) Option { return func(e *Engine) { e.store = s } }

// WithScheduler replaces the first-come-first-served scheduler.
func WithScheduler(f scheduler.Factory) Option { return func(e *Engine) { e.newScheduler = f } }

func WithCanSubmit(v bool) Option   { return func(e *Engine) { e.canSubmit = v } }
func WithCanRetrieve(v bool) Option { return func(e *Engine) { e.canRetrieve = v } }

// WithForgetTerminated drops tasks from the engine as soon as they reach
// TERMINATED.
func WithForgetTerminated(v bool) Option { return func(e *Engine) { e.forgetTerminated = v } }

// WithRetrieveRunning snapshots the output of RUNNING tasks on every cycle.
func WithRetrieveRunning(v bool) Option { return func(e *Engine) { e.retrieveRunning = v } }

// WithRetrieveOptions sets the overwrite and changed-only flags used when
// fetching output.
func WithRetrieveOptions(overwrite, changedOnly bool) Option {
	return func(e *Engine) {
		e.retrieveOverwrites = overwrite
		e.retrieveChangedOnly = changedOnly
	}
}

// WithOutputDir gives tasks without an output directory one named after
// their ID under dir.
func WithOutputDir(dir string) Option { return func(e *Engine) { e.outputDir = dir } }

// New creates an Engine driving tasks through c.
func New(c *core.Core, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		core:                c,
		logger:              logger.With("component", "engine"),
		events:              NewEventBroker(),
		index:               make(map[string]*entry),
		tally:               make(map[model.Kind]*Counts),
		canSubmit:           true,
		canRetrieve:         true,
		retrieveChangedOnly: true,
	}
	for i := range e.queues {
		e.queues[i] = list.New()
	}
	for _, o := range opts {
		o(e)
	}
	if e.newScheduler == nil {
		e.newScheduler = scheduler.NewFirstComeFirstServed(nil, logger)
	}
	return e
}

// Core returns the broker the engine drives tasks through.
func (e *Engine) Core() *core.Core { return e.core }

// Events returns the broker publishing task state changes.
func (e *Engine) Events() *EventBroker { return e.events }

// Add puts a task under management, in the queue matching its state.
// Adding a managed task does nothing.
func (e *Engine) Add(ctx context.Context, task model.Task) {
	if _, ok := e.index[task.ID()]; ok {
		return
	}
	e.assignOutputDir(task)

	en := &entry{task: task}
	e.index[task.ID()] = en
	e.account(en)
	e.enqueue(en, queueFor(en.state))
	e.events.Reopen(task.ID())
	e.persist(ctx, en)
	e.logger.Debug("task added", "task_id", task.ID(), "kind", task.Kind(), "state", en.state)
}

func (e *Engine) assignOutputDir(task model.Task) {
	if e.outputDir == "" {
		return
	}
	dir := filepath.Join(e.outputDir, task.ID())
	switch t := task.(type) {
	case *model.Application:
		if t.OutputDir == "" {
			t.OutputDir = dir
		}
	case *model.ParallelCollection:
		if t.OutputDir == "" {
			t.OutputDir = dir
		}
	case *model.SequentialCollection:
		if t.OutputDir == "" {
			t.OutputDir = dir
		}
	}
}

// Resume adds every stored task that has not yet terminated, oldest first,
// and returns how many were added. It does nothing without a store.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	tasks, _, err := e.store.List(ctx, store.ListFilter{})
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	slices.Reverse(tasks)

	n := 0
	for _, t := range tasks {
		if t.Execution().State == model.StateTerminated {
			continue
		}
		t.SetChanged(false)
		e.Add(ctx, t)
		n++
	}
	if n > 0 {
		e.logger.Info("resumed stored tasks", "count", n)
	}
	return n, nil
}

// Remove takes a task out of management. Removing an unmanaged task does
// nothing.
func (e *Engine) Remove(task model.Task) {
	en, ok := e.index[task.ID()]
	if !ok {
		return
	}
	e.drop(en)
}

func (e *Engine) drop(en *entry) {
	e.unaccount(en)
	if en.elem != nil {
		e.queues[en.queue].Remove(en.elem)
		en.elem = nil
	}
	delete(e.index, en.task.ID())
	e.events.Close(en.task.ID())
	e.logger.Debug("task removed", "task_id", en.task.ID(), "state", en.state)
}

// Task returns the managed task with the given ID.
func (e *Engine) Task(id string) (model.Task, bool) {
	en, ok := e.index[id]
	if !ok {
		return nil, false
	}
	return en.task, true
}

// Tasks returns every managed task, grouped by queue.
func (e *Engine) Tasks() []model.Task {
	out := make([]model.Task, 0, len(e.index))
	for _, q := range e.queues {
		for el := q.Front(); el != nil; el = el.Next() {
			out = append(out, el.Value.(*entry).task)
		}
	}
	return out
}

// Counts returns the tallies for tasks of the given kinds, or of every
// task when no kind is given.
func (e *Engine) Counts(kinds ...model.Kind) Counts {
	var out Counts
	if len(kinds) == 0 {
		for _, c := range e.tally {
			out.merge(*c)
		}
		return out
	}
	for _, k := range kinds {
		if c, ok := e.tally[k]; ok {
			out.merge(*c)
		}
	}
	return out
}

// Resources returns a status snapshot of every configured resource.
func (e *Engine) Resources() []model.ResourceStatus {
	rs := e.core.Resources()
	out := make([]model.ResourceStatus, len(rs))
	for i, r := range rs {
		out[i] = r.Status()
	}
	return out
}

// SelectResource disables every resource for which match returns false.
func (e *Engine) SelectResource(match func(backend.Resource) bool) int {
	return e.core.SelectResource(match)
}

// Redo resets a TERMINATED task to NEW and manages it again. The task stays
// managed when the reset fails.
func (e *Engine) Redo(ctx context.Context, task model.Task) error {
	if s := task.Execution().State; s != model.StateTerminated {
		return fmt.Errorf("%w: task %s is %s, only TERMINATED tasks can be redone", model.ErrInvalidOperation, task.ID(), s)
	}
	err := task.Redo()
	if en, ok := e.index[task.ID()]; ok {
		e.events.Reopen(task.ID())
		e.settle(ctx, en)
	} else {
		e.Add(ctx, task)
	}
	if err != nil {
		return fmt.Errorf("redo task %s: %w", task.ID(), err)
	}
	return nil
}

// Submit adds the task to the engine; it is submitted by a later Progress
// call. A TERMINATED task is redone first when resubmit is set. Targets are
// ignored, the scheduler picks resources.
func (e *Engine) Submit(ctx context.Context, task model.Task, resubmit bool, _ ...backend.Resource) error {
	if resubmit && task.Execution().State == model.StateTerminated {
		return e.Redo(ctx, task)
	}
	e.Add(ctx, task)
	return nil
}

// UpdateJobState does nothing: managed task states are refreshed by
// Progress.
func (e *Engine) UpdateJobState(context.Context, ...model.Task) error { return nil }

// FetchOutput adds the task to the engine, whose Progress retrieves output
// of TERMINATING tasks.
func (e *Engine) FetchOutput(ctx context.Context, task model.Task, _ core.FetchOptions) error {
	e.Add(ctx, task)
	return nil
}

// Kill schedules a task for cancellation on the next Progress call. Killing
// a TERMINATED task does nothing.
func (e *Engine) Kill(ctx context.Context, task model.Task) error {
	if task.Execution().State == model.StateTerminated {
		return nil
	}
	en, ok := e.index[task.ID()]
	if !ok {
		e.Add(ctx, task)
		en = e.index[task.ID()]
	}
	e.enqueue(en, queueToKill)
	return nil
}

// Peek reads part of a task's output stream.
func (e *Engine) Peek(ctx context.Context, task model.Task, what model.Stream, offset, size int64) (io.ReadCloser, error) {
	return e.core.Peek(ctx, task, what, offset, size)
}

// Free releases the remote resources held by a finished task.
func (e *Engine) Free(ctx context.Context, task model.Task) error {
	return e.core.Free(ctx, task)
}

// Close closes every resource.
func (e *Engine) Close() error { return e.core.Close() }

// Progress advances every managed task by one step: refresh in-flight
// tasks, kill those scheduled for cancellation, refresh stopped tasks,
// submit new tasks within the caps and retrieve output of finished ones.
// Errors the policy does not ignore abort the pass; tasks not yet visited
// are left for the next call.
func (e *Engine) Progress(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		progressDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			progressErrorsTotal.Inc()
		}
		e.observe()
	}()

	if e.core.EnabledCount() == 0 {
		return fmt.Errorf("%w: every resource is disabled", model.ErrNoResources)
	}
	if err := e.updateInFlight(ctx); err != nil {
		return err
	}
	if err := e.killPending(ctx); err != nil {
		return err
	}
	if err := e.updateStopped(ctx); err != nil {
		return err
	}
	if e.canSubmit {
		if err := e.submitNew(ctx); err != nil {
			return err
		}
	}
	if e.canRetrieve {
		if err := e.retrieveTerminating(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) updateInFlight(ctx context.Context) error {
	for _, en := range e.snapshot(queueInFlight) {
		if err := e.core.UpdateJobState(ctx, en.task); err != nil {
			e.settle(ctx, en)
			return fmt.Errorf("update task %s: %w", en.task.ID(), err)
		}
		if e.canRetrieve && e.retrieveRunning && en.task.Execution().State == model.StateRunning {
			if err := e.core.FetchOutput(ctx, en.task, e.fetchOptions()); err != nil {
				if !e.ignore("fetch_output", err, string(model.StateRunning)) {
					e.settle(ctx, en)
					return fmt.Errorf("fetch output of running task %s: %w", en.task.ID(), err)
				}
				e.logger.Warn("ignoring error while retrieving output of running task",
					"task_id", en.task.ID(), "error_class", model.ClassName(err), "error", err)
			}
		}
		e.settle(ctx, en)
	}
	return nil
}

func (e *Engine) killPending(ctx context.Context) error {
	for _, en := range e.snapshot(queueToKill) {
		err := e.core.Kill(ctx, en.task)
		if err != nil && e.ignore("kill", err) {
			e.logger.Warn("ignoring error while killing task",
				"task_id", en.task.ID(), "error_class", model.ClassName(err), "error", err)
			err = nil
		}
		e.settle(ctx, en)
		if err != nil {
			return fmt.Errorf("kill task %s: %w", en.task.ID(), err)
		}
	}
	return nil
}

func (e *Engine) updateStopped(ctx context.Context) error {
	for _, en := range e.snapshot(queueStopped) {
		if err := e.core.UpdateJobState(ctx, en.task); err != nil {
			e.settle(ctx, en)
			return fmt.Errorf("update task %s: %w", en.task.ID(), err)
		}
		e.settle(ctx, en)
	}
	return nil
}

// belowCaps reports whether another application may be submitted.
func (e *Engine) belowCaps() bool {
	apps := e.Counts(model.KindApplication)
	if e.maxInFlight > 0 && apps.InFlight() >= e.maxInFlight {
		return false
	}
	if e.maxSubmitted > 0 && apps.Submitted >= e.maxSubmitted {
		return false
	}
	return true
}

func (e *Engine) submitNew(ctx context.Context) error {
	pending := e.snapshot(queueNew)
	if len(pending) == 0 || !e.belowCaps() {
		return nil
	}

	e.core.UpdateResources(ctx)
	tasks := make([]model.Task, len(pending))
	for i, en := range pending {
		tasks[i] = en.task
	}
	sched := e.newScheduler(tasks, e.core.Resources())
	defer func() {
		if err := sched.Close(); err != nil {
			e.logger.Warn("failed to close scheduler", "error", err)
		}
	}()

	submitted := 0
	for e.belowCaps() {
		a, ok := sched.Next()
		if !ok {
			break
		}
		en := pending[a.TaskIndex]
		err := e.submitTo(ctx, en.task, a.Resource)
		e.settle(ctx, en)
		if err != nil {
			sched.ReportFailure(err)
			if model.IsFatal(err) {
				return fmt.Errorf("submit task %s: %w", en.task.ID(), err)
			}
			continue
		}
		sched.ReportSuccess(en.task.Execution().State)
		submitted++
	}
	if submitted > 0 {
		e.logger.Info("submission cycle finished", "submitted", submitted, "waiting", e.queues[queueNew].Len())
	}
	return nil
}

func (e *Engine) submitTo(ctx context.Context, task model.Task, name string) error {
	r, err := e.core.Resource(name)
	if err != nil {
		return err
	}
	if err := e.core.Submit(ctx, task, false, r); err != nil {
		return err
	}
	if task.Execution().State == model.StateNew {
		return fmt.Errorf("%w: task %s was not accepted by resource %s", model.ErrSubmit, task.ID(), name)
	}
	return nil
}

func (e *Engine) retrieveTerminating(ctx context.Context) error {
	opts := e.fetchOptions()
	for _, en := range e.snapshot(queueTerminating) {
		task := en.task
		err := e.core.FetchOutput(ctx, task, opts)
		if err != nil && errors.Is(err, model.ErrUnrecoverableDataStaging) {
			e.logger.Warn("giving up on output of task",
				"task_id", task.ID(), "error_class", model.ClassName(err), "error", err)
			exec := task.Execution()
			exec.SetReturnCode(model.SignalDataStagingFailure, model.ExitIOError)
			exec.SetInfo(fmt.Sprintf("Output could not be retrieved: %v", err))
			err = task.SetState(model.StateTerminated)
		}
		if err != nil {
			if !e.ignore("fetch_output", err) {
				e.settle(ctx, en)
				return fmt.Errorf("fetch output of task %s: %w", task.ID(), err)
			}
			e.logger.Warn("ignoring error while retrieving output",
				"task_id", task.ID(), "error_class", model.ClassName(err), "error", err)
		}
		if task.Execution().State == model.StateTerminated {
			if err := e.core.Free(ctx, task); err != nil {
				e.logger.Warn("failed to free task resources",
					"task_id", task.ID(), "error_class", model.ClassName(err), "error", err)
			}
		}
		e.settle(ctx, en)
	}
	return nil
}

func (e *Engine) fetchOptions() core.FetchOptions {
	return core.FetchOptions{Overwrite: e.retrieveOverwrites, ChangedOnly: e.retrieveChangedOnly}
}

func (e *Engine) ignore(operation string, err error, keywords ...string) bool {
	return e.core.Policy().Ignore(core.ErrorContext{Component: "engine", Operation: operation, Err: err, Keywords: keywords})
}

// settle persists a task after an operation, updates the tallies and moves
// it to the queue matching its new state.
func (e *Engine) settle(ctx context.Context, en *entry) {
	e.persist(ctx, en)
	e.reaccount(en)

	q := queueFor(en.state)
	if q == queueTerminated && e.forgetTerminated {
		e.drop(en)
		return
	}
	e.enqueue(en, q)
}

func (e *Engine) persist(ctx context.Context, en *entry) {
	if !en.task.Changed() {
		return
	}
	if e.store != nil {
		if err := e.store.Save(ctx, en.task); err != nil {
			e.logger.Error("failed to save task", "task_id", en.task.ID(), "error", err)
			return
		}
	}
	en.task.SetChanged(false)
}

// enqueue moves en to the back of queue q, unless it is already there.
func (e *Engine) enqueue(en *entry, q queueID) {
	if en.elem != nil {
		if en.queue == q {
			return
		}
		e.queues[en.queue].Remove(en.elem)
	}
	en.queue = q
	en.elem = e.queues[q].PushBack(en)
}

func (e *Engine) snapshot(q queueID) []*entry {
	out := make([]*entry, 0, e.queues[q].Len())
	for el := e.queues[q].Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry))
	}
	return out
}

func (e *Engine) counts(k model.Kind) *Counts {
	c, ok := e.tally[k]
	if !ok {
		c = &Counts{}
		e.tally[k] = c
	}
	return c
}

func (e *Engine) account(en *entry) {
	exec := en.task.Execution()
	en.state = exec.State
	en.succeeded = exec.Succeeded()
	e.counts(en.task.Kind()).add(en.state, en.succeeded, 1)
}

func (e *Engine) unaccount(en *entry) {
	e.counts(en.task.Kind()).add(en.state, en.succeeded, -1)
}

func (e *Engine) reaccount(en *entry) {
	prev := en.state
	e.unaccount(en)
	e.account(en)
	if en.state != prev {
		e.events.Publish(Event{
			TaskID:   en.task.ID(),
			Kind:     en.task.Kind(),
			State:    en.state,
			Previous: prev,
			Info:     en.task.Execution().Info,
			At:       time.Now().UTC(),
		})
	}
}

func (e *Engine) observe() {
	c := e.Counts()
	for _, s := range model.States {
		tasksGauge.WithLabelValues(string(s)).Set(float64(c.Of(s)))
	}
	for q, l := range e.queues {
		queueLengthGauge.WithLabelValues(queueID(q).String()).Set(float64(l.Len()))
	}
}
