package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// collection holds the parts shared by parallel and sequential collections.
type collection struct {
	Base

	Name      string
	OutputDir string
	Children  []Task
}

// Changed reports whether the collection or any child is dirty.
func (c *collection) Changed() bool {
	if c.Base.Changed() {
		return true
	}
	for _, t := range c.Children {
		if t.Changed() {
			return true
		}
	}
	return false
}

// SetChanged sets the dirty flag. Clearing it also clears the children's,
// since they are persisted together with the collection.
func (c *collection) SetChanged(v bool) {
	c.Base.SetChanged(v)
	if v {
		return
	}
	for _, t := range c.Children {
		t.SetChanged(false)
	}
}

// Add appends a child task.
func (c *collection) Add(t Task) {
	c.Children = append(c.Children, t)
	c.Base.SetChanged(true)
}

// Peek is not defined on collections.
func (c *collection) Peek(context.Context, Dispatcher, Stream, int64, int64) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: cannot peek into task collection %s", ErrInvalidOperation, c.ID())
}

// Free releases the remote resources of every finished child.
func (c *collection) Free(ctx context.Context, d Dispatcher) error {
	var result *multierror.Error
	for _, t := range c.Children {
		switch t.Execution().State {
		case StateTerminating, StateTerminated:
			if err := t.Free(ctx, d); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func (c *collection) childDir(base string, t Task) string {
	if base == "" {
		base = c.OutputDir
	}
	if base == "" {
		return ""
	}
	return filepath.Join(base, t.ID())
}

// fetchChildren retrieves the output of every TERMINATING child and reports
// whether all children are TERMINATED afterwards.
func (c *collection) fetchChildren(ctx context.Context, d Dispatcher, dir string) (bool, error) {
	var result *multierror.Error
	for _, t := range c.Children {
		if t.Execution().State != StateTerminating {
			continue
		}
		if err := t.FetchOutput(ctx, d, c.childDir(dir, t)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, t := range c.Children {
		if t.Execution().State != StateTerminated {
			return false, result.ErrorOrNil()
		}
	}
	return true, result.ErrorOrNil()
}

// updateChildren refreshes every child that is neither NEW nor TERMINATED.
func (c *collection) updateChildren(ctx context.Context, d Dispatcher) error {
	var result *multierror.Error
	for _, t := range c.Children {
		switch t.Execution().State {
		case StateNew, StateTerminated:
			continue
		}
		if err := t.UpdateState(ctx, d); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// cancel forces the collection to TERMINATED with a Cancelled return code.
func (c *collection) cancel() error {
	c.exec.SetReturnCode(SignalCancelled, -1)
	c.exec.SetInfo("Cancelled")
	return c.SetState(StateTerminated)
}

// ParallelCollection runs all of its children concurrently.
type ParallelCollection struct {
	collection
}

var _ Task = (*ParallelCollection)(nil)

// NewParallelCollection creates a parallel collection in state NEW.
func NewParallelCollection(name string, children ...Task) *ParallelCollection {
	return &ParallelCollection{collection{Base: newBase(), Name: name, Children: children}}
}

// Kind implements Task.
func (p *ParallelCollection) Kind() Kind { return KindParallel }

// derivedState computes the collection state from its children.
func (p *ParallelCollection) derivedState() State {
	counts := make(map[State]int)
	for _, t := range p.Children {
		counts[t.Execution().State]++
	}
	for _, s := range []State{StateStopped, StateUnknown, StateRunning, StateSubmitted} {
		if counts[s] > 0 {
			return s
		}
	}
	if counts[StateNew] > 0 {
		return StateRunning
	}
	if counts[StateTerminating] > 0 {
		return StateTerminating
	}
	return StateTerminated
}

func (p *ParallelCollection) setDerivedState() error {
	s := p.derivedState()
	if s == StateTerminated && p.exec.State != StateTerminated {
		p.setTerminatedReturnCode()
	}
	return p.SetState(s)
}

func (p *ParallelCollection) setTerminatedReturnCode() {
	exit := 0
	for _, t := range p.Children {
		if rc, ok := t.Execution().ReturnCode(); !ok || rc != 0 {
			exit = ExitSoftware
		}
	}
	p.exec.SetExitCode(exit)
}

// Submit submits every child. Submission stops at the first capacity error
// once at least one child was submitted; if none was, the error is returned
// and the collection stays NEW.
func (p *ParallelCollection) Submit(ctx context.Context, d Dispatcher, resubmit bool) error {
	if resubmit && p.exec.State != StateNew {
		if err := p.SetState(StateNew); err != nil {
			return err
		}
	}
	if len(p.Children) == 0 {
		p.setTerminatedReturnCode()
		return p.SetState(StateTerminated)
	}

	var result *multierror.Error
	submitted := 0
	for _, t := range p.Children {
		if !resubmit && t.Execution().State != StateNew {
			continue
		}
		err := t.Submit(ctx, d, resubmit)
		if t.Execution().State != StateNew {
			submitted++
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTryAgainLater) || errors.Is(err, ErrMaximumCapacityReached) {
			if submitted > 0 {
				break
			}
			return err
		}
		result = multierror.Append(result, err)
	}

	if submitted == 0 {
		return result.ErrorOrNil()
	}
	if err := p.setDerivedState(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// UpdateState refreshes the children, submits any that are still NEW and
// recomputes the collection state.
func (p *ParallelCollection) UpdateState(ctx context.Context, d Dispatcher) error {
	var result *multierror.Error
	if err := p.updateChildren(ctx, d); err != nil {
		result = multierror.Append(result, err)
	}
	for _, t := range p.Children {
		if t.Execution().State != StateNew {
			continue
		}
		if err := t.Submit(ctx, d, false); err != nil {
			if errors.Is(err, ErrTryAgainLater) || errors.Is(err, ErrMaximumCapacityReached) {
				break
			}
			result = multierror.Append(result, err)
		}
	}
	if err := p.setDerivedState(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// FetchOutput retrieves the output of TERMINATING children into per-child
// subdirectories of dir (or of the collection's OutputDir).
func (p *ParallelCollection) FetchOutput(ctx context.Context, d Dispatcher, dir string) error {
	done, err := p.fetchChildren(ctx, d, dir)
	if done && p.exec.State != StateTerminated {
		p.setTerminatedReturnCode()
		if serr := p.SetState(StateTerminated); serr != nil {
			return multierror.Append(err, serr).ErrorOrNil()
		}
	}
	return err
}

// Kill kills every child and terminates the collection as cancelled.
func (p *ParallelCollection) Kill(ctx context.Context, d Dispatcher) error {
	if p.exec.State == StateTerminated {
		return nil
	}
	var result *multierror.Error
	for _, t := range p.Children {
		if err := t.Kill(ctx, d); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := p.cancel(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Redo resets every child and then the collection itself.
func (p *ParallelCollection) Redo() error {
	for _, t := range p.Children {
		if err := t.Redo(); err != nil {
			return err
		}
	}
	return p.Base.Redo()
}

// SequentialCollection runs its children one at a time, in order.
type SequentialCollection struct {
	collection

	// Current is the index of the running child, or -1 before the first
	// submission.
	Current int

	// Next decides what happens after child done terminates. Returning
	// RUNNING advances to the next child; TERMINATED or STOPPED ends or
	// pauses the sequence. When unset, the sequence runs every child.
	Next func(done int) State
}

var _ Task = (*SequentialCollection)(nil)

// NewSequentialCollection creates a sequential collection in state NEW.
func NewSequentialCollection(name string, children ...Task) *SequentialCollection {
	return &SequentialCollection{
		collection: collection{Base: newBase(), Name: name, Children: children},
		Current:    -1,
	}
}

// Kind implements Task.
func (s *SequentialCollection) Kind() Kind { return KindSequential }

// Stage returns the child currently executing, or nil.
func (s *SequentialCollection) Stage() Task {
	if s.Current < 0 || s.Current >= len(s.Children) {
		return nil
	}
	return s.Children[s.Current]
}

func (s *SequentialCollection) next(done int) State {
	if s.Next != nil {
		return s.Next(done)
	}
	if done == len(s.Children)-1 {
		return StateTerminated
	}
	return StateRunning
}

func (s *SequentialCollection) setTerminatedReturnCode() {
	if len(s.Children) == 0 {
		s.exec.SetExitCode(0)
		return
	}
	var exit *int
	for _, t := range s.Children {
		e := t.Execution().ExitCode
		if e != nil && (exit == nil || *e > *exit) {
			v := *e
			exit = &v
		}
	}
	if exit == nil {
		s.exec.ClearReturnCode()
		return
	}
	s.exec.SetExitCode(*exit)
}

// Submit submits the current child.
func (s *SequentialCollection) Submit(ctx context.Context, d Dispatcher, resubmit bool) error {
	if len(s.Children) == 0 {
		s.setTerminatedReturnCode()
		return s.SetState(StateTerminated)
	}
	if s.Current < 0 {
		s.Current = 0
	}
	t := s.Children[s.Current]
	err := t.Submit(ctx, d, resubmit)

	var serr error
	switch t.Execution().State {
	case StateNew:
		serr = s.SetState(StateNew)
	case StateSubmitted:
		serr = s.SetState(StateSubmitted)
	default:
		serr = s.SetState(StateRunning)
	}
	s.Base.SetChanged(true)
	if err != nil {
		return err
	}
	return serr
}

// UpdateState refreshes the current child and advances the sequence when it
// has terminated.
func (s *SequentialCollection) UpdateState(ctx context.Context, d Dispatcher) error {
	t := s.Stage()
	if t == nil {
		return nil
	}

	switch t.Execution().State {
	case StateNew, StateTerminated:
	default:
		if err := t.UpdateState(ctx, d); err != nil {
			return err
		}
	}
	if t.Execution().State == StateTerminating {
		if err := t.FetchOutput(ctx, d, s.childDir("", t)); err != nil {
			return err
		}
	}

	state := t.Execution().State
	switch {
	case s.Current == 0 && (state == StateNew || state == StateSubmitted):
		if s.exec.State == StateNew {
			return s.SetState(state)
		}
		return nil

	case state == StateTerminated:
		nxt := s.next(s.Current)
		switch nxt {
		case StateTerminated:
			s.setTerminatedReturnCode()
			return s.SetState(StateTerminated)
		case StateStopped, StateTerminating:
			return s.SetState(nxt)
		}
		if s.Current+1 >= len(s.Children) {
			return fmt.Errorf("%w: sequence %s has no stage after %d", ErrInternal, s.ID(), s.Current)
		}
		s.Current++
		child := s.Children[s.Current]
		err := child.Submit(ctx, d, child.Execution().State != StateNew)
		s.Base.SetChanged(true)
		if serr := s.SetState(StateRunning); serr != nil && err == nil {
			err = serr
		}
		return err

	case state == StateStopped:
		return s.SetState(StateStopped)

	default:
		return s.SetState(StateRunning)
	}
}

// FetchOutput retrieves the output of TERMINATING children.
func (s *SequentialCollection) FetchOutput(ctx context.Context, d Dispatcher, dir string) error {
	done, err := s.fetchChildren(ctx, d, dir)
	if done && s.exec.State != StateTerminated {
		s.setTerminatedReturnCode()
		if serr := s.SetState(StateTerminated); serr != nil {
			return multierror.Append(err, serr).ErrorOrNil()
		}
	}
	return err
}

// Kill kills the current child, cancels every child that has not run yet and
// terminates the collection as cancelled.
func (s *SequentialCollection) Kill(ctx context.Context, d Dispatcher) error {
	if s.exec.State == StateTerminated {
		return nil
	}
	var result *multierror.Error
	first := 0
	if t := s.Stage(); t != nil {
		if err := t.Kill(ctx, d); err != nil {
			result = multierror.Append(result, err)
		}
		first = s.Current + 1
	}
	for _, t := range s.Children[first:] {
		if t.Execution().State == StateTerminated {
			continue
		}
		t.Execution().SetReturnCode(SignalCancelled, -1)
		if err := t.SetState(StateTerminated); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.cancel(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Redo rewinds the whole sequence.
func (s *SequentialCollection) Redo() error {
	return s.RedoFrom(0)
}

// RedoFrom rewinds the sequence to stage and resets the collection to NEW.
// Children before stage keep their results; those from stage on must be in
// a redoable state.
func (s *SequentialCollection) RedoFrom(stage int) error {
	if len(s.Children) == 0 {
		return s.Base.Redo()
	}
	if stage < 0 || stage >= len(s.Children) {
		return fmt.Errorf("%w: sequence %s has %d stages, cannot redo from %d",
			ErrInvalidOperation, s.ID(), len(s.Children), stage)
	}
	for _, t := range s.Children[stage:] {
		if err := t.Redo(); err != nil {
			return err
		}
	}
	if err := s.Base.Redo(); err != nil {
		return err
	}
	if stage == 0 {
		s.Current = -1
	} else {
		s.Current = stage
	}
	return nil
}
