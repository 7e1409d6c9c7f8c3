package model

import (
	"context"
	"fmt"
	"io"
)

// Kind identifies the concrete variant of a task.
type Kind string

// Task kinds.
const (
	KindApplication Kind = "application"
	KindParallel    Kind = "parallel"
	KindSequential  Kind = "sequential"
)

// Stream names a captured output stream of an application.
type Stream string

// Output streams.
const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Task is a unit of work managed by the broker and the engine.
//
// The operation methods receive a Dispatcher and delegate to it; a single
// application forwards itself, while a collection fans out over its
// children. Callers never need to know which variant they hold.
type Task interface {
	ID() string
	Kind() Kind
	Execution() *Execution
	Changed() bool
	SetChanged(bool)

	// SetState moves the task to a new state, firing the matching state hook.
	SetState(State) error

	// Redo resets a task that is in a redoable state back to NEW.
	Redo() error

	Submit(ctx context.Context, d Dispatcher, resubmit bool) error
	UpdateState(ctx context.Context, d Dispatcher) error
	FetchOutput(ctx context.Context, d Dispatcher, dir string) error
	Kill(ctx context.Context, d Dispatcher) error
	Peek(ctx context.Context, d Dispatcher, what Stream, offset, size int64) (io.ReadCloser, error)
	Free(ctx context.Context, d Dispatcher) error
}

// Dispatcher performs the application-level work behind each Task operation.
type Dispatcher interface {
	SubmitApplication(ctx context.Context, app *Application, resubmit bool) error
	UpdateApplication(ctx context.Context, app *Application) error
	FetchApplicationOutput(ctx context.Context, app *Application, dir string) error
	KillApplication(ctx context.Context, app *Application) error
	PeekApplication(ctx context.Context, app *Application, what Stream, offset, size int64) (io.ReadCloser, error)
	FreeApplication(ctx context.Context, app *Application) error
}

// Hooks are optional callbacks attached to a task.
type Hooks struct {
	// OnState is invoked after the task enters the keyed state.
	OnState map[State]func() error

	// SubmitError receives the per-target errors after every submission
	// target failed. Returning nil swallows the failure. When unset, the
	// first error is returned.
	SubmitError func(errs []error) error

	// UpdateStateError may escalate a backend error seen while refreshing
	// state. When unset, the error is not escalated.
	UpdateStateError func(err error) error

	// FetchOutputError receives retrieval errors. Returning nil swallows the
	// error. When unset, the error is returned.
	FetchOutputError func(err error) error
}

// Base holds the identity and run-time record shared by every task variant.
type Base struct {
	id      string
	exec    Execution
	changed bool

	Hooks Hooks `json:"-"`
}

func newBase() Base {
	return Base{id: NewID(), exec: NewExecution(), changed: true}
}

// ID returns the task identifier.
func (b *Base) ID() string { return b.id }

// Execution returns the task's mutable run-time record.
func (b *Base) Execution() *Execution { return &b.exec }

// Changed reports whether the task was modified since it was last persisted.
func (b *Base) Changed() bool { return b.changed }

// SetChanged sets the dirty flag.
func (b *Base) SetChanged(v bool) { b.changed = v }

// SetState moves the task to state to. Entering the current state again is a
// no-op; entering a new one stamps the time, marks the task changed and runs
// the state hook, whose error is returned after the transition took effect.
func (b *Base) SetState(to State) error {
	from := b.exec.State
	if from == to {
		return nil
	}
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: cannot move task %s from %s to %s", ErrInvalidOperation, b.id, from, to)
	}
	b.exec.State = to
	b.exec.Stamp(to)
	b.changed = true

	if h := b.Hooks.OnState[to]; h != nil {
		if err := h(); err != nil {
			return fmt.Errorf("%s hook for task %s: %w", to, b.id, err)
		}
	}
	return nil
}

// Redo resets the task to NEW.
func (b *Base) Redo() error {
	if !redoable[b.exec.State] {
		return fmt.Errorf("%w: task %s in state %s cannot be redone", ErrInvalidOperation, b.id, b.exec.State)
	}
	b.exec.ClearReturnCode()
	return b.SetState(StateNew)
}

// SubmitErrorHook applies the submit-error hook to errs.
func (b *Base) SubmitErrorHook(errs []error) error {
	if b.Hooks.SubmitError != nil {
		return b.Hooks.SubmitError(errs)
	}
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// UpdateStateErrorHook applies the update-state error hook to err.
func (b *Base) UpdateStateErrorHook(err error) error {
	if b.Hooks.UpdateStateError != nil {
		return b.Hooks.UpdateStateError(err)
	}
	return nil
}

// FetchOutputErrorHook applies the fetch-output error hook to err.
func (b *Base) FetchOutputErrorHook(err error) error {
	if b.Hooks.FetchOutputError != nil {
		return b.Hooks.FetchOutputError(err)
	}
	return err
}
