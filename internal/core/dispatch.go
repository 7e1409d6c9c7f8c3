package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/model"
)

// dispatcher carries the arguments of one Core call down to the
// applications inside a task tree.
type dispatcher struct {
	c       *Core
	targets []backend.Resource
	opts    FetchOptions
}

var _ model.Dispatcher = (*dispatcher)(nil)

func (c *Core) dispatcher(targets []backend.Resource, opts FetchOptions) *dispatcher {
	return &dispatcher{c: c, targets: targets, opts: opts}
}

func (d *dispatcher) SubmitApplication(ctx context.Context, app *model.Application, resubmit bool) error {
	c := d.c
	exec := app.Execution()
	if resubmit {
		if err := app.SetState(model.StateNew); err != nil {
			return err
		}
	} else if exec.State != model.StateNew {
		return nil
	}

	if err := checkInputs(app); err != nil {
		return err
	}

	targets := d.targets
	if len(targets) == 0 {
		var err error
		if targets, err = c.brokerTargets(ctx, app); err != nil {
			return err
		}
	}

	var errs []error
	for _, r := range targets {
		exec.Stamp(model.StateNew)
		exec.SetInfo(fmt.Sprintf("Submitting to '%s'", r.Name()))
		if err := r.SubmitJob(ctx, app); err != nil {
			if errors.Is(err, model.ErrTryAgainLater) {
				submissionsTotal.WithLabelValues(r.Name(), outcomeDelayed).Inc()
				c.logger.Info("submission delayed", "task_id", app.ID(), "resource", r.Name(), "error", err)
				return err
			}
			submissionsTotal.WithLabelValues(r.Name(), outcomeFailed).Inc()
			c.logger.Info("submission failed",
				"task_id", app.ID(), "resource", r.Name(), "error_class", model.ClassName(err), "error", err)
			errs = append(errs, fmt.Errorf("resource %s: %w", r.Name(), err))
			continue
		}

		submissionsTotal.WithLabelValues(r.Name(), outcomeOK).Inc()
		c.logger.Info("submitted task", "task_id", app.ID(), "resource", r.Name(), "job_id", exec.JobID)
		exec.ResourceName = r.Name()
		exec.SetInfo(fmt.Sprintf("Submitted to '%s'", r.Name()))
		return app.SetState(model.StateSubmitted)
	}

	if err := app.SubmitErrorHook(errs); err != nil {
		exec.SetInfo(fmt.Sprintf("Submission failed: %v", err))
		return err
	}
	return nil
}

// brokerTargets selects and orders the resources to try for app.
func (c *Core) brokerTargets(ctx context.Context, app *model.Application) ([]backend.Resource, error) {
	enabled := c.enabledResources()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("%w: no enabled resources", model.ErrNoResources)
	}
	compatible := c.matchmaker.Filter(app, enabled)
	if len(compatible) == 0 {
		return nil, fmt.Errorf("%w: no resource can accommodate the requirements of task %s", model.ErrNoResources, app.ID())
	}
	if len(compatible) == 1 {
		return compatible, nil
	}

	c.UpdateResources(ctx, compatible...)
	var updated []backend.Resource
	for _, r := range compatible {
		if r.Updated() {
			updated = append(updated, r)
		}
	}
	if len(updated) == 0 {
		return nil, fmt.Errorf("%w: no resource reachable during update, aborting submission of task %s", model.ErrSubmit, app.ID())
	}
	return c.matchmaker.Rank(app, updated), nil
}

// checkInputs verifies that every local input file exists.
func checkInputs(app *model.Application) error {
	for src := range app.Inputs {
		p := src
		if u, err := url.Parse(src); err == nil && u.Scheme != "" {
			if u.Scheme != "file" {
				continue
			}
			p = u.Path
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: input file %q of task %s: %v", model.ErrUnrecoverableDataStaging, p, app.ID(), err)
		}
	}
	return nil
}

func (d *dispatcher) UpdateApplication(ctx context.Context, app *model.Application) error {
	c := d.c
	exec := app.Execution()
	switch exec.State {
	case model.StateNew, model.StateTerminating, model.StateTerminated:
		return nil
	}
	old := exec.State

	r, err := c.Resource(exec.ResourceName)
	if err != nil {
		c.logger.Warn("task bound to unknown resource, marking it terminated",
			"task_id", app.ID(), "resource", exec.ResourceName)
		exec.SetInfo(fmt.Sprintf("Resource '%s' is no longer available", exec.ResourceName))
		return app.SetState(model.StateTerminated)
	}

	state, err := r.UpdateJobState(ctx, app)
	if err != nil {
		if !errors.Is(err, model.ErrUnknownJob) && !model.IsFatal(err) {
			c.logger.Debug("error updating job state",
				"task_id", app.ID(), "resource", r.Name(), "error_class", model.ClassName(err), "error", err)
			state = model.StateUnknown
			err = app.UpdateStateErrorHook(err)
		}
		if err != nil {
			if errors.Is(err, model.ErrUnknownJob) {
				c.logger.Warn("job lost by resource", "task_id", app.ID(), "resource", r.Name(), "job_id", exec.JobID)
				exec.SetReturnCode(model.SignalLost, -1)
				exec.SetInfo(fmt.Sprintf("Job '%s' lost by resource '%s'", exec.JobID, r.Name()))
				return app.SetState(model.StateTerminated)
			}
			return err
		}
	}

	if state == old {
		return nil
	}
	app.SetChanged(true)
	if state == model.StateTerminating {
		if rc, ok := exec.ReturnCode(); ok && rc != 0 {
			if exec.Signal != model.SignalNone {
				exec.SetInfo(fmt.Sprintf("Abnormal termination: %s", exec.Signal))
			} else {
				exec.SetInfo(fmt.Sprintf("Remote job exited with code %d", *exec.ExitCode))
			}
		}
	}
	if state != model.StateUnknown || c.updateOnError {
		return app.SetState(state)
	}
	return nil
}

func (d *dispatcher) FetchApplicationOutput(ctx context.Context, app *model.Application, dir string) error {
	c := d.c
	exec := app.Execution()
	switch exec.State {
	case model.StateNew, model.StateSubmitted:
		return fmt.Errorf("%w: task %s is in state %s", model.ErrOutputNotAvailable, app.ID(), exec.State)
	}

	if dir == "" {
		dir = app.OutputDir
	}
	if dir != "" {
		var err error
		if d.opts.Overwrite {
			err = os.MkdirAll(dir, 0o755)
		} else {
			err = mkdirWithBackup(dir)
		}
		if err != nil {
			return fmt.Errorf("%w: prepare download directory %s: %v", model.ErrRecoverableDataStaging, dir, err)
		}
	}

	r, err := c.Resource(exec.ResourceName)
	if err != nil {
		if herr := app.FetchOutputErrorHook(err); herr != nil {
			exec.SetInfo(fmt.Sprintf("No output could be retrieved: %v", herr))
			return herr
		}
	} else if err := r.GetResults(ctx, app, dir, backend.ResultOptions{Overwrite: d.opts.Overwrite, ChangedOnly: d.opts.ChangedOnly}); err != nil {
		if errors.Is(err, model.ErrRecoverable) {
			c.logger.Info("temporary failure retrieving output", "task_id", app.ID(), "resource", r.Name(), "error", err)
			exec.SetInfo(fmt.Sprintf("Temporary failure when retrieving results: %v. Ignoring error, try again.", err))
			return nil
		}
		if errors.Is(err, model.ErrUnrecoverableDataStaging) {
			exec.Signal = model.SignalDataStagingFailure
		}
		if herr := app.FetchOutputErrorHook(err); herr != nil {
			exec.SetInfo(fmt.Sprintf("No output could be retrieved: %v", herr))
			return herr
		}
	} else if exec.Signal == model.SignalDataStagingFailure {
		exec.Signal = model.SignalNone
	}

	if dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		app.OutputDir = dir
	}
	app.SetChanged(true)
	if exec.State == model.StateTerminating {
		c.logger.Debug("final output retrieved", "task_id", app.ID(), "output_dir", app.OutputDir)
		return app.SetState(model.StateTerminated)
	}
	return nil
}

// mkdirWithBackup creates dir, first renaming any existing entry at that
// path to the first free "dir.N".
func mkdirWithBackup(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		for n := 1; ; n++ {
			backup := fmt.Sprintf("%s.%d", dir, n)
			_, err := os.Stat(backup)
			if err == nil {
				continue
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.Rename(dir, backup); err != nil {
				return err
			}
			break
		}
	}
	return os.MkdirAll(dir, 0o755)
}

func (d *dispatcher) KillApplication(ctx context.Context, app *model.Application) error {
	c := d.c
	exec := app.Execution()
	if exec.State == model.StateTerminated {
		return nil
	}

	switch {
	case exec.ResourceName == "":
		if exec.State != model.StateNew {
			return fmt.Errorf("%w: task %s in state %s has no resource binding", model.ErrInternal, app.ID(), exec.State)
		}
	default:
		r, err := c.Resource(exec.ResourceName)
		if err != nil {
			c.logger.Warn("killing task bound to unknown resource", "task_id", app.ID(), "resource", exec.ResourceName)
			break
		}
		if err := r.CancelJob(ctx, app); err != nil {
			c.logger.Warn("failed to cancel remote job",
				"task_id", app.ID(), "resource", r.Name(), "error_class", model.ClassName(err), "error", err)
		}
	}

	exec.SetReturnCode(model.SignalCancelled, -1)
	exec.SetInfo("Cancelled")
	if err := app.SetState(model.StateTerminated); err != nil {
		if c.policy.Ignore(ErrorContext{Component: "core", Operation: "kill", Err: err, Keywords: []string{"state"}}) {
			c.logger.Warn("ignoring error while terminating killed task", "task_id", app.ID(), "error", err)
			return nil
		}
		return err
	}
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (d *dispatcher) PeekApplication(ctx context.Context, app *model.Application, what model.Stream, offset, size int64) (io.ReadCloser, error) {
	if what != model.Stdout && what != model.Stderr {
		return nil, fmt.Errorf("%w: unknown stream %q", model.ErrInvalidOperation, what)
	}
	exec := app.Execution()

	if exec.State == model.StateTerminated {
		p := filepath.Join(app.OutputDir, app.StreamFile(what))
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", model.ErrOutputNotAvailable, p, err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", p, err)
		}
		var r io.Reader = f
		if size > 0 {
			r = io.LimitReader(f, size)
		}
		return readCloser{Reader: r, Closer: f}, nil
	}

	r, err := d.c.Resource(exec.ResourceName)
	if err != nil {
		return nil, err
	}
	return r.Peek(ctx, app, what, offset, size)
}

func (d *dispatcher) FreeApplication(ctx context.Context, app *model.Application) error {
	exec := app.Execution()
	switch exec.State {
	case model.StateTerminating, model.StateTerminated:
	default:
		return fmt.Errorf("%w: cannot free task %s in state %s", model.ErrInvalidOperation, app.ID(), exec.State)
	}
	if exec.ResourceName == "" {
		return nil
	}
	r, err := d.c.Resource(exec.ResourceName)
	if err != nil {
		return err
	}
	return r.Free(ctx, app)
}
