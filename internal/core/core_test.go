package core_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/core"
	"github.com/seantiz/taskgrid/internal/model"
)

// fakeResource is a scriptable Resource for broker tests.
type fakeResource struct {
	backend.Base

	submitErr  error
	state      model.State
	updateErr  error
	resultsErr error
	cancelErr  error
	statusErr  error

	submitted int
	cancelled int
	freed     int
}

func newFake(name string) *fakeResource {
	return &fakeResource{
		Base:  backend.NewBase(backend.Descriptor{Name: name, Type: "fake", Enabled: true, MaxCores: 4}),
		state: model.StateRunning,
	}
}

func (f *fakeResource) Status() model.ResourceStatus { return f.StaticStatus() }

func (f *fakeResource) SubmitJob(_ context.Context, app *model.Application) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted++
	app.Execution().JobID = f.Name() + "-job"
	return nil
}

func (f *fakeResource) UpdateJobState(context.Context, *model.Application) (model.State, error) {
	return f.state, f.updateErr
}

func (f *fakeResource) GetResults(_ context.Context, app *model.Application, dir string, _ backend.ResultOptions) error {
	if f.resultsErr != nil {
		return f.resultsErr
	}
	if dir != "" {
		return os.WriteFile(filepath.Join(dir, app.Stdout), []byte("hello from "+f.Name()+"\n"), 0o644)
	}
	return nil
}

func (f *fakeResource) CancelJob(context.Context, *model.Application) error {
	f.cancelled++
	return f.cancelErr
}

func (f *fakeResource) Peek(context.Context, *model.Application, model.Stream, int64, int64) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeResource) GetResourceStatus(context.Context) error { return f.statusErr }

func (f *fakeResource) Free(context.Context, *model.Application) error {
	f.freed++
	return nil
}

func (f *fakeResource) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestCore(t *testing.T, opts []core.Option, resources ...*fakeResource) *core.Core {
	t.Helper()
	rs := make([]backend.Resource, len(resources))
	for i, r := range resources {
		rs[i] = r
	}
	c, err := core.New(rs, discardLogger(), opts...)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	return c
}

// running returns a task already bound to resource r in state RUNNING.
func running(t *testing.T, c *core.Core, r *fakeResource) *model.Application {
	t.Helper()
	app := model.NewApplication("job")
	if err := c.Submit(context.Background(), app, false, r); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := c.UpdateJobState(context.Background(), app); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}
	return app
}

func TestNewRequiresResources(t *testing.T) {
	if _, err := core.New(nil, discardLogger()); !errors.Is(err, model.ErrNoResources) {
		t.Errorf("err = %v, want ErrNoResources", err)
	}
	a, b := newFake("dup"), newFake("dup")
	if _, err := core.New([]backend.Resource{a, b}, discardLogger()); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestSubmitTriesTargetsInOrder(t *testing.T) {
	ctx := context.Background()
	bad, good := newFake("bad"), newFake("good")
	bad.submitErr = errors.New("connection refused")
	c := newTestCore(t, nil, bad, good)

	hooked := false
	app := model.NewApplication("job")
	app.Hooks.OnState = map[model.State]func() error{
		model.StateSubmitted: func() error { hooked = true; return nil },
	}
	if err := c.Submit(ctx, app, false, bad, good); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	exec := app.Execution()
	if exec.State != model.StateSubmitted || exec.ResourceName != "good" {
		t.Errorf("state=%s resource=%q", exec.State, exec.ResourceName)
	}
	if exec.Info != "Submitted to 'good'" {
		t.Errorf("info = %q", exec.Info)
	}
	if !hooked || !app.Changed() {
		t.Error("submitted hook not fired or task not marked changed")
	}
}

func TestSubmitTryAgainLaterAborts(t *testing.T) {
	busy, idle := newFake("busy"), newFake("idle")
	busy.submitErr = model.ErrTryAgainLater
	c := newTestCore(t, nil, busy, idle)

	app := model.NewApplication("job")
	err := c.Submit(context.Background(), app, false, busy, idle)
	if !errors.Is(err, model.ErrTryAgainLater) {
		t.Fatalf("err = %v, want ErrTryAgainLater", err)
	}
	if idle.submitted != 0 {
		t.Error("later targets must not be tried after TryAgainLater")
	}
	if app.Execution().State != model.StateNew || app.Execution().ResourceName != "" {
		t.Errorf("task changed: %+v", app.Execution())
	}
}

func TestSubmitAllTargetsFail(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	errA, errB := errors.New("a down"), errors.New("b down")
	a.submitErr, b.submitErr = errA, errB
	c := newTestCore(t, nil, a, b)

	t.Run("default hook returns first error", func(t *testing.T) {
		app := model.NewApplication("job")
		err := c.Submit(context.Background(), app, false)
		if !errors.Is(err, errA) {
			t.Fatalf("err = %v, want first error", err)
		}
		if app.Execution().State != model.StateNew {
			t.Errorf("state = %s, want NEW", app.Execution().State)
		}
	})

	t.Run("hook swallows", func(t *testing.T) {
		app := model.NewApplication("job")
		var seen []error
		app.Hooks.SubmitError = func(errs []error) error { seen = errs; return nil }
		if err := c.Submit(context.Background(), app, false); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if len(seen) != 2 || !errors.Is(seen[1], errB) {
			t.Errorf("hook saw %v", seen)
		}
	})
}

func TestSubmitBrokering(t *testing.T) {
	ctx := context.Background()

	t.Run("no enabled resources", func(t *testing.T) {
		r := newFake("off")
		r.SetEnabled(false)
		c := newTestCore(t, nil, r)
		if err := c.Submit(ctx, model.NewApplication("job"), false); !errors.Is(err, model.ErrNoResources) {
			t.Errorf("err = %v, want ErrNoResources", err)
		}
	})

	t.Run("nothing compatible", func(t *testing.T) {
		r := newFake("small")
		r.Base = backend.NewBase(backend.Descriptor{Name: "small", Type: "fake", Enabled: true, MaxCores: 4, MaxCoresPerJob: 2})
		c := newTestCore(t, nil, r)
		app := model.NewApplication("job")
		app.Requested.Cores = 64
		if err := c.Submit(ctx, app, false); !errors.Is(err, model.ErrNoResources) {
			t.Errorf("err = %v, want ErrNoResources", err)
		}
	})

	t.Run("unreachable during update", func(t *testing.T) {
		a, b := newFake("a"), newFake("b")
		a.statusErr = errors.New("timeout")
		b.statusErr = errors.New("timeout")
		c := newTestCore(t, nil, a, b)
		err := c.Submit(ctx, model.NewApplication("job"), false)
		if !errors.Is(err, model.ErrSubmit) {
			t.Errorf("err = %v, want ErrSubmit", err)
		}
	})

	t.Run("skips resources that failed to update", func(t *testing.T) {
		a, b := newFake("a"), newFake("b")
		a.statusErr = errors.New("timeout")
		c := newTestCore(t, nil, a, b)
		app := model.NewApplication("job")
		if err := c.Submit(ctx, app, false); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if app.Execution().ResourceName != "b" {
			t.Errorf("resource = %q, want b", app.Execution().ResourceName)
		}
	})
}

func TestSubmitMissingInputFile(t *testing.T) {
	c := newTestCore(t, nil, newFake("r"))
	app := model.NewApplication("job")
	app.Inputs = map[string]string{filepath.Join(t.TempDir(), "missing.dat"): "in.dat"}
	if err := c.Submit(context.Background(), app, false); !errors.Is(err, model.ErrUnrecoverableDataStaging) {
		t.Errorf("err = %v, want ErrUnrecoverableDataStaging", err)
	}
}

func TestSubmitSkipsNonNewUnlessResubmit(t *testing.T) {
	ctx := context.Background()
	r := newFake("r")
	c := newTestCore(t, nil, r)
	app := running(t, c, r)

	if err := c.Submit(ctx, app, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.submitted != 1 {
		t.Fatalf("non-NEW task was resubmitted")
	}
	if err := c.Submit(ctx, app, true); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if r.submitted != 2 || app.Execution().State != model.StateSubmitted {
		t.Errorf("resubmit: submitted=%d state=%s", r.submitted, app.Execution().State)
	}
}

func TestUpdateJobState(t *testing.T) {
	ctx := context.Background()

	t.Run("applies observed state", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		app := running(t, c, r)
		if app.Execution().State != model.StateRunning {
			t.Errorf("state = %s, want RUNNING", app.Execution().State)
		}
	})

	t.Run("non-zero exit explained", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		app := running(t, c, r)
		r.state = model.StateTerminating
		app.Execution().SetExitCode(2)
		if err := c.UpdateJobState(ctx, app); err != nil {
			t.Fatalf("UpdateJobState: %v", err)
		}
		if app.Execution().Info != "Remote job exited with code 2" {
			t.Errorf("info = %q", app.Execution().Info)
		}
	})

	t.Run("unknown job is lost", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		app := running(t, c, r)
		r.updateErr = model.ErrUnknownJob
		if err := c.UpdateJobState(ctx, app); err != nil {
			t.Fatalf("UpdateJobState: %v", err)
		}
		exec := app.Execution()
		if exec.State != model.StateTerminated || exec.Signal != model.SignalLost {
			t.Errorf("state=%s signal=%v", exec.State, exec.Signal)
		}
	})

	t.Run("backend error leaves state", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		app := running(t, c, r)
		r.updateErr = errors.New("flaky")
		if err := c.UpdateJobState(ctx, app); err != nil {
			t.Fatalf("UpdateJobState: %v", err)
		}
		if app.Execution().State != model.StateRunning {
			t.Errorf("state = %s, want RUNNING", app.Execution().State)
		}
	})

	t.Run("backend error with update on error", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, []core.Option{core.WithUpdateOnError(true)}, r)
		app := running(t, c, r)
		r.updateErr = errors.New("flaky")
		if err := c.UpdateJobState(ctx, app); err != nil {
			t.Fatalf("UpdateJobState: %v", err)
		}
		if app.Execution().State != model.StateUnknown {
			t.Errorf("state = %s, want UNKNOWN", app.Execution().State)
		}
	})

	t.Run("escalated error follows policy", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, []core.Option{core.WithErrorPolicy(core.NewKeywordPolicy("update"))}, r)
		app := running(t, c, r)
		flaky := errors.New("flaky")
		r.updateErr = flaky
		app.Hooks.UpdateStateError = func(err error) error { return err }
		if err := c.UpdateJobState(ctx, app); !errors.Is(err, flaky) {
			t.Errorf("err = %v, want escalated error", err)
		}
	})

	t.Run("configuration errors propagate", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		app := running(t, c, r)
		r.updateErr = model.ErrConfiguration
		if err := c.UpdateJobState(ctx, app); !errors.Is(err, model.ErrConfiguration) {
			t.Errorf("err = %v, want ErrConfiguration", err)
		}
	})

	t.Run("skips NEW and TERMINATED", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		r.updateErr = model.ErrConfiguration
		app := model.NewApplication("job")
		if err := c.UpdateJobState(ctx, app); err != nil {
			t.Errorf("NEW task refreshed: %v", err)
		}
	})
}

func TestUpdateJobStateRemovedResource(t *testing.T) {
	ctx := context.Background()
	keep, gone := newFake("keep"), newFake("gone")
	c := newTestCore(t, nil, keep, gone)
	app := running(t, c, gone)

	if err := c.RemoveResource("gone"); err != nil {
		t.Fatalf("RemoveResource: %v", err)
	}
	if err := c.UpdateJobState(ctx, app); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}
	if app.Execution().State != model.StateTerminated {
		t.Errorf("state = %s, want TERMINATED", app.Execution().State)
	}
}

func TestFetchOutput(t *testing.T) {
	ctx := context.Background()

	t.Run("not available before running", func(t *testing.T) {
		c := newTestCore(t, nil, newFake("r"))
		err := c.FetchOutput(ctx, model.NewApplication("job"), core.FetchOptions{Dir: t.TempDir()})
		if !errors.Is(err, model.ErrOutputNotAvailable) {
			t.Errorf("err = %v, want ErrOutputNotAvailable", err)
		}
	})

	t.Run("terminating becomes terminated", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		app := running(t, c, r)
		r.state = model.StateTerminating
		if err := c.UpdateJobState(ctx, app); err != nil {
			t.Fatalf("UpdateJobState: %v", err)
		}
		terminated := false
		app.Hooks.OnState = map[model.State]func() error{
			model.StateTerminated: func() error { terminated = true; return nil },
		}
		dir := filepath.Join(t.TempDir(), "out")
		if err := c.FetchOutput(ctx, app, core.FetchOptions{Dir: dir}); err != nil {
			t.Fatalf("FetchOutput: %v", err)
		}
		if app.Execution().State != model.StateTerminated || !terminated {
			t.Errorf("state = %s, hook fired = %v", app.Execution().State, terminated)
		}
		if app.OutputDir != dir {
			t.Errorf("output dir = %q, want %q", app.OutputDir, dir)
		}
	})

	t.Run("existing directory is backed up", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		app := running(t, c, r)
		dir := filepath.Join(t.TempDir(), "out")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := c.FetchOutput(ctx, app, core.FetchOptions{Dir: dir}); err != nil {
			t.Fatalf("FetchOutput: %v", err)
		}
		if _, err := os.Stat(dir + ".1"); err != nil {
			t.Errorf("backup directory missing: %v", err)
		}
		if app.Execution().State != model.StateRunning {
			t.Errorf("running task changed state to %s", app.Execution().State)
		}
	})

	t.Run("recoverable staging failure keeps state", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		app := running(t, c, r)
		r.state = model.StateTerminating
		_ = c.UpdateJobState(ctx, app)
		r.resultsErr = model.ErrRecoverableDataStaging
		if err := c.FetchOutput(ctx, app, core.FetchOptions{Dir: t.TempDir(), Overwrite: true}); err != nil {
			t.Fatalf("FetchOutput: %v", err)
		}
		if app.Execution().State != model.StateTerminating {
			t.Errorf("state = %s, want TERMINATING", app.Execution().State)
		}
	})

	t.Run("unrecoverable staging failure", func(t *testing.T) {
		r := newFake("r")
		c := newTestCore(t, nil, r)
		app := running(t, c, r)
		r.state = model.StateTerminating
		_ = c.UpdateJobState(ctx, app)
		r.resultsErr = model.ErrUnrecoverableDataStaging
		err := c.FetchOutput(ctx, app, core.FetchOptions{Dir: t.TempDir(), Overwrite: true})
		if !errors.Is(err, model.ErrUnrecoverableDataStaging) {
			t.Fatalf("err = %v, want ErrUnrecoverableDataStaging", err)
		}
		if app.Execution().Signal != model.SignalDataStagingFailure {
			t.Errorf("signal = %v, want data staging failure", app.Execution().Signal)
		}
	})
}

func TestKill(t *testing.T) {
	ctx := context.Background()
	r := newFake("r")
	r.cancelErr = errors.New("cannot reach")
	c := newTestCore(t, nil, r)
	app := running(t, c, r)

	if err := c.Kill(ctx, app); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	exec := app.Execution()
	if exec.State != model.StateTerminated || exec.Signal != model.SignalCancelled {
		t.Errorf("state=%s signal=%v", exec.State, exec.Signal)
	}
	last := exec.History[len(exec.History)-1]
	if last.Message != "Cancelled" {
		t.Errorf("last history entry = %q", last.Message)
	}

	if err := c.Kill(ctx, app); err != nil {
		t.Fatalf("second Kill: %v", err)
	}
	if r.cancelled != 1 {
		t.Errorf("cancelled %d times, want 1", r.cancelled)
	}
}

func TestKillNewTask(t *testing.T) {
	c := newTestCore(t, nil, newFake("r"))
	app := model.NewApplication("job")
	if err := c.Kill(context.Background(), app); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if app.Execution().State != model.StateTerminated {
		t.Errorf("state = %s, want TERMINATED", app.Execution().State)
	}
}

func TestKillHookErrorFollowsPolicy(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("hook failed")
	newApp := func() *model.Application {
		app := model.NewApplication("job")
		app.Hooks.OnState = map[model.State]func() error{
			model.StateTerminated: func() error { return boom },
		}
		return app
	}

	lenient := newTestCore(t, nil, newFake("r"))
	if err := lenient.Kill(ctx, newApp()); err != nil {
		t.Errorf("lenient Kill: %v", err)
	}

	strict := newTestCore(t, []core.Option{core.WithErrorPolicy(core.NewKeywordPolicy("kill"))}, newFake("r"))
	app := newApp()
	if err := strict.Kill(ctx, app); !errors.Is(err, boom) {
		t.Errorf("strict Kill err = %v, want hook error", err)
	}
	if app.Execution().State != model.StateTerminated {
		t.Error("state must be TERMINATED even when the hook fails")
	}
}

func TestPeekTerminated(t *testing.T) {
	ctx := context.Background()
	r := newFake("r")
	c := newTestCore(t, nil, r)
	app := running(t, c, r)
	r.state = model.StateTerminating
	if err := c.UpdateJobState(ctx, app); err != nil {
		t.Fatal(err)
	}
	if err := c.FetchOutput(ctx, app, core.FetchOptions{Dir: filepath.Join(t.TempDir(), "out")}); err != nil {
		t.Fatal(err)
	}

	rc, err := c.Peek(ctx, app, model.Stdout, 6, 4)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "from" {
		t.Errorf("peek = %q, want %q", data, "from")
	}

	if _, err := c.Peek(ctx, app, model.Stream("stdlog"), 0, 0); !errors.Is(err, model.ErrInvalidOperation) {
		t.Errorf("bad stream err = %v", err)
	}
}

func TestFree(t *testing.T) {
	ctx := context.Background()
	r := newFake("r")
	c := newTestCore(t, nil, r)
	app := running(t, c, r)

	if err := c.Free(ctx, app); !errors.Is(err, model.ErrInvalidOperation) {
		t.Errorf("free running task: err = %v", err)
	}
	if err := c.Kill(ctx, app); err != nil {
		t.Fatal(err)
	}
	if err := c.Free(ctx, app); err != nil {
		t.Errorf("Free: %v", err)
	}
	if r.freed != 1 {
		t.Errorf("freed = %d, want 1", r.freed)
	}
}

func TestUpdateResources(t *testing.T) {
	ok, flaky, broken := newFake("ok"), newFake("flaky"), newFake("broken")
	flaky.statusErr = errors.New("timeout")
	broken.statusErr = model.ErrUnrecoverableAuth
	c := newTestCore(t, nil, ok, flaky, broken)

	c.UpdateResources(context.Background())

	if !ok.Updated() || !ok.Enabled() {
		t.Error("ok resource should be updated and enabled")
	}
	if flaky.Updated() || !flaky.Enabled() {
		t.Error("flaky resource should be enabled but not updated")
	}
	if broken.Enabled() {
		t.Error("unrecoverable error should disable the resource")
	}
	if c.EnabledCount() != 2 {
		t.Errorf("EnabledCount = %d, want 2", c.EnabledCount())
	}
}

func TestSelectResourceByName(t *testing.T) {
	c := newTestCore(t, nil, newFake("cluster-a"), newFake("cluster-b"), newFake("cloud"))
	n, err := c.SelectResourceByName("cluster-*")
	if err != nil {
		t.Fatalf("SelectResourceByName: %v", err)
	}
	if n != 2 {
		t.Errorf("enabled = %d, want 2", n)
	}
	if _, err := c.SelectResourceByName("["); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("bad pattern err = %v", err)
	}
}

func TestKeywordPolicy(t *testing.T) {
	tests := []struct {
		name     string
		keywords string
		ec       core.ErrorContext
		ignore   bool
	}{
		{"default ignores", "", core.ErrorContext{Component: "core", Operation: "kill", Err: errors.New("x")}, true},
		{"fatal propagates", "", core.ErrorContext{Err: model.ErrConfiguration}, false},
		{"operation listed", "KILL", core.ErrorContext{Component: "core", Operation: "kill", Err: errors.New("x")}, false},
		{"keyword listed", "update", core.ErrorContext{Operation: "x", Err: errors.New("x"), Keywords: []string{"update"}}, false},
		{"ancestor class listed", "SubmitError", core.ErrorContext{Err: model.ErrTryAgainLater}, false},
		{"all", "all", core.ErrorContext{Err: errors.New("x")}, false},
		{"unrelated", "engine, free", core.ErrorContext{Component: "core", Operation: "kill", Err: errors.New("x")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := core.ParseKeywordPolicy(tt.keywords)
			if got := p.Ignore(tt.ec); got != tt.ignore {
				t.Errorf("Ignore = %v, want %v", got, tt.ignore)
			}
		})
	}
}
