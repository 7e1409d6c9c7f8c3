package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/taskgrid/internal/backend"
	"github.com/seantiz/taskgrid/internal/core"
	"github.com/seantiz/taskgrid/internal/model"
)

// commandBufferSize bounds the number of commands waiting for the next
// cycle. Callers block once it is reached.
const commandBufferSize = 1024

// ErrRunning is returned by Start when the background loop is already
// running.
var ErrRunning = errors.New("background engine already running")

// Trigger is a one-shot function run by the owner goroutine right before or
// right after a Progress call.
type Trigger func(ctx context.Context, e *Engine)

// command is a deferred engine operation.
type command interface {
	name() string
	apply(ctx context.Context, e *Engine) error
}

type queuedCommand struct {
	ctx context.Context
	cmd command
}

type addCommand struct{ task model.Task }

func (addCommand) name() string { return "add" }
func (c addCommand) apply(ctx context.Context, e *Engine) error {
	e.Add(ctx, c.task)
	return nil
}

type removeCommand struct{ task model.Task }

func (removeCommand) name() string { return "remove" }
func (c removeCommand) apply(_ context.Context, e *Engine) error {
	e.Remove(c.task)
	return nil
}

type submitCommand struct {
	task     model.Task
	resubmit bool
}

func (submitCommand) name() string { return "submit" }
func (c submitCommand) apply(ctx context.Context, e *Engine) error {
	return e.Submit(ctx, c.task, c.resubmit)
}

type redoCommand struct{ task model.Task }

func (redoCommand) name() string { return "redo" }
func (c redoCommand) apply(ctx context.Context, e *Engine) error {
	return e.Redo(ctx, c.task)
}

type killCommand struct{ task model.Task }

func (killCommand) name() string { return "kill" }
func (c killCommand) apply(ctx context.Context, e *Engine) error {
	return e.Kill(ctx, c.task)
}

type freeCommand struct{ task model.Task }

func (freeCommand) name() string { return "free" }
func (c freeCommand) apply(ctx context.Context, e *Engine) error {
	return e.Free(ctx, c.task)
}

type fetchOutputCommand struct {
	task model.Task
	opts core.FetchOptions
}

func (fetchOutputCommand) name() string { return "fetch_output" }
func (c fetchOutputCommand) apply(ctx context.Context, e *Engine) error {
	return e.FetchOutput(ctx, c.task, c.opts)
}

type updateJobStateCommand struct{ tasks []model.Task }

func (updateJobStateCommand) name() string { return "update_job_state" }
func (c updateJobStateCommand) apply(ctx context.Context, e *Engine) error {
	return e.UpdateJobState(ctx, c.tasks...)
}

type selectResourceCommand struct {
	match func(backend.Resource) bool
}

func (selectResourceCommand) name() string { return "select_resource" }
func (c selectResourceCommand) apply(_ context.Context, e *Engine) error {
	e.SelectResource(c.match)
	return nil
}

type peekResult struct {
	rc  io.ReadCloser
	err error
}

type peekCommand struct {
	task         model.Task
	what         model.Stream
	offset, size int64
	reply        chan peekResult
}

func (peekCommand) name() string { return "peek" }
func (c peekCommand) apply(ctx context.Context, e *Engine) error {
	rc, err := e.Peek(ctx, c.task, c.what, c.offset, c.size)
	c.reply <- peekResult{rc: rc, err: err}
	return nil
}

type cacheKey struct {
	site string
	arg  any
}

type cacheEntry struct {
	generation uint64
	value      any
}

// BgEngine runs an Engine's Progress periodically on its own goroutine.
// While the loop runs, mutating calls are queued as commands and applied in
// FIFO order at the start of the next cycle, before Progress. While it is
// stopped, every call runs synchronously. BgEngine is safe for concurrent
// use.
type BgEngine struct {
	engine *Engine
	logger *slog.Logger

	// engineMu is held by whoever is touching the engine: the loop during
	// a cycle, or a synchronous caller while stopped.
	engineMu sync.Mutex

	// mu guards the loop state. It is never held while sending commands.
	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	commands chan queuedCommand

	triggerMu sync.Mutex
	before    []Trigger
	after     []Trigger

	// beforeQueue, when set, runs between reading the loop state and
	// queueing a command.
	beforeQueue func()

	generation atomic.Uint64
	cacheMu    sync.Mutex
	cacheGen   uint64
	cache      map[cacheKey]cacheEntry
}

var _ Manager = (*BgEngine)(nil)

// NewBgEngine wraps e. The loop is not started.
func NewBgEngine(e *Engine, logger *slog.Logger) *BgEngine {
	return &BgEngine{
		engine:   e,
		logger:   logger.With("component", "bgengine"),
		commands: make(chan queuedCommand, commandBufferSize),
		cache:    make(map[cacheKey]cacheEntry),
	}
}

// Engine returns the wrapped engine. Callers must not use it while the
// loop is running.
func (b *BgEngine) Engine() *Engine { return b.engine }

// Events returns the engine's event broker, which is safe for concurrent
// use.
func (b *BgEngine) Events() *EventBroker { return b.engine.Events() }

// Running reports whether the background loop is active.
func (b *BgEngine) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start launches the loop, running a cycle every interval until Stop is
// called or ctx is cancelled.
func (b *BgEngine) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", model.ErrConfiguration, interval)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrRunning
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	go b.loop(ctx, interval, b.stop, b.done)
	b.logger.Info("background engine started", "interval", interval.String())
	return nil
}

// Stop ends the loop. Commands already queued are still applied. With wait
// set, Stop returns only after the loop has exited.
func (b *BgEngine) Stop(wait bool) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stop)
	done := b.done
	b.mu.Unlock()

	if wait {
		<-done
	}
}

// Run starts the loop and blocks until ctx is cancelled, then stops it and
// waits for it to exit.
func (b *BgEngine) Run(ctx context.Context, interval time.Duration) error {
	if err := b.Start(ctx, interval); err != nil {
		return err
	}
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()

	<-ctx.Done()
	b.Stop(true)
	<-done
	b.logger.Info("background engine stopped")
	return nil
}

func (b *BgEngine) loop(ctx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.cycle(ctx); err != nil {
				b.logger.Error("progress failed", "error_class", model.ClassName(err), "error", err)
			}
		case <-stop:
			b.drain()
			return
		case <-ctx.Done():
			b.mu.Lock()
			if b.stop == stop && b.running {
				b.running = false
				close(stop)
			}
			b.mu.Unlock()
			b.drain()
			return
		}
	}
}

// Progress runs one cycle synchronously: queued commands, before triggers,
// Progress, after triggers.
func (b *BgEngine) Progress(ctx context.Context) error {
	return b.cycle(ctx)
}

func (b *BgEngine) cycle(ctx context.Context) error {
	b.engineMu.Lock()
	defer b.engineMu.Unlock()

	b.applyQueued(len(b.commands))
	for _, t := range b.takeTriggers(&b.before) {
		t(ctx, b.engine)
	}
	err := b.engine.Progress(ctx)
	for _, t := range b.takeTriggers(&b.after) {
		t(ctx, b.engine)
	}
	b.generation.Add(1)
	return err
}

func (b *BgEngine) drain() {
	b.engineMu.Lock()
	defer b.engineMu.Unlock()
	b.applyQueued(len(b.commands))
	b.generation.Add(1)
}

// applyQueued applies the first n queued commands. engineMu must be held.
func (b *BgEngine) applyQueued(n int) {
	for ; n > 0; n-- {
		q := <-b.commands
		commandsTotal.WithLabelValues(q.cmd.name()).Inc()
		if err := q.cmd.apply(q.ctx, b.engine); err != nil {
			b.logger.Warn("deferred command failed",
				"command", q.cmd.name(), "error_class", model.ClassName(err), "error", err)
		}
	}
}

// do applies cmd right away when the loop is stopped, or queues it for the
// next cycle otherwise.
func (b *BgEngine) do(ctx context.Context, cmd command) error {
	b.mu.Lock()
	running, stop := b.running, b.stop
	b.mu.Unlock()

	if running {
		if b.beforeQueue != nil {
			b.beforeQueue()
		}
		select {
		case b.commands <- queuedCommand{ctx: context.WithoutCancel(ctx), cmd: cmd}:
			b.mu.Lock()
			stopped := !b.running || b.stop != stop
			b.mu.Unlock()
			if stopped {
				// The loop may have drained before the command arrived.
				b.drain()
			}
			return nil
		case <-stop:
		}
	}

	b.engineMu.Lock()
	defer b.engineMu.Unlock()
	// Commands queued while the loop was shutting down go first.
	b.applyQueued(len(b.commands))
	commandsTotal.WithLabelValues(cmd.name()).Inc()
	err := cmd.apply(ctx, b.engine)
	b.generation.Add(1)
	return err
}

// AddBeforeTrigger schedules t to run once, right before the next Progress.
func (b *BgEngine) AddBeforeTrigger(t Trigger) {
	b.triggerMu.Lock()
	defer b.triggerMu.Unlock()
	b.before = append(b.before, t)
}

// AddAfterTrigger schedules t to run once, right after the next Progress.
func (b *BgEngine) AddAfterTrigger(t Trigger) {
	b.triggerMu.Lock()
	defer b.triggerMu.Unlock()
	b.after = append(b.after, t)
}

func (b *BgEngine) takeTriggers(q *[]Trigger) []Trigger {
	b.triggerMu.Lock()
	defer b.triggerMu.Unlock()
	ts := *q
	*q = nil
	return ts
}

func (b *BgEngine) Add(ctx context.Context, task model.Task) {
	_ = b.do(ctx, addCommand{task: task})
}

func (b *BgEngine) Remove(task model.Task) {
	_ = b.do(context.Background(), removeCommand{task: task})
}

func (b *BgEngine) Submit(ctx context.Context, task model.Task, resubmit bool, _ ...backend.Resource) error {
	return b.do(ctx, submitCommand{task: task, resubmit: resubmit})
}

// Redo resets a TERMINATED task and manages it again.
func (b *BgEngine) Redo(ctx context.Context, task model.Task) error {
	return b.do(ctx, redoCommand{task: task})
}

func (b *BgEngine) Kill(ctx context.Context, task model.Task) error {
	return b.do(ctx, killCommand{task: task})
}

func (b *BgEngine) Free(ctx context.Context, task model.Task) error {
	return b.do(ctx, freeCommand{task: task})
}

func (b *BgEngine) FetchOutput(ctx context.Context, task model.Task, opts core.FetchOptions) error {
	return b.do(ctx, fetchOutputCommand{task: task, opts: opts})
}

func (b *BgEngine) UpdateJobState(ctx context.Context, tasks ...model.Task) error {
	return b.do(ctx, updateJobStateCommand{tasks: tasks})
}

// SelectResource disables every resource for which match returns false.
func (b *BgEngine) SelectResource(match func(backend.Resource) bool) {
	_ = b.do(context.Background(), selectResourceCommand{match: match})
}

// Peek reads part of a task's output stream. While the loop runs, the call
// blocks until the next cycle has served it or ctx is done.
func (b *BgEngine) Peek(ctx context.Context, task model.Task, what model.Stream, offset, size int64) (io.ReadCloser, error) {
	reply := make(chan peekResult, 1)
	if err := b.do(ctx, peekCommand{task: task, what: what, offset: offset, size: size, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.rc, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CachedRead returns the result of read, memoized per (site, arg) until the
// next cycle completes. arg is compared by identity for pointers and by
// value otherwise, and must be comparable.
func CachedRead[T any](b *BgEngine, site string, arg any, read func(e *Engine) T) T {
	key := cacheKey{site: site, arg: arg}
	current := b.generation.Load()

	b.cacheMu.Lock()
	if b.cacheGen != current {
		clear(b.cache)
		b.cacheGen = current
	}
	if ent, ok := b.cache[key]; ok && ent.generation == current {
		b.cacheMu.Unlock()
		return *ent.value.(*T)
	}
	b.cacheMu.Unlock()

	b.engineMu.Lock()
	gen := b.generation.Load()
	v := read(b.engine)
	b.engineMu.Unlock()

	b.cacheMu.Lock()
	if b.generation.Load() == gen {
		if b.cacheGen != gen {
			clear(b.cache)
			b.cacheGen = gen
		}
		b.cache[key] = cacheEntry{generation: gen, value: &v}
	}
	b.cacheMu.Unlock()
	return v
}

// Counts returns the cached engine tallies for the given kinds.
func (b *BgEngine) Counts(kinds ...model.Kind) Counts {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	slices.Sort(names)
	return CachedRead(b, "counts", strings.Join(names, ","), func(e *Engine) Counts {
		return e.Counts(kinds...)
	})
}

// Task returns the managed task with the given ID. The task is owned by the
// loop; read its fields only from inside CachedRead or a Trigger.
func (b *BgEngine) Task(id string) (model.Task, bool) {
	t := CachedRead(b, "task", id, func(e *Engine) model.Task {
		t, _ := e.Task(id)
		return t
	})
	return t, t != nil
}

// Resources returns the cached resource status snapshots.
func (b *BgEngine) Resources() []model.ResourceStatus {
	return CachedRead(b, "resources", nil, func(e *Engine) []model.ResourceStatus { return e.Resources() })
}

// Close stops the loop and closes every resource.
func (b *BgEngine) Close() error {
	b.Stop(true)
	b.engineMu.Lock()
	defer b.engineMu.Unlock()
	return b.engine.Close()
}
