// Package launcher starts and stops OS processes for inventory specs with
// bounded concurrency, validation gating and retry.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/loykin/procmon/internal/env"
	"github.com/loykin/procmon/internal/history"
	"github.com/loykin/procmon/internal/inventory"
	"github.com/loykin/procmon/internal/logger"
	"github.com/loykin/procmon/internal/metrics"
	"github.com/loykin/procmon/internal/proctable"
	"github.com/loykin/procmon/internal/validator"
)

const (
	DefaultMaxConcurrentStarts = 5
	DefaultRetryBase           = 2 * time.Second
	DefaultStopGrace           = 10 * time.Second

	// maxRetries is the fixed retry budget after the first attempt.
	maxRetries = 3
)

// Validator is the subset of *validator.Validator used before launching.
type Validator interface {
	ValidateSpec(spec inventory.ProcessSpec) validator.Result
	CheckPermissions(path string) error
}

// Attempt records one spawn attempt.
type Attempt struct {
	ID       string
	Name     string
	Number   int
	PID      int
	Err      error
	Duration time.Duration
}

type spawnFunc func(ctx context.Context, spec inventory.ProcessSpec, w Window) (int, error)

type Launcher struct {
	validator Validator
	table     proctable.Table
	sem       *semaphore.Weighted
	retryBase time.Duration
	retries   int
	stopGrace time.Duration
	env       *env.Env
	output    logger.OutputConfig
	rec       *history.Recorder
	log       *slog.Logger

	spawn spawnFunc
	wg    sync.WaitGroup // reapers
}

type Option func(*Launcher)

func WithMaxConcurrentStarts(n int) Option {
	return func(l *Launcher) {
		if n > 0 {
			l.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRetryBase sets the first retry delay; later delays double.
func WithRetryBase(d time.Duration) Option {
	return func(l *Launcher) {
		if d > 0 {
			l.retryBase = d
		}
	}
}

func WithStopGrace(d time.Duration) Option {
	return func(l *Launcher) {
		if d > 0 {
			l.stopGrace = d
		}
	}
}

func WithEnv(e *env.Env) Option {
	return func(l *Launcher) {
		if e != nil {
			l.env = e
		}
	}
}

// WithOutput routes stdout/stderr of hidden processes to rotating files.
func WithOutput(c logger.OutputConfig) Option {
	return func(l *Launcher) { l.output = c }
}

func WithRecorder(r *history.Recorder) Option {
	return func(l *Launcher) { l.rec = r }
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Launcher) {
		if lg != nil {
			l.log = lg
		}
	}
}

func New(v Validator, table proctable.Table, opts ...Option) *Launcher {
	l := &Launcher{
		validator: v,
		table:     table,
		sem:       semaphore.NewWeighted(DefaultMaxConcurrentStarts),
		retryBase: DefaultRetryBase,
		retries:   maxRetries,
		stopGrace: DefaultStopGrace,
		env:       env.New(),
		log:       slog.Default(),
	}
	l.spawn = l.spawnProcess
	for _, o := range opts {
		o(l)
	}
	return l
}

// StartInstance launches one instance of spec. A spec failing validation
// returns *ValidationError without touching the OS. Spawn failures are
// retried with exponential backoff and surface as *StartError.
func (l *Launcher) StartInstance(ctx context.Context, spec inventory.ProcessSpec, w Window) error {
	if res := l.validator.ValidateSpec(spec); !res.Valid {
		err := &ValidationError{Name: spec.Name, Problems: res.Errors}
		metrics.IncLaunch(spec.Name, "rejected")
		l.rec.Record(ctx, history.Event{Type: history.EventLaunchFailed, Name: spec.Name, Message: err.Error()})
		return err
	}
	if err := l.validator.CheckPermissions(spec.ExecutablePath); err != nil {
		l.log.Warn("permission check failed", "name", spec.Name, "err", err)
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	retries := l.retries
	if spec.MaxRetries < retries {
		retries = spec.MaxRetries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = l.retryBase << maxRetries
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(retries, 0))), ctx)

	attempt := 0
	var pid int
	op := func() error {
		attempt++
		a := Attempt{ID: uuid.NewString(), Name: spec.Name, Number: attempt}
		began := time.Now()
		p, err := l.spawn(ctx, spec, w)
		a.PID, a.Err, a.Duration = p, err, time.Since(began)
		l.log.Debug("launch attempt", "name", a.Name, "attempt", a.Number, "attempt_id", a.ID, "pid", a.PID, "duration", a.Duration, "err", a.Err)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				return backoff.Permanent(err)
			}
			return &StartError{Name: spec.Name, Attempts: attempt, Err: err}
		}
		pid = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.log.Warn("launch failed, retrying", "name", spec.Name, "attempt", attempt, "retry_in", wait, "err", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		metrics.IncLaunch(spec.Name, "failed")
		l.rec.Record(ctx, history.Event{Type: history.EventLaunchFailed, Name: spec.Name, Attempt: attempt, Message: err.Error()})
		return err
	}
	metrics.IncLaunch(spec.Name, "started")
	l.rec.Record(ctx, history.Event{Type: history.EventLaunch, Name: spec.Name, PID: pid, Attempt: attempt, Message: "process started"})
	return nil
}

// EnsureCount starts desired minus live instances concurrently and waits for
// all of them. Some may fail while others succeed; started reports the
// successes and err joins the failures.
func (l *Launcher) EnsureCount(ctx context.Context, spec inventory.ProcessSpec, desired int, w Window) (int, error) {
	live, err := l.table.Count(ctx, spec.Name)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", spec.Name, err)
	}
	metrics.SetRunningInstances(spec.Name, live)
	deficit := desired - live
	if deficit <= 0 {
		return 0, nil
	}
	l.log.Info("starting missing instances", "name", spec.Name, "running", live, "desired", desired)

	var (
		g       errgroup.Group
		mu      sync.Mutex
		started int
		errs    []error
	)
	for i := 0; i < deficit; i++ {
		g.Go(func() error {
			err := l.StartInstance(ctx, spec, w)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				started++
			}
			return nil
		})
	}
	_ = g.Wait()
	return started, errors.Join(errs...)
}

// StopAll terminates every live process matching name. Per-process failures
// are logged and the sweep continues. It returns true when every termination
// succeeded or nothing was running.
func (l *Launcher) StopAll(ctx context.Context, name string) bool {
	procs, err := l.table.List(ctx, name)
	if err != nil {
		l.log.Error("list processes failed", "name", name, "err", err)
		return false
	}
	if len(procs) == 0 {
		return true
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
		ok = true
	)
	for _, p := range procs {
		g.Go(func() error {
			if err := l.table.Terminate(ctx, p.PID, l.stopGrace); err != nil {
				l.log.Warn("stop failed", "event", "stop", "name", name, "pid", p.PID, "err", err)
				mu.Lock()
				ok = false
				mu.Unlock()
				return nil
			}
			metrics.IncLaunch(name, "stopped")
			l.rec.Record(ctx, history.Event{Type: history.EventStop, Name: name, PID: int(p.PID), Message: "process stopped"})
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

// RunningCount returns the number of live OS processes matching name.
func (l *Launcher) RunningCount(ctx context.Context, name string) (int, error) {
	return l.table.Count(ctx, name)
}

// Wait blocks until every reaper goroutine has observed its child exit.
func (l *Launcher) Wait() { l.wg.Wait() }

func (l *Launcher) spawnProcess(_ context.Context, spec inventory.ProcessSpec, w Window) (int, error) {
	cmd, err := buildCommand(spec)
	if err != nil {
		return 0, &ValidationError{Name: spec.Name, Problems: []string{err.Error()}}
	}
	cmd.Env = l.env.Merge(spec.EnvironmentOverrides)
	configureWindow(cmd, w)

	var closers []io.Closer
	if w == WindowNew {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	} else if l.output.Enabled() {
		outW, errW, err := l.output.Writers(spec.Name)
		if err != nil {
			l.log.Warn("process log unavailable", "name", spec.Name, "err", err)
		}
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return 0, err
	}
	pid := cmd.Process.Pid
	l.wg.Add(1)
	go l.reap(spec.Name, cmd, closers)
	return pid, nil
}

func (l *Launcher) reap(name string, cmd *exec.Cmd, closers []io.Closer) {
	defer l.wg.Done()
	err := cmd.Wait()
	closeAll(closers)
	msg := "exited"
	if err != nil {
		msg = err.Error()
	}
	l.rec.Record(context.Background(), history.Event{Type: history.EventExit, Name: name, PID: cmd.Process.Pid, Message: msg})
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
