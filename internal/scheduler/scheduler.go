// Package scheduler owns the timers behind daily and periodic processes.
//
// Each armed timer is a task bound to one process name. A firing starts one
// instance only when none is running, so scheduled processes are kept
// present rather than counted. Firings run in the task's own goroutine and
// never under the engine lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/procmon/internal/history"
	"github.com/loykin/procmon/internal/inventory"
	"github.com/loykin/procmon/internal/launcher"
	"github.com/loykin/procmon/internal/metrics"
)

var ErrClosed = errors.New("scheduler closed")

// Launcher is the part of *launcher.Launcher a firing needs.
type Launcher interface {
	RunningCount(ctx context.Context, name string) (int, error)
	StartInstance(ctx context.Context, spec inventory.ProcessSpec, w launcher.Window) error
}

type task struct {
	mode inventory.Mode
	stop func()
}

type Engine struct {
	launcher Launcher
	rec      *history.Recorder
	log      *slog.Logger
	now      func() time.Time
	rearm    bool

	mu     sync.Mutex
	tasks  map[string][]*task
	cron   *cron.Cron
	closed bool
}

type Option func(*Engine)

func WithRecorder(r *history.Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the wall clock used to compute daily delays.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDailyRearm makes daily tasks fire every day at their time instead of
// once.
func WithDailyRearm(on bool) Option {
	return func(e *Engine) { e.rearm = on }
}

func New(l Launcher, opts ...Option) *Engine {
	e := &Engine{
		launcher: l,
		log:      slog.Default(),
		now:      time.Now,
		tasks:    make(map[string][]*task),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Schedule arms spec according to its mode. Continuous specs are not
// scheduled and return ModeContinuous with no error.
func (e *Engine) Schedule(spec inventory.ProcessSpec, w launcher.Window) (inventory.Mode, error) {
	mode := spec.Mode()
	switch mode {
	case inventory.ModePeriodic:
		return mode, e.ScheduleRepeated(spec, w)
	case inventory.ModeDaily:
		return mode, e.ScheduleDaily(spec, w)
	}
	return mode, nil
}

// ScheduleRepeated fires immediately and then every spec.Interval().
func (e *Engine) ScheduleRepeated(spec inventory.ProcessSpec, w launcher.Window) error {
	period := spec.Interval()
	if period <= 0 {
		return fmt.Errorf("%s: interval must be positive", spec.Name)
	}
	return e.scheduleEvery(spec, w, period)
}

func (e *Engine) scheduleEvery(spec inventory.ProcessSpec, w launcher.Window, period time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.add(spec.Name, &task{mode: inventory.ModePeriodic, stop: cancel}); err != nil {
		cancel()
		return err
	}
	e.armed(spec.Name, inventory.ModePeriodic, fmt.Sprintf("every %s", period))

	go func() {
		// the ticker starts before the first firing so the cadence is
		// measured from arming, not from when a slow first launch returns
		t := time.NewTicker(period)
		defer t.Stop()
		e.fire(ctx, spec, w)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				// a ticker drops ticks while fire runs, so firings never overlap
				if ctx.Err() != nil {
					return
				}
				e.fire(ctx, spec, w)
			}
		}
	}()
	return nil
}

// ScheduleDaily arms a timer for the next occurrence of spec.ScheduleTime.
// Without daily re-arm the task fires once.
func (e *Engine) ScheduleDaily(spec inventory.ProcessSpec, w launcher.Window) error {
	if e.rearm {
		return e.scheduleCron(spec, w)
	}
	now := e.now()
	delay, err := nextDailyOccurrence(now, spec.ScheduleTime)
	if err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.add(spec.Name, &task{mode: inventory.ModeDaily, stop: cancel}); err != nil {
		cancel()
		return err
	}
	e.armed(spec.Name, inventory.ModeDaily, fmt.Sprintf("at %s (in %s)", now.Add(delay).Format(time.DateTime), delay.Round(time.Second)))

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			e.fire(ctx, spec, w)
		}
	}()
	return nil
}

func (e *Engine) scheduleCron(spec inventory.ProcessSpec, w launcher.Window) error {
	hh, mm, err := parseClock(spec.ScheduleTime)
	if err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", mm, hh))
	if err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.cron == nil {
		e.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		e.cron.Start()
	}
	c := e.cron
	ctx, cancel := context.WithCancel(context.Background())
	id := c.Schedule(sched, cron.FuncJob(func() { e.fire(ctx, spec, w) }))
	e.tasks[spec.Name] = append(e.tasks[spec.Name], &task{
		mode: inventory.ModeDaily,
		stop: func() { cancel(); c.Remove(id) },
	})
	e.mu.Unlock()

	e.armed(spec.Name, inventory.ModeDaily, fmt.Sprintf("daily at %02d:%02d, next %s", hh, mm, sched.Next(e.now()).Format(time.DateTime)))
	return nil
}

func (e *Engine) add(name string, t *task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.tasks[name] = append(e.tasks[name], t)
	return nil
}

func (e *Engine) armed(name string, mode inventory.Mode, msg string) {
	e.log.Info("scheduled", "event", "schedule", "name", name, "mode", mode.String(), "when", msg)
	e.rec.Record(context.Background(), history.Event{Type: history.EventSchedule, Name: name, Message: mode.String() + " " + msg})
}

// fire starts one instance when none is running. Cancelling the task does
// not interrupt a launch already under way.
func (e *Engine) fire(ctx context.Context, spec inventory.ProcessSpec, w launcher.Window) {
	if ctx.Err() != nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	n, err := e.launcher.RunningCount(ctx, spec.Name)
	if err != nil {
		metrics.IncScheduleFiring(spec.Name, "error")
		e.rec.Record(ctx, history.Event{Type: history.EventError, Name: spec.Name, Message: fmt.Sprintf("count running: %v", err)})
		return
	}
	if n > 0 {
		metrics.IncScheduleFiring(spec.Name, "skipped")
		e.rec.Record(ctx, history.Event{Type: history.EventSkipped, Name: spec.Name, Message: fmt.Sprintf("%d instance(s) already running", n)})
		return
	}
	if err := e.launcher.StartInstance(ctx, spec, w); err != nil {
		metrics.IncScheduleFiring(spec.Name, "failed")
		e.rec.Record(ctx, history.Event{Type: history.EventError, Name: spec.Name, Message: err.Error()})
		return
	}
	metrics.IncScheduleFiring(spec.Name, "run")
	e.rec.Record(ctx, history.Event{Type: history.EventRun, Name: spec.Name, Message: "scheduled run started"})
}

// CancelScheduledTasks stops every timer owned for name. Calling it for a
// name without tasks is a no-op.
func (e *Engine) CancelScheduledTasks(name string) {
	e.mu.Lock()
	ts := e.tasks[name]
	delete(e.tasks, name)
	e.mu.Unlock()

	if len(ts) == 0 {
		return
	}
	for _, t := range ts {
		t.stop()
	}
	e.rec.Record(context.Background(), history.Event{Type: history.EventCancel, Name: name, Message: fmt.Sprintf("%d task(s) cancelled", len(ts))})
}

// Tasks returns the number of armed tasks per process name.
func (e *Engine) Tasks() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.tasks))
	for name, ts := range e.tasks {
		out[name] = len(ts)
	}
	return out
}

// Close stops every timer. Further Schedule calls return ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	all := e.tasks
	e.tasks = make(map[string][]*task)
	c := e.cron
	e.mu.Unlock()

	for _, ts := range all {
		for _, t := range ts {
			t.stop()
		}
	}
	if c != nil {
		c.Stop()
	}
}
