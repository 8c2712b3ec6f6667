// Package monitor runs the reconcile loop that ties the inventory store, the
// scheduling engine and the launcher together.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/procmon/internal/history"
	"github.com/loykin/procmon/internal/inventory"
	"github.com/loykin/procmon/internal/launcher"
	"github.com/loykin/procmon/internal/metrics"
)

const (
	DefaultInterval     = 10 * time.Second
	DefaultErrorBackoff = 30 * time.Second
)

type State int32

const (
	StateInitializing State = iota
	StateSteady
)

func (s State) String() string {
	if s == StateSteady {
		return "steady"
	}
	return "initializing"
}

type Store interface {
	GetInventory(ctx context.Context) (*inventory.Inventory, error)
	Subscribe(fn func(*inventory.Inventory)) func()
}

type Scheduler interface {
	Schedule(spec inventory.ProcessSpec, w launcher.Window) (inventory.Mode, error)
	CancelScheduledTasks(name string)
}

type Launcher interface {
	EnsureCount(ctx context.Context, spec inventory.ProcessSpec, desired int, w launcher.Window) (int, error)
}

type Monitor struct {
	store    Store
	sched    Scheduler
	launcher Launcher

	interval     time.Duration
	errorBackoff time.Duration
	window       launcher.Window
	log          *slog.Logger
	rec          *history.Recorder

	state atomic.Int32

	mu      sync.Mutex
	ticked  bool
	lastMod time.Time
	seen    map[string]inventory.ProcessSpec
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithErrorBackoff sets the pause after a tick that could not read the inventory.
func WithErrorBackoff(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.errorBackoff = d
		}
	}
}

func WithWindow(w launcher.Window) Option {
	return func(m *Monitor) { m.window = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

func WithRecorder(r *history.Recorder) Option {
	return func(m *Monitor) { m.rec = r }
}

func New(store Store, sched Scheduler, l Launcher, opts ...Option) *Monitor {
	m := &Monitor{
		store:        store,
		sched:        sched,
		launcher:     l,
		interval:     DefaultInterval,
		errorBackoff: DefaultErrorBackoff,
		log:          slog.Default(),
		seen:         make(map[string]inventory.ProcessSpec),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Monitor) State() State { return State(m.state.Load()) }

// Seen returns the names that have been scheduled, sorted.
func (m *Monitor) Seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.seen))
	for name := range m.seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run ticks until ctx is cancelled. Inventory changes are handled as they
// are published, independent of the tick.
func (m *Monitor) Run(ctx context.Context) error {
	unsubscribe := m.store.Subscribe(m.OnInventoryChanged)
	defer unsubscribe()

	m.log.Info("monitor started", "interval", m.interval)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return nil
		case <-timer.C:
		}
		wait := m.interval
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			m.log.Error("reconcile failed", "event", "error", "err", err, "retry_in", m.errorBackoff)
			wait = m.errorBackoff
		}
		timer.Reset(wait)
	}
}

// Tick performs one reconcile pass. Failures of individual specs are logged
// and do not stop the pass; only an unreadable inventory is returned.
func (m *Monitor) Tick(ctx context.Context) error {
	inv, err := m.store.GetInventory(ctx)
	if err != nil {
		return fmt.Errorf("get inventory: %w", err)
	}
	if m.state.Swap(int32(StateSteady)) == int32(StateInitializing) {
		m.log.Info("inventory observed", "processes", len(inv.Processes))
	}

	enabled := inv.Enabled()
	var fresh []inventory.ProcessSpec
	m.mu.Lock()
	if !m.ticked || !inv.LastModified.Equal(m.lastMod) {
		m.ticked = true
		m.lastMod = inv.LastModified
		for _, spec := range enabled {
			if _, ok := m.seen[spec.Name]; !ok {
				m.seen[spec.Name] = spec
				fresh = append(fresh, spec)
			}
		}
	}
	m.mu.Unlock()

	for _, spec := range fresh {
		if _, err := m.sched.Schedule(spec, m.window); err != nil {
			m.log.Error("schedule failed", "event", "error", "name", spec.Name, "err", err)
			m.rec.Record(ctx, history.Event{Type: history.EventError, Name: spec.Name, Message: err.Error()})
			m.forget(spec.Name)
			continue
		}
		if !m.stillSeen(spec) {
			// a change notification dropped the spec while it was being armed
			m.log.Info("process changed while scheduling, cancelling schedule", "event", "cancel", "name", spec.Name)
			m.sched.CancelScheduledTasks(spec.Name)
		}
	}

	for _, spec := range enabled {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if spec.Mode() != inventory.ModeContinuous {
			continue
		}
		if _, err := m.launcher.EnsureCount(ctx, spec, spec.DesiredCount, m.window); err != nil {
			m.log.Error("ensure count failed", "event", "error", "name", spec.Name, "err", err)
		}
	}
	return nil
}

// OnInventoryChanged cancels the tasks of every scheduled name that is now
// missing, disabled or changed, so the next tick treats it as new.
func (m *Monitor) OnInventoryChanged(inv *inventory.Inventory) {
	var gone []string
	m.mu.Lock()
	for name, old := range m.seen {
		cur, ok := inv.Lookup(name)
		if ok && cur.Enabled && reflect.DeepEqual(cur, old) {
			continue
		}
		delete(m.seen, name)
		gone = append(gone, name)
	}
	if len(gone) > 0 {
		// rescan on the next tick even if it already saw this LastModified
		m.ticked = false
	}
	m.mu.Unlock()

	sort.Strings(gone)
	for _, name := range gone {
		m.log.Info("process removed or changed, cancelling schedule", "event", "cancel", "name", name)
		m.sched.CancelScheduledTasks(name)
		if _, ok := inv.Lookup(name); !ok {
			metrics.DeleteRunningInstances(name)
		}
	}
}

func (m *Monitor) stillSeen(spec inventory.ProcessSpec) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.seen[spec.Name]
	return ok && reflect.DeepEqual(cur, spec)
}

func (m *Monitor) forget(name string) {
	m.mu.Lock()
	delete(m.seen, name)
	m.mu.Unlock()
}
