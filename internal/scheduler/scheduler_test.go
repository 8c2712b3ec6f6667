package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procmon/internal/history"
	"github.com/loykin/procmon/internal/inventory"
	"github.com/loykin/procmon/internal/launcher"
	"github.com/loykin/procmon/internal/logger"
)

type fakeLauncher struct {
	running atomic.Int32
	counts  atomic.Int32
	starts  atomic.Int32
}

func (f *fakeLauncher) RunningCount(context.Context, string) (int, error) {
	f.counts.Add(1)
	return int(f.running.Load()), nil
}

func (f *fakeLauncher) StartInstance(context.Context, inventory.ProcessSpec, launcher.Window) error {
	f.starts.Add(1)
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) count(typ history.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newEngine(t *testing.T, l Launcher, opts ...Option) (*Engine, *captureSink, *history.Recorder) {
	t.Helper()
	sink := &captureSink{}
	rec := history.NewRecorder(logger.Discard(), sink)
	e := New(l, append([]Option{WithLogger(logger.Discard()), WithRecorder(rec)}, opts...)...)
	t.Cleanup(e.Close)
	return e, sink, rec
}

func intPtr(v int) *int { return &v }

func TestNextDailyOccurrence(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2024, 3, 10, h, m, 0, 0, time.Local) }

	d, err := nextDailyOccurrence(day(0, 0), "23:59")
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour+59*time.Minute, d)

	d, err = nextDailyOccurrence(day(0, 5), "00:00")
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour+55*time.Minute, d, "past time rolls to tomorrow")

	d, err = nextDailyOccurrence(day(9, 30), "9:30")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d, "an exact match is due now")

	d, err = nextDailyOccurrence(day(9, 30).Add(time.Second), "9:30")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour-time.Second, d)

	for _, bad := range []string{"", "25:00", "12:60", "12:5", "noon"} {
		_, err := nextDailyOccurrence(day(0, 0), bad)
		assert.Error(t, err, bad)
	}
}

func TestScheduleSelectsMode(t *testing.T) {
	e, _, _ := newEngine(t, &fakeLauncher{})

	mode, err := e.Schedule(inventory.ProcessSpec{Name: "svc"}, launcher.WindowHidden)
	require.NoError(t, err)
	assert.Equal(t, inventory.ModeContinuous, mode)
	assert.Empty(t, e.Tasks())

	mode, err = e.Schedule(inventory.ProcessSpec{Name: "both", ScheduleTime: "03:00", IntervalMinutes: intPtr(60)}, launcher.WindowHidden)
	require.NoError(t, err)
	assert.Equal(t, inventory.ModePeriodic, mode, "interval wins over time")

	mode, err = e.Schedule(inventory.ProcessSpec{Name: "nightly", ScheduleTime: "03:00"}, launcher.WindowHidden)
	require.NoError(t, err)
	assert.Equal(t, inventory.ModeDaily, mode)

	assert.Equal(t, map[string]int{"both": 1, "nightly": 1}, e.Tasks())

	_, err = e.Schedule(inventory.ProcessSpec{Name: "zero", IntervalMinutes: intPtr(0)}, launcher.WindowHidden)
	assert.Error(t, err)
}

func TestPeriodicStartsOnePerFiring(t *testing.T) {
	fl := &fakeLauncher{}
	e, sink, rec := newEngine(t, fl)

	require.NoError(t, e.scheduleEvery(inventory.ProcessSpec{Name: "p"}, launcher.WindowHidden, 40*time.Millisecond))

	// first firing is immediate
	require.Eventually(t, func() bool { return fl.starts.Load() >= 1 }, 30*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool { return fl.starts.Load() >= 3 }, time.Second, 5*time.Millisecond)

	e.CancelScheduledTasks("p")
	time.Sleep(60 * time.Millisecond)
	starts := fl.starts.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, starts, fl.starts.Load(), "no firings after cancel")
	assert.Equal(t, fl.counts.Load(), fl.starts.Load(), "one start per firing")

	require.NoError(t, rec.Close())
	assert.Equal(t, int(starts), sink.count(history.EventRun))
	assert.Equal(t, 1, sink.count(history.EventSchedule))
	assert.Equal(t, 1, sink.count(history.EventCancel))
}

// slowFirstLauncher blocks its first start for delay and records when each
// start begins and ends.
type slowFirstLauncher struct {
	delay time.Duration
	mu    sync.Mutex
	began []time.Time
	ended []time.Time
}

func (f *slowFirstLauncher) RunningCount(context.Context, string) (int, error) { return 0, nil }

func (f *slowFirstLauncher) StartInstance(context.Context, inventory.ProcessSpec, launcher.Window) error {
	f.mu.Lock()
	first := len(f.began) == 0
	f.began = append(f.began, time.Now())
	f.mu.Unlock()
	if first {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.ended = append(f.ended, time.Now())
	f.mu.Unlock()
	return nil
}

func (f *slowFirstLauncher) snapshot() ([]time.Time, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.began...), append([]time.Time(nil), f.ended...)
}

func TestPeriodicCadenceIgnoresSlowFirstLaunch(t *testing.T) {
	fl := &slowFirstLauncher{delay: 300 * time.Millisecond}
	e, _, _ := newEngine(t, fl)

	require.NoError(t, e.scheduleEvery(inventory.ProcessSpec{Name: "p"}, launcher.WindowHidden, 200*time.Millisecond))
	require.Eventually(t, func() bool {
		began, _ := fl.snapshot()
		return len(began) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	e.CancelScheduledTasks("p")

	began, ended := fl.snapshot()
	// a tick came due while the first launch ran, so the next firing follows
	// it at once instead of a full period later
	assert.Less(t, began[1].Sub(ended[0]), 100*time.Millisecond)
}

func TestPeriodicSkipsWhenRunning(t *testing.T) {
	fl := &fakeLauncher{}
	fl.running.Store(1)
	e, sink, rec := newEngine(t, fl)

	require.NoError(t, e.scheduleEvery(inventory.ProcessSpec{Name: "p"}, launcher.WindowHidden, 20*time.Millisecond))
	require.Eventually(t, func() bool { return fl.counts.Load() >= 2 }, time.Second, 5*time.Millisecond)
	e.Close()

	assert.Equal(t, int32(0), fl.starts.Load())
	require.NoError(t, rec.Close())
	assert.GreaterOrEqual(t, sink.count(history.EventSkipped), 2)
	assert.Zero(t, sink.count(history.EventRun))
}

func TestDailyFiresOnce(t *testing.T) {
	fl := &fakeLauncher{}
	now := time.Date(2024, 3, 10, 10, 0, 59, 950_000_000, time.Local)
	e, _, _ := newEngine(t, fl, WithClock(func() time.Time { return now }))

	require.NoError(t, e.ScheduleDaily(inventory.ProcessSpec{Name: "d", ScheduleTime: "10:01"}, launcher.WindowHidden))
	require.Eventually(t, func() bool { return fl.starts.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fl.starts.Load())
}

func TestDailyRearmUsesCron(t *testing.T) {
	fl := &fakeLauncher{}
	e, _, _ := newEngine(t, fl, WithDailyRearm(true))

	require.NoError(t, e.ScheduleDaily(inventory.ProcessSpec{Name: "d", ScheduleTime: "04:30"}, launcher.WindowHidden))
	require.NotNil(t, e.cron)
	assert.Len(t, e.cron.Entries(), 1)

	e.CancelScheduledTasks("d")
	assert.Empty(t, e.cron.Entries())
	assert.Zero(t, fl.starts.Load())

	assert.Error(t, e.ScheduleDaily(inventory.ProcessSpec{Name: "bad", ScheduleTime: "24:00"}, launcher.WindowHidden))
}

func TestCancelIsIdempotent(t *testing.T) {
	fl := &fakeLauncher{}
	e, sink, rec := newEngine(t, fl)

	e.CancelScheduledTasks("unknown")
	require.NoError(t, e.ScheduleDaily(inventory.ProcessSpec{Name: "d", ScheduleTime: "04:30"}, launcher.WindowHidden))
	require.NoError(t, e.ScheduleDaily(inventory.ProcessSpec{Name: "d", ScheduleTime: "05:30"}, launcher.WindowHidden))
	assert.Equal(t, 2, e.Tasks()["d"])

	e.CancelScheduledTasks("d")
	e.CancelScheduledTasks("d")
	assert.Empty(t, e.Tasks())

	require.NoError(t, rec.Close())
	assert.Equal(t, 1, sink.count(history.EventCancel))
}

func TestCloseStopsEverything(t *testing.T) {
	fl := &fakeLauncher{}
	fl.running.Store(1)
	e, _, _ := newEngine(t, fl, WithDailyRearm(true))

	require.NoError(t, e.scheduleEvery(inventory.ProcessSpec{Name: "p"}, launcher.WindowHidden, 10*time.Millisecond))
	require.NoError(t, e.ScheduleDaily(inventory.ProcessSpec{Name: "d", ScheduleTime: "04:30"}, launcher.WindowHidden))
	e.Close()
	e.Close()
	assert.Empty(t, e.Tasks())

	time.Sleep(30 * time.Millisecond)
	counts := fl.counts.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, counts, fl.counts.Load())

	_, err := e.Schedule(inventory.ProcessSpec{Name: "late", IntervalMinutes: intPtr(1)}, launcher.WindowHidden)
	assert.ErrorIs(t, err, ErrClosed)
}
