package history

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestRecorderFansOut(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	good := &memSink{}
	bad := &memSink{fail: true}
	r := NewRecorder(l, bad, good)

	ctx := context.Background()
	r.Record(ctx, Event{Type: EventLaunch, Name: "worker", PID: 42, Attempt: 1})
	r.Record(ctx, Event{Type: EventLaunchFailed, Name: "worker", Message: "spawn failed"})
	require.NoError(t, r.Close())

	require.Len(t, good.events, 2)
	e := good.events[0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.OccurredAt.IsZero())
	assert.Equal(t, 42, e.PID)
	assert.NotEqual(t, good.events[0].ID, good.events[1].ID)
	assert.True(t, good.closed)
	assert.True(t, bad.closed)

	out := buf.String()
	assert.Contains(t, out, "event=launch")
	assert.Contains(t, out, "pid=42")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "history sink send failed")
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventRun})
	assert.NoError(t, r.Close())

	// no sinks: nothing queued, Close is still safe twice
	r = NewRecorder(nil)
	r.Record(context.Background(), Event{Type: EventRun, Name: "x"})
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(slog.New(slog.NewTextHandler(io.Discard, nil)), sink)
	require.NoError(t, r.Close())
	assert.NotPanics(t, func() { r.Record(context.Background(), Event{Type: EventExit, Name: "late"}) })
}
