package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/procmon/internal/metrics"
)

const (
	queueSize   = 256
	sendTimeout = 5 * time.Second
)

// Recorder logs every event, counts it and forwards it to the configured
// sinks in the background. A nil *Recorder discards events.
type Recorder struct {
	log   *slog.Logger
	sinks []Sink
	now   func() time.Time

	mu        sync.RWMutex // guards queue against sends after Close
	closed    bool
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewRecorder(l *slog.Logger, sinks ...Sink) *Recorder {
	if l == nil {
		l = slog.Default()
	}
	r := &Recorder{log: l, sinks: sinks, now: time.Now}
	if len(sinks) > 0 {
		r.queue = make(chan Event, queueSize)
		r.done = make(chan struct{})
		go r.forward()
	}
	return r
}

// Record stamps e with an ID and time when missing and publishes it.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}

	attrs := []any{"event", string(e.Type), "name", e.Name}
	if e.PID != 0 {
		attrs = append(attrs, "pid", e.PID)
	}
	if e.Attempt != 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	switch e.Type {
	case EventLaunchFailed, EventError:
		r.log.ErrorContext(ctx, e.Message, append(attrs, "err", e.Message)...)
	default:
		msg := e.Message
		if msg == "" {
			msg = string(e.Type)
		}
		r.log.InfoContext(ctx, msg, attrs...)
	}
	metrics.IncEvent(string(e.Type))

	if r.queue == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("history queue full, dropping event", "event", string(e.Type), "name", e.Name)
	}
}

func (r *Recorder) forward() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "event", string(e.Type), "name", e.Name, "err", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	r.closeOnce.Do(func() {
		if r.queue != nil {
			r.mu.Lock()
			r.closed = true
			close(r.queue)
			r.mu.Unlock()
			<-r.done
		}
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
