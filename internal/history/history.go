package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunch       EventType = "launch"        // an instance was spawned
	EventLaunchFailed EventType = "launch_failed" // validation or spawn retries exhausted
	EventRun          EventType = "run"           // scheduled firing started an instance
	EventSkipped      EventType = "skipped"       // scheduled firing found an instance running
	EventSchedule     EventType = "schedule"      // a timer was armed
	EventCancel       EventType = "cancel"        // timers for a name were cancelled
	EventExit         EventType = "exit"          // a spawned instance exited
	EventStop         EventType = "stop"          // an instance was terminated on request
	EventReload       EventType = "reload"        // the inventory was reloaded
	EventError        EventType = "error"
)

// Event is one lifecycle occurrence.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Name       string    `json:"name"`
	PID        int       `json:"pid,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
