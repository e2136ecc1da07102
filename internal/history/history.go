package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventExit       EventType = "exit"
	EventSpawnError EventType = "spawn_error"
	EventHealth     EventType = "health"
)

// Event is one supervisor lifecycle transition exported to an audit store.
type Event struct {
	Type       EventType `json:"type"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Health     string    `json:"health"`
	ExitErr    string    `json:"exit_err,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans one event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ErrText renders an exit error for storage; nil yields "".
func ErrText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
