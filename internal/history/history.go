package history

import (
	"context"
	"time"
)

// EventType defines the kind of audit event.
type EventType string

const (
	// EventSession is emitted when an upgrade or resume session ends.
	EventSession EventType = "session"
	// EventComponent is emitted after each component's upgrade attempt.
	EventComponent EventType = "component"
	// EventRollback is emitted after each component's rollback attempt.
	EventRollback EventType = "rollback"
	// EventTrimmed carries a session summary dropped from the bounded
	// in-document history.
	EventTrimmed EventType = "trimmed"
)

// Entry is a session summary kept in the state document's bounded history.
type Entry struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Completed int       `json:"completed,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Skipped   int       `json:"skipped,omitempty"`
}

// Event represents an audit event exported to external systems.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	SessionID   string    `json:"session_id,omitempty"`
	Component   string    `json:"component,omitempty"`
	Status      string    `json:"status"`
	FromVersion string    `json:"from_version,omitempty"`
	ToVersion   string    `json:"to_version,omitempty"`
	Message     string    `json:"message,omitempty"`
	Entry       *Entry    `json:"entry,omitempty"`
}

// Sink is a destination for audit events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// Multi fans an event out to several sinks and returns the first error after
// attempting all of them.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every member that holds a connection.
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Discard drops every event.
type Discard struct{}

func (Discard) Send(context.Context, Event) error { return nil }
