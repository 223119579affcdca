package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/dbnest/internal/store"
)

// Type defines the kind of lifecycle event.
type Type string

const (
	TypeCreated      Type = "created"
	TypeStarting     Type = "starting"
	TypeRunning      Type = "running"
	TypeConfigured   Type = "configured"
	TypeStopped      Type = "stopped"
	TypeCrashed      Type = "crashed"
	TypePortConflict Type = "port_conflict"
	TypeReaped       Type = "reaped"
	TypeKillAll      Type = "kill_all"
	TypeCredentials  Type = "credentials_updated"
)

// Event is a status-change notification published to external
// collaborators (the UI layer subscribes; sinks export it elsewhere).
// ID is empty for application-wide events such as kill_all.
type Event struct {
	Type        Type         `json:"type"`
	OccurredAt  time.Time    `json:"occurred_at"`
	ID          string       `json:"id,omitempty"`
	ContainerID string       `json:"container_id,omitempty"`
	Engine      store.Engine `json:"engine,omitempty"`
	Status      store.Status `json:"status,omitempty"`
	PID         int          `json:"pid,omitempty"`
	Port        int          `json:"port,omitempty"`
	Ready       bool         `json:"ready,omitempty"`
	ExitCode    int          `json:"exit_code,omitempty"`
	Detail      string       `json:"detail,omitempty"`
}

// Sink is a destination for lifecycle events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder is a sink that also keeps events queryable, newest first.
type Recorder interface {
	Sink
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Multi fans an event out to every sink, returning the joined errors.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out}
}

func (m *Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sinks returns the wrapped sinks, for callers that need to locate a
// specific capability such as Recorder.
func (m *Multi) Sinks() []Sink { return m.sinks }

// Channel delivers events to an in-process subscriber. Send never
// blocks: when the buffer is full the event is dropped, since the
// subscriber can always re-read authoritative state from the store.
type Channel struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = 64
	}
	return &Channel{ch: make(chan Event, buffer)}
}

// Events is the subscription side of the channel.
func (c *Channel) Events() <-chan Event { return c.ch }

func (c *Channel) Send(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("event channel closed")
	}
	select {
	case c.ch <- e:
	default:
	}
	return nil
}

func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// SlogSink writes events to structured logs.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Send(_ context.Context, e Event) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("lifecycle event",
		"type", string(e.Type),
		"id", e.ID,
		"engine", string(e.Engine),
		"status", string(e.Status),
		"pid", e.PID,
		"detail", e.Detail)
	return nil
}
