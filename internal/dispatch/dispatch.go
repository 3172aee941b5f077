// Package dispatch defines the boundary between the scheduler and the task
// queue: a Sink accepts "run task X with these arguments now" and returns as
// soon as the hand-off is accepted.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flemzord/sbeat/internal/store"
)

// ServiceName is the AppContext service key under which the active sink is
// registered.
const ServiceName = "dispatch.sink"

// ErrRejected is returned when a sink refuses or fails to accept a message.
var ErrRejected = errors.New("dispatch: rejected")

// Message is one task hand-off.
type Message struct {
	ID          string          `json:"id"`
	Task        string          `json:"task"`
	Args        json.RawMessage `json:"args"`
	Kwargs      json.RawMessage `json:"kwargs"`
	Routing     store.Routing   `json:"routing"`
	Expires     *time.Time      `json:"expires,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	// Entry is the name of the periodic entry, empty for one-off messages.
	Entry string `json:"entry,omitempty"`
}

// FromEntry builds the message for an occurrence of e due at due.
func FromEntry(e store.Entry, due time.Time) Message {
	return Message{
		ID:          uuid.NewString(),
		Task:        e.Task,
		Args:        e.Args,
		Kwargs:      e.Kwargs,
		Routing:     e.Routing,
		Expires:     e.Expires,
		ScheduledAt: due,
		Entry:       e.Name,
	}
}

// Sink accepts task hand-offs.
type Sink interface {
	Submit(ctx context.Context, msg Message) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, msg Message) error

// Submit implements Sink.
func (f Func) Submit(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Reject wraps reason as an ErrRejected error.
func Reject(reason error) error {
	if reason == nil || errors.Is(reason, ErrRejected) {
		return reason
	}
	return fmt.Errorf("%w: %w", ErrRejected, reason)
}

// WithTimeout bounds every Submit on s to d. A submission that does not
// return in time, or returns any error, is reported as ErrRejected.
func WithTimeout(s Sink, d time.Duration) Sink {
	return Func(func(ctx context.Context, msg Message) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- s.Submit(ctx, msg) }()

		select {
		case err := <-done:
			return Reject(err)
		case <-ctx.Done():
			return fmt.Errorf("%w: no answer within %s: %w", ErrRejected, d, ctx.Err())
		}
	})
}
