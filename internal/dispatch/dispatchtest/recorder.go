// Package dispatchtest provides test doubles for the dispatch package.
package dispatchtest

import (
	"context"
	"slices"
	"sync"

	"github.com/flemzord/sbeat/internal/dispatch"
)

// Recorder is a dispatch.Sink that records every accepted message.
type Recorder struct {
	// SubmitFunc, when set, decides the outcome of each submission. A non-nil
	// error rejects the message and it is not recorded.
	SubmitFunc func(ctx context.Context, msg dispatch.Message) error

	mu       sync.Mutex
	messages []dispatch.Message
	attempts int
	notify   chan struct{}
}

// Compile-time interface check.
var _ dispatch.Sink = (*Recorder)(nil)

// Submit implements dispatch.Sink.
func (r *Recorder) Submit(ctx context.Context, msg dispatch.Message) error {
	r.mu.Lock()
	r.attempts++
	fn := r.SubmitFunc
	r.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, msg); err != nil {
			r.signal()
			return dispatch.Reject(err)
		}
	}

	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *Recorder) signal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notify == nil {
		return
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value after each submission
// attempt. Signals are coalesced.
func (r *Recorder) Notify() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notify == nil {
		r.notify = make(chan struct{}, 1)
	}
	return r.notify
}

// Messages returns a copy of the accepted messages in submission order.
func (r *Recorder) Messages() []dispatch.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

// Tasks returns the task names of the accepted messages.
func (r *Recorder) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Task
	}
	return out
}

// Count returns the number of accepted messages.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Attempts returns the number of Submit calls, accepted or not.
func (r *Recorder) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Reset clears recorded messages and attempts.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.attempts = 0
}
