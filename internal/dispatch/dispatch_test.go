package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/flemzord/sbeat/internal/store"
)

func TestFromEntry(t *testing.T) {
	t.Parallel()

	due := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := store.Entry{
		Name:    "cleanup",
		Task:    "tasks.cleanup",
		Args:    json.RawMessage(`[1]`),
		Kwargs:  json.RawMessage(`{}`),
		Routing: store.Routing{Queue: "low"},
	}
	m := FromEntry(e, due)
	if m.ID == "" || m.Task != "tasks.cleanup" || m.Entry != "cleanup" || !m.ScheduledAt.Equal(due) {
		t.Errorf("FromEntry = %+v", m)
	}
	if m.Routing.Queue != "low" {
		t.Errorf("routing = %+v", m.Routing)
	}
	if FromEntry(e, due).ID == m.ID {
		t.Error("message IDs must be unique")
	}
}

func TestWithTimeout_Blocking(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	slow := Func(func(ctx context.Context, _ Message) error {
		select {
		case <-block:
		case <-time.After(time.Minute):
		}
		return nil
	})

	start := time.Now()
	err := WithTimeout(slow, 20*time.Millisecond).Submit(context.Background(), Message{Task: "t"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not honoured")
	}
}

func TestWithTimeout_PassThrough(t *testing.T) {
	t.Parallel()

	ok := Func(func(context.Context, Message) error { return nil })
	if err := WithTimeout(ok, time.Second).Submit(context.Background(), Message{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	boom := errors.New("queue full")
	failing := Func(func(context.Context, Message) error { return boom })
	err := WithTimeout(failing, time.Second).Submit(context.Background(), Message{})
	if !errors.Is(err, ErrRejected) || !errors.Is(err, boom) {
		t.Fatalf("error = %v, want ErrRejected wrapping the cause", err)
	}
}
