// Package control sends out-of-band commands to running workers: revoking
// tasks, adjusting rate limits, toggling events and shutting workers down.
// Delivery is best effort and at least once; the scheduler does not use it.
package control

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceName is the AppContext service key of the active broadcaster.
const ServiceName = "control.broadcaster"

// ErrInvalid is returned for malformed commands.
var ErrInvalid = errors.New("control: invalid command")

// Kind names a control command.
type Kind string

// Command kinds understood by workers.
const (
	KindRevoke        Kind = "revoke"
	KindRateLimit     Kind = "rate_limit"
	KindShutdown      Kind = "shutdown"
	KindEnableEvents  Kind = "enable_events"
	KindDisableEvents Kind = "disable_events"
	KindPing          Kind = "ping"
)

// Command is one broadcast message. An empty Destination addresses every
// worker.
type Command struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Destination []string       `json:"destination,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	SentAt      time.Time      `json:"sent_at"`
}

// Broadcaster publishes commands to workers.
type Broadcaster interface {
	Broadcast(ctx context.Context, cmd Command) error
}

func newCommand(kind Kind, dest []string, args map[string]any) Command {
	return Command{
		ID:          uuid.NewString(),
		Kind:        kind,
		Destination: dest,
		Arguments:   args,
		SentAt:      time.Now().UTC(),
	}
}

// Revoke asks workers to discard a task that has not started yet.
func Revoke(taskID string) (Command, error) {
	if taskID == "" {
		return Command{}, fmt.Errorf("%w: task id is required", ErrInvalid)
	}
	return newCommand(KindRevoke, nil, map[string]any{"task_id": taskID, "terminate": false}), nil
}

// Terminate revokes a task and stops it if it is running (SIGTERM).
func Terminate(taskID string) (Command, error) {
	return terminateWith(taskID, "SIGTERM")
}

// Kill revokes a task and kills it if it is running (SIGKILL).
func Kill(taskID string) (Command, error) {
	return terminateWith(taskID, "SIGKILL")
}

func terminateWith(taskID, signal string) (Command, error) {
	cmd, err := Revoke(taskID)
	if err != nil {
		return cmd, err
	}
	cmd.Arguments["terminate"] = true
	cmd.Arguments["signal"] = signal
	return cmd, nil
}

// RateLimit sets the rate limit of a task type on the given workers.
func RateLimit(taskName, rate string, dest ...string) (Command, error) {
	if taskName == "" {
		return Command{}, fmt.Errorf("%w: task name is required", ErrInvalid)
	}
	if err := ValidateRate(rate); err != nil {
		return Command{}, err
	}
	return newCommand(KindRateLimit, dest, map[string]any{"task_name": taskName, "rate_limit": rate}), nil
}

// Shutdown asks the given workers to stop.
func Shutdown(dest ...string) Command { return newCommand(KindShutdown, dest, nil) }

// EnableEvents asks the given workers to emit task events.
func EnableEvents(dest ...string) Command { return newCommand(KindEnableEvents, dest, nil) }

// DisableEvents asks the given workers to stop emitting task events.
func DisableEvents(dest ...string) Command { return newCommand(KindDisableEvents, dest, nil) }

// Ping asks the given workers to reply.
func Ping(dest ...string) Command { return newCommand(KindPing, dest, nil) }

var rateRe = regexp.MustCompile(`^\d+(\.\d+)?(/[smh])?$`)

// ValidateRate accepts "n", "n/s", "n/m" and "n/h". An empty rate clears
// the limit.
func ValidateRate(rate string) error {
	if rate == "" || rateRe.MatchString(rate) {
		return nil
	}
	return fmt.Errorf("%w: rate %q must look like 10, 10/s, 10/m or 10/h", ErrInvalid, rate)
}

// Memory records broadcast commands in process.
type Memory struct {
	mu       sync.Mutex
	commands []Command
}

var _ Broadcaster = (*Memory)(nil)

// Broadcast implements Broadcaster.
func (m *Memory) Broadcast(_ context.Context, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	return nil
}

// Commands returns the recorded commands.
func (m *Memory) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}
