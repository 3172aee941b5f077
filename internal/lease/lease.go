// Package lease provides the exclusive lease that keeps a single scheduler
// active against an entry store.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultName is the lease name used by the scheduler.
const DefaultName = "sbeat:scheduler"

// ServiceName is the AppContext service key of the configured Provider.
const ServiceName = "lease.provider"

// ErrLost is returned when a held lease could not be renewed or was taken
// by another holder.
var ErrLost = errors.New("lease: lost")

// Lease is an exclusive, expiring lock owned by one holder.
type Lease interface {
	// Acquire takes the lease if it is free or expired. It reports whether
	// this holder now owns it.
	Acquire(ctx context.Context) (bool, error)
	// Renew extends the lease. It reports false if the holder no longer
	// owns it.
	Renew(ctx context.Context) (bool, error)
	// Release gives the lease up if this holder owns it.
	Release(ctx context.Context) error
	// Holder returns the identity written into the lease.
	Holder() string
	// TTL returns the lease duration.
	TTL() time.Duration
}

// Provider creates leases backed by a shared resource (a database table,
// a Redis key).
type Provider interface {
	NewLease(name, holder string, ttl time.Duration) Lease
}

// HolderID returns a process-unique holder identity "hostname:pid:uuid".
func HolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// Guard tracks how long this process may act as the lease holder. Its
// deadline is counted from the moment the last successful Acquire or Renew
// was sent, less a margin, so it never outlives the expiry the backend
// recorded for that request.
type Guard struct {
	ttl    time.Duration
	margin time.Duration

	mu    sync.Mutex
	until time.Time
}

// NewGuard returns a guard for leases of the given TTL. It holds nothing
// until a Wait or Keep succeeds.
func NewGuard(ttl time.Duration) *Guard {
	return &Guard{ttl: ttl, margin: ttl / 10}
}

func (g *Guard) extend(sent time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until := sent.Add(g.ttl - g.margin); until.After(g.until) {
		g.until = until
	}
}

// Until returns the local deadline.
func (g *Guard) Until() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.until
}

// Valid reports whether the lease is still known to be held at now.
func (g *Guard) Valid(now time.Time) bool {
	return now.Before(g.Until())
}

// Wait blocks until l is acquired, retrying every retry, and extends g from
// the time the successful request was sent. It returns the context error if
// ctx ends first. Acquire errors are logged and retried.
func Wait(ctx context.Context, l Lease, g *Guard, retry time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if retry <= 0 {
		retry = l.TTL() / 3
	}

	waiting := false
	for {
		sent := time.Now()
		ok, err := l.Acquire(ctx)
		switch {
		case err != nil:
			logger.Warn("lease: acquire failed", "holder", l.Holder(), "error", err)
		case ok:
			g.extend(sent)
			if waiting {
				logger.Info("lease: acquired after standby", "holder", l.Holder())
			}
			return nil
		case !waiting:
			logger.Info("lease: held elsewhere, standing by", "holder", l.Holder(), "retry", retry)
			waiting = true
		}

		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Keep renews l every interval until ctx ends, then returns nil. Each
// successful renewal extends g. It returns ErrLost as soon as the lease is
// taken by someone else, or when a failed renewal leaves no room for another
// attempt before g's deadline.
func Keep(ctx context.Context, l Lease, g *Guard, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = l.TTL() / 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		sent := time.Now()
		if !g.Valid(sent) {
			return fmt.Errorf("%w: local deadline %s passed", ErrLost, g.Until().Format(time.RFC3339Nano))
		}
		ok, err := l.Renew(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			if deadline := g.Until(); !time.Now().Add(interval).Before(deadline) {
				return fmt.Errorf("%w: renew failing, deadline %s: %w", ErrLost, deadline.Format(time.RFC3339Nano), err)
			}
			logger.Warn("lease: renew failed, will retry", "holder", l.Holder(), "error", err)
		case !ok:
			return fmt.Errorf("%w: held by another scheduler", ErrLost)
		default:
			g.extend(sent)
		}
	}
}
