// Package beat runs the periodic scheduler: it projects the enabled entries
// of a store into a due-ordered heap, sleeps until the earliest one is due,
// hands due occurrences to a dispatch sink and records each run.
package beat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/lease"
	"github.com/flemzord/sbeat/internal/metrics"
	"github.com/flemzord/sbeat/internal/reload"
	"github.com/flemzord/sbeat/internal/schedule"
	"github.com/flemzord/sbeat/internal/store"
)

// ErrRunning is returned by Run when the engine is already running.
var ErrRunning = errors.New("beat: engine already running")

// Default timings.
const (
	DefaultMaxInterval     = 5 * time.Second
	DefaultDispatchTimeout = 10 * time.Second
	DefaultBackoffInitial  = time.Second
	DefaultBackoffMax      = 5 * time.Minute
)

// maxMissedCount caps how many skipped occurrences are counted for a
// coalesced dispatch.
const maxMissedCount = 10000

// Config holds the engine settings.
type Config struct {
	// MaxInterval caps every sleep, so the store version is polled at least
	// this often.
	MaxInterval time.Duration

	// DispatchTimeout bounds a single hand-off to the sink.
	DispatchTimeout time.Duration

	// BackoffInitial and BackoffMax bound the delay between failed reloads.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// LeaseRetry is the standby interval while another scheduler holds the
	// lease. Zero means a third of the lease TTL.
	LeaseRetry time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Events  *Bus

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(DefaultBackoffMax, c.BackoffInitial)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("sbeat/beat")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	State       State         `json:"state"`
	Entries     int           `json:"entries"`
	Version     int64         `json:"version"`
	Loaded      bool          `json:"loaded"`
	LastReload  *time.Time    `json:"last_reload,omitempty"`
	NextDue     *time.Time    `json:"next_due,omitempty"`
	NextEntry   string        `json:"next_entry,omitempty"`
	Backoff     time.Duration `json:"backoff"`
	PendingRuns int           `json:"pending_runs"`
	LeaseHolder string        `json:"lease_holder,omitempty"`
}

// pendingRun is a run that was dispatched but not yet recorded.
type pendingRun struct {
	runAt     time.Time
	increment int64
}

// Engine is the scheduler loop. Run drives it; the other methods are safe
// to call from any goroutine.
type Engine struct {
	cfg   Config
	store store.Reader
	sink  dispatch.Sink
	lease lease.Lease
	guard *lease.Guard
	coord *reload.Coordinator

	state   atomic.Int32
	running atomic.Bool
	wake    chan struct{}
	force   atomic.Bool

	mu         sync.RWMutex
	proj       *projection
	lastReload time.Time
	backoff    time.Duration
	retryAt    time.Time
	pending    map[int64]pendingRun
	leaseErr   error
}

// New creates an engine reading entries from st and handing occurrences to
// sink. l may be nil when a single scheduler is guaranteed by other means.
func New(cfg Config, st store.Reader, sink dispatch.Sink, l lease.Lease) *Engine {
	cfg = cfg.withDefaults()
	var g *lease.Guard
	if l != nil {
		g = lease.NewGuard(l.TTL())
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		sink:    dispatch.WithTimeout(sink, cfg.DispatchTimeout),
		lease:   l,
		guard:   g,
		coord:   reload.NewCoordinator(st),
		wake:    make(chan struct{}, 1),
		proj:    newProjection(),
		pending: make(map[int64]pendingRun),
	}
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Wake interrupts the current sleep so the engine re-evaluates right away.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Tick runs a pass now instead of waiting for the earliest due entry.
func (e *Engine) Tick() {
	e.Wake()
}

// ForceReload makes the next pass rebuild the projection even if the store
// version has not moved, bypassing any reload backoff.
func (e *Engine) ForceReload() {
	e.coord.Invalidate()
	e.force.Store(true)
	e.Wake()
}

// Projection returns the enabled entries ordered by due time.
func (e *Engine) Projection() []SlotView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proj.snapshot()
}

// Stats returns a summary of the engine.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Stats{
		State:       e.State(),
		Entries:     e.proj.len(),
		Backoff:     e.backoff,
		PendingRuns: len(e.pending),
	}
	st.Version, st.Loaded = e.coord.Last()
	if !e.lastReload.IsZero() {
		t := e.lastReload
		st.LastReload = &t
	}
	if s := e.proj.peek(); s != nil {
		t := s.due
		st.NextDue = &t
		st.NextEntry = s.entry.Name
	}
	if e.lease != nil {
		st.LeaseHolder = e.lease.Holder()
	}
	return st
}

// Run drives the engine until ctx ends or the lease is lost. With a lease it
// first stands by until the lease is acquired and releases it on return.
// It returns nil on cancellation and an error wrapping lease.ErrLost when
// another scheduler took over.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer e.running.Store(false)
	defer e.setState(Stopped)

	log := e.cfg.Logger
	e.setState(Idle)

	if e.lease != nil {
		if err := lease.Wait(ctx, e.lease, e.guard, e.cfg.LeaseRetry, log); err != nil {
			return nil
		}
		log.Info("beat: lease acquired", "holder", e.lease.Holder(), "ttl", e.lease.TTL())

		keepCtx, stopKeep := context.WithCancel(ctx)
		kept := make(chan struct{})
		go func() {
			defer close(kept)
			if err := lease.Keep(keepCtx, e.lease, e.guard, e.lease.TTL()/3, log); err != nil {
				e.mu.Lock()
				e.leaseErr = err
				e.mu.Unlock()
				e.Wake()
			}
		}()
		defer func() {
			stopKeep()
			<-kept
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := e.lease.Release(releaseCtx); err != nil {
				log.Warn("beat: lease release failed", "error", err)
			}
		}()
	}

	log.Info("beat: scheduler started", "max_interval", e.cfg.MaxInterval)
	for {
		if err := e.lostLease(); err != nil {
			log.Error("beat: lease lost, stopping", "error", err)
			return err
		}
		if ctx.Err() != nil {
			log.Info("beat: scheduler stopped")
			return nil
		}

		d := e.step(ctx)

		e.setState(Sleeping)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-e.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (e *Engine) lostLease() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leaseErr
}

// step runs one pass: flush unrecorded runs, reload if the store changed,
// fire every due slot. It returns how long to sleep before the next pass.
func (e *Engine) step(ctx context.Context) time.Duration {
	e.setState(ComputingNextTick)
	e.flushPending(ctx)

	now := e.cfg.Now()
	forced := e.force.Swap(false)
	e.mu.RLock()
	gated := !forced && now.Before(e.retryAt)
	e.mu.RUnlock()

	if !gated && ctx.Err() == nil {
		observed, changed, err := e.coord.Check(ctx)
		switch {
		case err != nil:
			e.reloadFailed(ctx, fmt.Errorf("read version: %w", err))
		case !changed:
			e.mu.Lock()
			e.backoff, e.retryAt = 0, time.Time{}
			e.mu.Unlock()
		default:
			e.setState(Reloading)
			if err := e.reload(ctx, observed); err != nil {
				e.reloadFailed(ctx, err)
			}
		}
	}

	e.fireDue(ctx)
	e.setState(ComputingNextTick)
	return e.sleepFor()
}

// sleepFor returns the delay until the earliest due slot, the end of the
// reload backoff or MaxInterval, whichever comes first.
func (e *Engine) sleepFor() time.Duration {
	now := e.cfg.Now()
	d := e.cfg.MaxInterval

	e.mu.RLock()
	defer e.mu.RUnlock()
	if s := e.proj.peek(); s != nil {
		d = min(d, s.due.Sub(now))
	}
	if !e.retryAt.IsZero() && e.retryAt.After(now) {
		d = min(d, e.retryAt.Sub(now))
	}
	return max(d, 0)
}

// reload rebuilds the projection from the store. Entries whose fingerprint
// did not change keep their in-memory due time, so an unrelated write never
// makes an entry fire twice or skip an occurrence.
func (e *Engine) reload(ctx context.Context, observed int64) error {
	ctx, span := e.cfg.Tracer.Start(ctx, "beat.reload", trace.WithAttributes(
		attribute.Int64("sbeat.store.version", observed),
	))
	defer span.End()

	entries, err := e.store.ListEnabled(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list enabled entries")
		return fmt.Errorf("list enabled entries: %w", err)
	}

	now := e.cfg.Now()
	next := newProjection()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ent := range entries {
		sched, err := ent.Schedule()
		if err != nil {
			e.cfg.Logger.Warn("beat: entry has no usable schedule", "entry", ent.Name, "error", err)
			continue
		}
		fp := ent.Fingerprint()
		old, had := e.proj.get(ent.Name)
		if had && old.entry.ID != ent.ID {
			had = false
		}

		if had && old.fingerprint == fp {
			kept := *old
			kept.entry = ent
			if p, ok := e.pending[ent.ID]; ok {
				kept.entry.TotalRunCount += p.increment
			}
			next.push(&kept)
			continue
		}

		anchor := ent.DateChanged
		if ent.LastRunAt != nil {
			anchor = *ent.LastRunAt
		}
		if had && old.last.After(anchor) {
			anchor = old.last
		}
		if p, ok := e.pending[ent.ID]; ok && p.runAt.After(anchor) {
			anchor = p.runAt
		}

		due, _ := schedule.Evaluate(sched, anchor, now)
		if due.IsZero() {
			continue
		}
		last := schedule.Normalize(anchor)
		if ent.Expires != nil {
			at := due
			if latest, ok := schedule.Latest(sched, last, now); ok && latest.After(at) {
				at = latest
			}
			if at.After(*ent.Expires) {
				continue
			}
		}
		next.push(&slot{
			entry:       ent,
			sched:       sched,
			fingerprint: fp,
			last:        last,
			due:         due,
		})
	}

	e.proj = next
	e.lastReload = now
	e.backoff = 0
	e.retryAt = time.Time{}
	e.coord.Commit(observed)

	n := next.len()
	e.cfg.Metrics.RecordReload(true, n, observed)
	e.cfg.Events.Publish(Event{Kind: EventReloaded, At: now, Version: observed, Entries: n})
	span.SetAttributes(attribute.Int("sbeat.projection.entries", n))
	e.cfg.Logger.Debug("beat: projection reloaded", "version", observed, "entries", n)
	return nil
}

// reloadFailed keeps the previous projection and schedules the next attempt
// with exponential backoff.
func (e *Engine) reloadFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	now := e.cfg.Now()

	e.mu.Lock()
	if e.backoff == 0 {
		e.backoff = e.cfg.BackoffInitial
	} else {
		e.backoff = min(e.backoff*2, e.cfg.BackoffMax)
	}
	backoff := e.backoff
	e.retryAt = now.Add(backoff)
	entries := e.proj.len()
	e.mu.Unlock()

	e.cfg.Metrics.RecordReload(false, entries, 0)
	e.cfg.Events.Publish(Event{Kind: EventReloadFailed, At: now, Error: err.Error()})
	e.cfg.Logger.Warn("beat: reload failed, keeping previous projection",
		"error", err, "retry_in", backoff, "entries", entries)
}

// fireDue dispatches every slot due at the start of the pass. Dispatches
// run on a context detached from ctx so a shutdown lets the pass finish.
func (e *Engine) fireDue(ctx context.Context) {
	now := e.cfg.Now()

	e.mu.RLock()
	first := e.proj.peek()
	ready := first != nil && !first.due.After(now)
	e.mu.RUnlock()
	if !ready {
		return
	}

	e.setState(Firing)
	fireCtx := context.WithoutCancel(ctx)
	fireCtx, span := e.cfg.Tracer.Start(fireCtx, "beat.tick")
	defer span.End()

	fired := 0
	for {
		if err := e.lostLease(); err != nil {
			e.cfg.Metrics.RecordSkip(metrics.SkipLease)
			break
		}
		if e.guard != nil && !e.guard.Valid(time.Now()) {
			e.cfg.Metrics.RecordSkip(metrics.SkipLease)
			e.cfg.Logger.Warn("beat: lease deadline passed, holding dispatch", "deadline", e.guard.Until())
			break
		}

		e.mu.Lock()
		s := e.proj.peek()
		if s == nil || s.due.After(now) {
			e.mu.Unlock()
			break
		}
		e.proj.pop()
		e.mu.Unlock()

		keep := e.fire(fireCtx, s, now)
		fired++

		if keep {
			e.mu.Lock()
			e.proj.push(s)
			e.mu.Unlock()
		}
	}

	end := e.cfg.Now()
	span.SetAttributes(attribute.Int("sbeat.tick.fired", fired))
	e.cfg.Metrics.ObserveTick(end.Sub(now), end)

	e.mu.RLock()
	e.cfg.Metrics.SetProjection(e.proj.len())
	e.mu.RUnlock()
}

// fire handles one due slot and reports whether it stays in the
// projection. Missed occurrences collapse into the most recent one.
func (e *Engine) fire(ctx context.Context, s *slot, now time.Time) bool {
	ent := s.entry
	log := e.cfg.Logger.With("entry", ent.Name, "task", ent.Task)

	if !ent.Enabled {
		e.cfg.Metrics.RecordSkip(metrics.SkipDisabled)
		return false
	}

	at := s.due
	missed := 0
	if latest, ok := schedule.Latest(s.sched, s.last, now); ok && latest.After(at) {
		for t := at; !t.IsZero() && t.Before(latest) && missed < maxMissedCount; t = schedule.Normalize(s.sched.Next(t)) {
			missed++
		}
		at = latest
		log.Info("beat: coalescing missed occurrences", "missed", missed, "run_at", at)
	}

	if ent.Expires != nil && at.After(*ent.Expires) {
		e.cfg.Metrics.RecordSkip(metrics.SkipExpired)
		e.cfg.Events.Publish(Event{Kind: EventSkippedExpired, At: now, Entry: ent.Name, Task: ent.Task, Due: at})
		log.Info("beat: entry expired, skipping", "due", at, "expires", *ent.Expires)
		return false
	}

	ctx, span := e.cfg.Tracer.Start(ctx, "beat.dispatch", trace.WithAttributes(
		attribute.String("sbeat.entry", ent.Name),
		attribute.String("sbeat.task", ent.Task),
		attribute.String("sbeat.due", at.Format(time.RFC3339)),
	))
	err := e.sink.Submit(ctx, dispatch.FromEntry(ent, at))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch")
		span.End()
		e.cfg.Metrics.RecordDispatch(false)
		e.cfg.Events.Publish(Event{Kind: EventDispatchFailed, At: now, Entry: ent.Name, Task: ent.Task, Due: at, Error: err.Error()})
		log.Warn("beat: dispatch failed", "due", at, "error", err)
	} else {
		span.End()
		e.cfg.Metrics.RecordDispatch(true)
		e.cfg.Events.Publish(Event{Kind: EventDispatched, At: now, Entry: ent.Name, Task: ent.Task, Due: at, Missed: missed})
		log.Info("beat: dispatched", "due", at)

		t := at
		s.entry.LastRunAt = &t
		s.entry.TotalRunCount++
		e.record(ctx, ent.ID, at)
	}

	s.last = at
	s.due = schedule.Normalize(s.sched.Next(at))
	if s.due.IsZero() {
		return false
	}
	if ent.Expires != nil && s.due.After(*ent.Expires) {
		return false
	}
	return true
}

// record persists a run. On failure the run is kept and retried at the
// start of every pass.
func (e *Engine) record(ctx context.Context, id int64, at time.Time) {
	e.mu.Lock()
	p := e.pending[id]
	p.increment++
	if at.After(p.runAt) {
		p.runAt = at
	}
	e.pending[id] = p
	e.mu.Unlock()

	e.flushOne(ctx, id)
}

func (e *Engine) flushPending(ctx context.Context) {
	e.mu.RLock()
	ids := make([]int64, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		if !e.flushOne(ctx, id) {
			return
		}
	}
}

// flushOne writes the pending run of id and reports whether the store
// accepted it. A vanished entry drops the pending run.
func (e *Engine) flushOne(ctx context.Context, id int64) bool {
	e.mu.RLock()
	p, ok := e.pending[id]
	e.mu.RUnlock()
	if !ok {
		return true
	}

	err := e.store.RecordRun(ctx, id, p.runAt, p.increment)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.cfg.Logger.Warn("beat: record run failed, will retry", "entry_id", id, "run_at", p.runAt, "error", err)
		return false
	}

	e.mu.Lock()
	if cur := e.pending[id]; cur.increment == p.increment {
		delete(e.pending, id)
	} else {
		cur.increment -= p.increment
		e.pending[id] = cur
	}
	e.mu.Unlock()
	return true
}

// Subscribe returns engine events. Without a configured bus the channel is
// closed immediately.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if e.cfg.Events == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	return e.cfg.Events.Subscribe(buffer)
}
