// Package memstore is an in-memory store.Store. It holds the same
// invariants as the SQL stores and backs tests and the store.memory module.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flemzord/sbeat/internal/schedule"
	"github.com/flemzord/sbeat/internal/store"
)

// Store is a mutex-guarded in-memory entry store.
type Store struct {
	mu sync.RWMutex

	now     func() time.Time
	failure error
	closed  bool

	nextID    int64
	intervals map[int64]store.IntervalSchedule
	crontabs  map[int64]store.CrontabSchedule
	entries   map[int64]store.Entry
	version   store.Version
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for date_changed and the version
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store at version 0.
func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		intervals: make(map[int64]store.IntervalSchedule),
		crontabs:  make(map[int64]store.CrontabSchedule),
		entries:   make(map[int64]store.Entry),
	}
	for _, o := range opts {
		o(s)
	}
	s.version.UpdatedAt = s.now().UTC()
	return s
}

// SetFailure makes every subsequent operation fail with err wrapped in
// store.ErrUnavailable. A nil err restores normal operation.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *Store) check() error {
	if s.closed {
		return fmt.Errorf("%w: store closed", store.ErrUnavailable)
	}
	if s.failure != nil {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, s.failure)
	}
	return nil
}

// bump must be called with mu held for writing.
func (s *Store) bump() {
	s.version.Value++
	s.version.UpdatedAt = s.now().UTC()
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// --- intervals ---

// CreateInterval implements store.Store. An equal interval is reused.
func (s *Store) CreateInterval(_ context.Context, iv store.IntervalSchedule) (store.IntervalSchedule, error) {
	iv, err := store.NormalizeInterval(iv)
	if err != nil {
		return iv, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return iv, err
	}
	for _, existing := range s.intervals {
		if store.SameInterval(existing, iv) {
			return existing, nil
		}
	}
	iv.ID = s.id()
	s.intervals[iv.ID] = iv
	s.bump()
	return iv, nil
}

// GetInterval implements store.Store.
func (s *Store) GetInterval(_ context.Context, id int64) (store.IntervalSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return store.IntervalSchedule{}, err
	}
	iv, ok := s.intervals[id]
	if !ok {
		return iv, fmt.Errorf("%w: interval %d", store.ErrNotFound, id)
	}
	return iv, nil
}

// ListIntervals implements store.Store.
func (s *Store) ListIntervals(_ context.Context) ([]store.IntervalSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]store.IntervalSchedule, 0, len(s.intervals))
	for _, iv := range s.intervals {
		out = append(out, iv)
	}
	slices.SortFunc(out, func(a, b store.IntervalSchedule) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// DeleteInterval implements store.Store.
func (s *Store) DeleteInterval(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.intervals[id]; !ok {
		return fmt.Errorf("%w: interval %d", store.ErrNotFound, id)
	}
	for _, e := range s.entries {
		if e.IntervalID != nil && *e.IntervalID == id {
			return fmt.Errorf("%w: interval %d is used by entry %q", store.ErrDefinition, id, e.Name)
		}
	}
	delete(s.intervals, id)
	s.bump()
	return nil
}

// --- crontabs ---

// CreateCrontab implements store.Store. An equal crontab is reused.
func (s *Store) CreateCrontab(_ context.Context, c store.CrontabSchedule) (store.CrontabSchedule, error) {
	c, err := store.NormalizeCrontab(c)
	if err != nil {
		return c, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return c, err
	}
	for _, existing := range s.crontabs {
		if store.SameCrontab(existing, c) {
			return existing, nil
		}
	}
	c.ID = s.id()
	s.crontabs[c.ID] = c
	s.bump()
	return c, nil
}

// GetCrontab implements store.Store.
func (s *Store) GetCrontab(_ context.Context, id int64) (store.CrontabSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return store.CrontabSchedule{}, err
	}
	c, ok := s.crontabs[id]
	if !ok {
		return c, fmt.Errorf("%w: crontab %d", store.ErrNotFound, id)
	}
	return c, nil
}

// ListCrontabs implements store.Store.
func (s *Store) ListCrontabs(_ context.Context) ([]store.CrontabSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]store.CrontabSchedule, 0, len(s.crontabs))
	for _, c := range s.crontabs {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b store.CrontabSchedule) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// DeleteCrontab implements store.Store.
func (s *Store) DeleteCrontab(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.crontabs[id]; !ok {
		return fmt.Errorf("%w: crontab %d", store.ErrNotFound, id)
	}
	for _, e := range s.entries {
		if e.CrontabID != nil && *e.CrontabID == id {
			return fmt.Errorf("%w: crontab %d is used by entry %q", store.ErrDefinition, id, e.Name)
		}
	}
	delete(s.crontabs, id)
	s.bump()
	return nil
}

// --- entries ---

// CreateEntry implements store.Store.
func (s *Store) CreateEntry(_ context.Context, e store.Entry) (store.Entry, error) {
	e, err := e.Validate()
	if err != nil {
		return e, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return e, err
	}
	if err := s.checkRefs(e); err != nil {
		return e, err
	}
	if s.nameTaken(e.Name, 0) {
		return e, fmt.Errorf("%w: entry name %q already exists", store.ErrConflict, e.Name)
	}

	e.ID = s.id()
	e.DateChanged = s.now().UTC()
	if e.LastRunAt != nil {
		t := schedule.Normalize(*e.LastRunAt)
		e.LastRunAt = &t
	}
	e.Interval, e.Crontab = nil, nil
	s.entries[e.ID] = cloneEntry(e)
	s.bump()
	return s.resolve(e), nil
}

// GetEntry implements store.Store.
func (s *Store) GetEntry(_ context.Context, id int64) (store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return store.Entry{}, err
	}
	e, ok := s.entries[id]
	if !ok {
		return e, fmt.Errorf("%w: entry %d", store.ErrNotFound, id)
	}
	return s.resolve(e), nil
}

// GetEntryByName implements store.Store.
func (s *Store) GetEntryByName(_ context.Context, name string) (store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return store.Entry{}, err
	}
	for _, e := range s.entries {
		if e.Name == name {
			return s.resolve(e), nil
		}
	}
	return store.Entry{}, fmt.Errorf("%w: entry %q", store.ErrNotFound, name)
}

// ListEntries implements store.Store.
func (s *Store) ListEntries(_ context.Context, opts store.ListOptions) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]store.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if opts.EnabledOnly && !e.Enabled {
			continue
		}
		if opts.Search != "" && !strings.Contains(e.Name, opts.Search) && !strings.Contains(e.Task, opts.Search) {
			continue
		}
		out = append(out, s.resolve(e))
	}
	slices.SortFunc(out, func(a, b store.Entry) int {
		if a.Enabled != b.Enabled {
			if a.Enabled {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

// ListEnabled implements store.Reader.
func (s *Store) ListEnabled(ctx context.Context) ([]store.Entry, error) {
	return s.ListEntries(ctx, store.ListOptions{EnabledOnly: true})
}

// UpdateEntry implements store.Store. Run bookkeeping is preserved.
func (s *Store) UpdateEntry(_ context.Context, e store.Entry) (store.Entry, error) {
	e, err := e.Validate()
	if err != nil {
		return e, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return e, err
	}
	cur, ok := s.entries[e.ID]
	if !ok {
		return e, fmt.Errorf("%w: entry %d", store.ErrNotFound, e.ID)
	}
	if err := s.checkRefs(e); err != nil {
		return e, err
	}
	if s.nameTaken(e.Name, e.ID) {
		return e, fmt.Errorf("%w: entry name %q already exists", store.ErrConflict, e.Name)
	}

	e.LastRunAt = cur.LastRunAt
	e.TotalRunCount = cur.TotalRunCount
	e.DateChanged = s.now().UTC()
	e.Interval, e.Crontab = nil, nil
	s.entries[e.ID] = cloneEntry(e)
	s.bump()
	return s.resolve(e), nil
}

// SetEnabled implements store.Store.
func (s *Store) SetEnabled(_ context.Context, ids []int64, enabled bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	changed := 0
	now := s.now().UTC()
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok || e.Enabled == enabled {
			continue
		}
		e.Enabled = enabled
		e.DateChanged = now
		s.entries[id] = e
		changed++
	}
	if changed > 0 {
		s.bump()
	}
	return changed, nil
}

// DeleteEntry implements store.Store.
func (s *Store) DeleteEntry(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: entry %d", store.ErrNotFound, id)
	}
	delete(s.entries, id)
	s.bump()
	return nil
}

// RecordRun implements store.Reader.
func (s *Store) RecordRun(_ context.Context, id int64, runAt time.Time, increment int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: entry %d", store.ErrNotFound, id)
	}
	t := schedule.Normalize(runAt)
	e.LastRunAt = &t
	e.TotalRunCount += increment
	s.entries[id] = e
	return nil
}

// --- version ---

// Version implements store.Reader.
func (s *Store) Version(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.version.Value, nil
}

// CurrentVersion implements store.Store.
func (s *Store) CurrentVersion(_ context.Context) (store.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return store.Version{}, err
	}
	return s.version, nil
}

// Ping implements store.Store.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check()
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// --- helpers (mu held) ---

func (s *Store) checkRefs(e store.Entry) error {
	if e.IntervalID != nil {
		if _, ok := s.intervals[*e.IntervalID]; !ok {
			return fmt.Errorf("%w: interval %d does not exist", store.ErrDefinition, *e.IntervalID)
		}
	}
	if e.CrontabID != nil {
		if _, ok := s.crontabs[*e.CrontabID]; !ok {
			return fmt.Errorf("%w: crontab %d does not exist", store.ErrDefinition, *e.CrontabID)
		}
	}
	return nil
}

func (s *Store) nameTaken(name string, except int64) bool {
	for id, e := range s.entries {
		if id != except && e.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) resolve(e store.Entry) store.Entry {
	e = cloneEntry(e)
	if e.IntervalID != nil {
		if iv, ok := s.intervals[*e.IntervalID]; ok {
			e.Interval = &iv
		}
	}
	if e.CrontabID != nil {
		if c, ok := s.crontabs[*e.CrontabID]; ok {
			e.Crontab = &c
		}
	}
	return e
}

func cloneEntry(e store.Entry) store.Entry {
	e.Args = slices.Clone(e.Args)
	e.Kwargs = slices.Clone(e.Kwargs)
	e.IntervalID = clonePtr(e.IntervalID)
	e.CrontabID = clonePtr(e.CrontabID)
	e.Expires = clonePtr(e.Expires)
	e.LastRunAt = clonePtr(e.LastRunAt)
	e.Interval = clonePtr(e.Interval)
	e.Crontab = clonePtr(e.Crontab)
	return e
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
