package lease

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process lease table. Leases created from the same Memory
// exclude each other.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryRow
}

type memoryRow struct {
	holder  string
	expires time.Time
}

var _ Provider = (*Memory)(nil)

// NewMemory returns an empty table. A nil now uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, leases: make(map[string]memoryRow)}
}

// NewLease implements Provider.
func (m *Memory) NewLease(name, holder string, ttl time.Duration) Lease {
	return &memoryLease{table: m, name: name, holder: holder, ttl: ttl}
}

// Holder returns the current holder of name, or "" if free or expired.
func (m *Memory) Holder(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.leases[name]
	if !ok || !m.now().Before(row.expires) {
		return ""
	}
	return row.holder
}

type memoryLease struct {
	table  *Memory
	name   string
	holder string
	ttl    time.Duration
}

func (l *memoryLease) Acquire(_ context.Context) (bool, error) {
	m := l.table
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	row, ok := m.leases[l.name]
	if ok && row.holder != l.holder && now.Before(row.expires) {
		return false, nil
	}
	m.leases[l.name] = memoryRow{holder: l.holder, expires: now.Add(l.ttl)}
	return true, nil
}

func (l *memoryLease) Renew(_ context.Context) (bool, error) {
	m := l.table
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	row, ok := m.leases[l.name]
	if !ok || row.holder != l.holder || !now.Before(row.expires) {
		return false, nil
	}
	m.leases[l.name] = memoryRow{holder: l.holder, expires: now.Add(l.ttl)}
	return true, nil
}

func (l *memoryLease) Release(_ context.Context) error {
	m := l.table
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.leases[l.name]; ok && row.holder == l.holder {
		delete(m.leases, l.name)
	}
	return nil
}

func (l *memoryLease) Holder() string     { return l.holder }
func (l *memoryLease) TTL() time.Duration { return l.ttl }
