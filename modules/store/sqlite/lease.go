package sqlite

import (
	"context"
	"time"

	"github.com/flemzord/sbeat/internal/lease"
)

var _ lease.Provider = (*Store)(nil)

// NewLease implements lease.Provider with a row in the leases table. All
// schedulers sharing the database file exclude each other.
func (s *Store) NewLease(name, holder string, ttl time.Duration) lease.Lease {
	return &tableLease{store: s, name: name, holder: holder, ttl: ttl}
}

type tableLease struct {
	store  *Store
	name   string
	holder string
	ttl    time.Duration
}

func (l *tableLease) Acquire(ctx context.Context) (bool, error) {
	now := l.store.now()
	res, err := l.store.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.holder = excluded.holder`,
		l.name, l.holder, now.Add(l.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, mapErr(err)
}

func (l *tableLease) Renew(ctx context.Context) (bool, error) {
	now := l.store.now()
	res, err := l.store.db.ExecContext(ctx,
		"UPDATE leases SET expires_at = ? WHERE name = ? AND holder = ?",
		now.Add(l.ttl).UnixMilli(), l.name, l.holder)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, mapErr(err)
}

func (l *tableLease) Release(ctx context.Context) error {
	_, err := l.store.db.ExecContext(ctx, "DELETE FROM leases WHERE name = ? AND holder = ?", l.name, l.holder)
	return mapErr(err)
}

func (l *tableLease) Holder() string     { return l.holder }
func (l *tableLease) TTL() time.Duration { return l.ttl }
