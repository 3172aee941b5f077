package postgres

import (
	"context"
	"time"

	"github.com/flemzord/sbeat/internal/lease"
)

var _ lease.Provider = (*Store)(nil)

// NewLease implements lease.Provider with a row in the leases table.
// Expiry is computed with the database clock, so schedulers on hosts with
// skewed clocks still agree on when a lease lapses.
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
	tag, err := l.store.pool.Exec(ctx, `
		INSERT INTO leases (name, holder, expires_at)
		VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.expires_at < now() OR leases.holder = excluded.holder`,
		l.name, l.holder, l.ttl.Milliseconds())
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (l *tableLease) Renew(ctx context.Context) (bool, error) {
	tag, err := l.store.pool.Exec(ctx, `
		UPDATE leases SET expires_at = now() + $1::bigint * interval '1 millisecond'
		WHERE name = $2 AND holder = $3`,
		l.ttl.Milliseconds(), l.name, l.holder)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (l *tableLease) Release(ctx context.Context) error {
	_, err := l.store.pool.Exec(ctx, "DELETE FROM leases WHERE name = $1 AND holder = $2", l.name, l.holder)
	return mapErr(err)
}

func (l *tableLease) Holder() string     { return l.holder }
func (l *tableLease) TTL() time.Duration { return l.ttl }
