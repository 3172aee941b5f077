package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flemzord/sbeat/internal/schedule"
	"github.com/flemzord/sbeat/internal/store"
)

// Store is a store.Store over a PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// timestamp returns the current time at the database's microsecond
// precision, so values written and read back compare equal.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return mapErr(tx.Commit(ctx))
}

func (s *Store) bump(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		"UPDATE periodic_tasks_version SET value = value + 1, updated_at = $1 WHERE id = 1",
		s.timestamp())
	return mapErr(err)
}

// --- intervals ---

// CreateInterval implements store.Store. An equal interval is reused.
func (s *Store) CreateInterval(ctx context.Context, iv store.IntervalSchedule) (store.IntervalSchedule, error) {
	iv, err := store.NormalizeInterval(iv)
	if err != nil {
		return iv, err
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO interval_schedules (every, period) VALUES ($1, $2)
			ON CONFLICT (every, period) DO NOTHING
			RETURNING id`, iv.Every, string(iv.Period)).Scan(&iv.ID)
		if err == nil {
			return s.bump(ctx, tx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return mapErr(err)
		}
		return mapErr(tx.QueryRow(ctx,
			"SELECT id FROM interval_schedules WHERE every = $1 AND period = $2",
			iv.Every, string(iv.Period)).Scan(&iv.ID))
	})
	return iv, err
}

// GetInterval implements store.Store.
func (s *Store) GetInterval(ctx context.Context, id int64) (store.IntervalSchedule, error) {
	iv := store.IntervalSchedule{ID: id}
	var period string
	err := s.pool.QueryRow(ctx, "SELECT every, period FROM interval_schedules WHERE id = $1", id).
		Scan(&iv.Every, &period)
	if errors.Is(err, pgx.ErrNoRows) {
		return iv, fmt.Errorf("%w: interval %d", store.ErrNotFound, id)
	}
	if err != nil {
		return iv, mapErr(err)
	}
	iv.Period = schedule.Period(period)
	return iv, nil
}

// ListIntervals implements store.Store.
func (s *Store) ListIntervals(ctx context.Context) ([]store.IntervalSchedule, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, every, period FROM interval_schedules ORDER BY id")
	if err != nil {
		return nil, mapErr(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.IntervalSchedule, error) {
		var iv store.IntervalSchedule
		var period string
		err := row.Scan(&iv.ID, &iv.Every, &period)
		iv.Period = schedule.Period(period)
		return iv, err
	})
	return out, mapErr(err)
}

// DeleteInterval implements store.Store.
func (s *Store) DeleteInterval(ctx context.Context, id int64) error {
	return s.deleteSchedule(ctx, "interval_schedules", "interval_id", "interval", id)
}

// --- crontabs ---

// CreateCrontab implements store.Store. An equal crontab is reused.
func (s *Store) CreateCrontab(ctx context.Context, c store.CrontabSchedule) (store.CrontabSchedule, error) {
	c, err := store.NormalizeCrontab(c)
	if err != nil {
		return c, err
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO crontab_schedules (minute, hour, day_of_month, month_of_year, day_of_week, timezone)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (minute, hour, day_of_month, month_of_year, day_of_week, timezone) DO NOTHING
			RETURNING id`,
			c.Minute, c.Hour, c.DayOfMonth, c.MonthOfYear, c.DayOfWeek, c.Timezone).Scan(&c.ID)
		if err == nil {
			return s.bump(ctx, tx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return mapErr(err)
		}
		return mapErr(tx.QueryRow(ctx, `
			SELECT id FROM crontab_schedules
			WHERE minute = $1 AND hour = $2 AND day_of_month = $3 AND month_of_year = $4
				AND day_of_week = $5 AND timezone = $6`,
			c.Minute, c.Hour, c.DayOfMonth, c.MonthOfYear, c.DayOfWeek, c.Timezone).Scan(&c.ID))
	})
	return c, err
}

const crontabColumns = "id, minute, hour, day_of_month, month_of_year, day_of_week, timezone"

func scanCrontab(row pgx.Row) (store.CrontabSchedule, error) {
	var c store.CrontabSchedule
	err := row.Scan(&c.ID, &c.Minute, &c.Hour, &c.DayOfMonth, &c.MonthOfYear, &c.DayOfWeek, &c.Timezone)
	return c, err
}

// GetCrontab implements store.Store.
func (s *Store) GetCrontab(ctx context.Context, id int64) (store.CrontabSchedule, error) {
	c, err := scanCrontab(s.pool.QueryRow(ctx,
		"SELECT "+crontabColumns+" FROM crontab_schedules WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("%w: crontab %d", store.ErrNotFound, id)
	}
	return c, mapErr(err)
}

// ListCrontabs implements store.Store.
func (s *Store) ListCrontabs(ctx context.Context) ([]store.CrontabSchedule, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+crontabColumns+" FROM crontab_schedules ORDER BY id")
	if err != nil {
		return nil, mapErr(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.CrontabSchedule, error) {
		return scanCrontab(row)
	})
	return out, mapErr(err)
}

// DeleteCrontab implements store.Store.
func (s *Store) DeleteCrontab(ctx context.Context, id int64) error {
	return s.deleteSchedule(ctx, "crontab_schedules", "crontab_id", "crontab", id)
}

func (s *Store) deleteSchedule(ctx context.Context, table, column, kind string, id int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the row so a concurrent entry cannot start using it.
		var locked int64
		err := tx.QueryRow(ctx, "SELECT id FROM "+table+" WHERE id = $1 FOR UPDATE", id).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s %d", store.ErrNotFound, kind, id)
		}
		if err != nil {
			return mapErr(err)
		}
		var used int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM periodic_tasks WHERE "+column+" = $1", id).Scan(&used); err != nil {
			return mapErr(err)
		}
		if used > 0 {
			return fmt.Errorf("%w: %s %d is used by %d entries", store.ErrDefinition, kind, id, used)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE id = $1", id); err != nil {
			return mapErr(err)
		}
		return s.bump(ctx, tx)
	})
}

// --- entries ---

const entrySelect = `
	SELECT p.id, p.name, p.task, p.args, p.kwargs, p.interval_id, p.crontab_id,
		p.enabled, p.expires, p.queue, p.exchange, p.routing_key, p.description,
		p.last_run_at, p.total_run_count, p.date_changed,
		i.every, i.period,
		c.minute, c.hour, c.day_of_month, c.month_of_year, c.day_of_week, c.timezone
	FROM periodic_tasks p
	LEFT JOIN interval_schedules i ON i.id = p.interval_id
	LEFT JOIN crontab_schedules c ON c.id = p.crontab_id`

func scanEntry(row pgx.CollectableRow) (store.Entry, error) {
	var (
		e                      store.Entry
		args, kwargs           string
		every                  *int64
		period                 *string
		minute, hour, dom, moy *string
		dow, tz                *string
	)
	err := row.Scan(&e.ID, &e.Name, &e.Task, &args, &kwargs, &e.IntervalID, &e.CrontabID,
		&e.Enabled, &e.Expires, &e.Routing.Queue, &e.Routing.Exchange, &e.Routing.RoutingKey, &e.Description,
		&e.LastRunAt, &e.TotalRunCount, &e.DateChanged,
		&every, &period,
		&minute, &hour, &dom, &moy, &dow, &tz)
	if err != nil {
		return e, err
	}

	e.Args = json.RawMessage(args)
	e.Kwargs = json.RawMessage(kwargs)
	e.DateChanged = e.DateChanged.UTC()
	if e.Expires != nil {
		t := e.Expires.UTC()
		e.Expires = &t
	}
	if e.LastRunAt != nil {
		t := e.LastRunAt.UTC()
		e.LastRunAt = &t
	}
	if e.IntervalID != nil && every != nil && period != nil {
		e.Interval = &store.IntervalSchedule{ID: *e.IntervalID, Every: *every, Period: schedule.Period(*period)}
	}
	if e.CrontabID != nil && minute != nil {
		e.Crontab = &store.CrontabSchedule{
			ID: *e.CrontabID, Minute: *minute, Hour: *hour, DayOfMonth: *dom,
			MonthOfYear: *moy, DayOfWeek: *dow, Timezone: *tz,
		}
	}
	return e, nil
}

func queryEntries(ctx context.Context, q querier, where string, args ...any) ([]store.Entry, error) {
	rows, err := q.Query(ctx, entrySelect+" "+where, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	out, err := pgx.CollectRows(rows, scanEntry)
	return out, mapErr(err)
}

func getEntry(ctx context.Context, q querier, where string, arg any, label string) (store.Entry, error) {
	list, err := queryEntries(ctx, q, where, arg)
	if err != nil {
		return store.Entry{}, err
	}
	if len(list) == 0 {
		return store.Entry{}, fmt.Errorf("%w: entry %s", store.ErrNotFound, label)
	}
	return list[0], nil
}

// checkEntry verifies the references and name uniqueness of e inside tx.
// The unique index still catches a concurrent insert of the same name.
func checkEntry(ctx context.Context, tx pgx.Tx, e store.Entry) error {
	var exists bool
	if e.IntervalID != nil {
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM interval_schedules WHERE id = $1)", *e.IntervalID).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if !exists {
			return fmt.Errorf("%w: interval %d does not exist", store.ErrDefinition, *e.IntervalID)
		}
	}
	if e.CrontabID != nil {
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM crontab_schedules WHERE id = $1)", *e.CrontabID).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if !exists {
			return fmt.Errorf("%w: crontab %d does not exist", store.ErrDefinition, *e.CrontabID)
		}
	}
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM periodic_tasks WHERE name = $1 AND id <> $2)", e.Name, e.ID).Scan(&exists); err != nil {
		return mapErr(err)
	}
	if exists {
		return fmt.Errorf("%w: entry name %q already exists", store.ErrConflict, e.Name)
	}
	return nil
}

// CreateEntry implements store.Store.
func (s *Store) CreateEntry(ctx context.Context, e store.Entry) (store.Entry, error) {
	e, err := e.Validate()
	if err != nil {
		return e, err
	}
	e.ID = 0
	e.DateChanged = s.timestamp()

	var created store.Entry
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if err := checkEntry(ctx, tx, e); err != nil {
			return err
		}
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO periodic_tasks (name, task, args, kwargs, interval_id, crontab_id, enabled, expires,
				queue, exchange, routing_key, description, date_changed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id`,
			e.Name, e.Task, string(e.Args), string(e.Kwargs), e.IntervalID, e.CrontabID,
			e.Enabled, e.Expires, e.Routing.Queue, e.Routing.Exchange, e.Routing.RoutingKey,
			e.Description, e.DateChanged).Scan(&id)
		if err != nil {
			return mapErr(err)
		}
		if err := s.bump(ctx, tx); err != nil {
			return err
		}
		created, err = getEntry(ctx, tx, "WHERE p.id = $1", id, fmt.Sprint(id))
		return err
	})
	return created, err
}

// GetEntry implements store.Store.
func (s *Store) GetEntry(ctx context.Context, id int64) (store.Entry, error) {
	return getEntry(ctx, s.pool, "WHERE p.id = $1", id, fmt.Sprint(id))
}

// GetEntryByName implements store.Store.
func (s *Store) GetEntryByName(ctx context.Context, name string) (store.Entry, error) {
	return getEntry(ctx, s.pool, "WHERE p.name = $1", name, fmt.Sprintf("%q", name))
}

// ListEntries implements store.Store.
func (s *Store) ListEntries(ctx context.Context, opts store.ListOptions) ([]store.Entry, error) {
	where := "WHERE TRUE"
	var args []any
	if opts.EnabledOnly {
		where += " AND p.enabled"
	}
	if opts.Search != "" {
		args = append(args, opts.Search)
		where += " AND (strpos(p.name, $1) > 0 OR strpos(p.task, $1) > 0)"
	}
	return queryEntries(ctx, s.pool, where+" ORDER BY p.enabled DESC, p.name", args...)
}

// ListEnabled implements store.Reader.
func (s *Store) ListEnabled(ctx context.Context) ([]store.Entry, error) {
	return s.ListEntries(ctx, store.ListOptions{EnabledOnly: true})
}

// UpdateEntry implements store.Store. Run bookkeeping is preserved.
func (s *Store) UpdateEntry(ctx context.Context, e store.Entry) (store.Entry, error) {
	e, err := e.Validate()
	if err != nil {
		return e, err
	}
	e.DateChanged = s.timestamp()

	var updated store.Entry
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if err := checkEntry(ctx, tx, e); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE periodic_tasks SET name = $1, task = $2, args = $3, kwargs = $4, interval_id = $5,
				crontab_id = $6, enabled = $7, expires = $8, queue = $9, exchange = $10, routing_key = $11,
				description = $12, date_changed = $13
			WHERE id = $14`,
			e.Name, e.Task, string(e.Args), string(e.Kwargs), e.IntervalID, e.CrontabID,
			e.Enabled, e.Expires, e.Routing.Queue, e.Routing.Exchange, e.Routing.RoutingKey,
			e.Description, e.DateChanged, e.ID)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: entry %d", store.ErrNotFound, e.ID)
		}
		if err := s.bump(ctx, tx); err != nil {
			return err
		}
		updated, err = getEntry(ctx, tx, "WHERE p.id = $1", e.ID, fmt.Sprint(e.ID))
		return err
	})
	return updated, err
}

// SetEnabled implements store.Store.
func (s *Store) SetEnabled(ctx context.Context, ids []int64, enabled bool) (int, error) {
	var changed int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE periodic_tasks SET enabled = $1, date_changed = $2 WHERE id = ANY($3) AND enabled <> $1",
			enabled, s.timestamp(), ids)
		if err != nil {
			return mapErr(err)
		}
		changed = int(tag.RowsAffected())
		if changed == 0 {
			return nil
		}
		return s.bump(ctx, tx)
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// DeleteEntry implements store.Store.
func (s *Store) DeleteEntry(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM periodic_tasks WHERE id = $1", id)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: entry %d", store.ErrNotFound, id)
		}
		return s.bump(ctx, tx)
	})
}

// RecordRun implements store.Reader.
func (s *Store) RecordRun(ctx context.Context, id int64, runAt time.Time, increment int64) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE periodic_tasks SET last_run_at = $1, total_run_count = total_run_count + $2 WHERE id = $3",
		schedule.Normalize(runAt), increment, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %d", store.ErrNotFound, id)
	}
	return nil
}

// --- version ---

// Version implements store.Reader.
func (s *Store) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, "SELECT value FROM periodic_tasks_version WHERE id = 1").Scan(&v)
	return v, mapErr(err)
}

// CurrentVersion implements store.Store.
func (s *Store) CurrentVersion(ctx context.Context) (store.Version, error) {
	var v store.Version
	err := s.pool.QueryRow(ctx, "SELECT value, updated_at FROM periodic_tasks_version WHERE id = 1").
		Scan(&v.Value, &v.UpdatedAt)
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, mapErr(err)
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.pool.Ping(ctx))
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
