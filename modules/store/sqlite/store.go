package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/sbeat/internal/schedule"
	"github.com/flemzord/sbeat/internal/store"
)

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a store.Store over a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// withTx runs fn in a transaction and commits it if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// bump increments the change version inside tx.
func (s *Store) bump(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE periodic_tasks_version SET value = value + 1, updated_at = ? WHERE id = 1",
		formatTime(s.now()))
	return mapErr(err)
}

// --- intervals ---

// CreateInterval implements store.Store. An equal interval is reused.
func (s *Store) CreateInterval(ctx context.Context, iv store.IntervalSchedule) (store.IntervalSchedule, error) {
	iv, err := store.NormalizeInterval(iv)
	if err != nil {
		return iv, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM interval_schedules WHERE every = ? AND period = ?",
			iv.Every, string(iv.Period)).Scan(&iv.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return mapErr(err)
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO interval_schedules (every, period) VALUES (?, ?)",
			iv.Every, string(iv.Period))
		if err != nil {
			return mapErr(err)
		}
		if iv.ID, err = res.LastInsertId(); err != nil {
			return mapErr(err)
		}
		return s.bump(ctx, tx)
	})
	return iv, err
}

// GetInterval implements store.Store.
func (s *Store) GetInterval(ctx context.Context, id int64) (store.IntervalSchedule, error) {
	iv := store.IntervalSchedule{ID: id}
	var period string
	err := s.db.QueryRowContext(ctx,
		"SELECT every, period FROM interval_schedules WHERE id = ?", id).Scan(&iv.Every, &period)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, "SELECT id, every, period FROM interval_schedules ORDER BY id")
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.IntervalSchedule
	for rows.Next() {
		var iv store.IntervalSchedule
		var period string
		if err := rows.Scan(&iv.ID, &iv.Every, &period); err != nil {
			return nil, mapErr(err)
		}
		iv.Period = schedule.Period(period)
		out = append(out, iv)
	}
	return out, mapErr(rows.Err())
}

// DeleteInterval implements store.Store. An interval used by an entry
// cannot be deleted.
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
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM crontab_schedules
			WHERE minute = ? AND hour = ? AND day_of_month = ? AND month_of_year = ?
				AND day_of_week = ? AND timezone = ?`,
			c.Minute, c.Hour, c.DayOfMonth, c.MonthOfYear, c.DayOfWeek, c.Timezone).Scan(&c.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return mapErr(err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO crontab_schedules (minute, hour, day_of_month, month_of_year, day_of_week, timezone)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.Minute, c.Hour, c.DayOfMonth, c.MonthOfYear, c.DayOfWeek, c.Timezone)
		if err != nil {
			return mapErr(err)
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return mapErr(err)
		}
		return s.bump(ctx, tx)
	})
	return c, err
}

const crontabColumns = "id, minute, hour, day_of_month, month_of_year, day_of_week, timezone"

func scanCrontab(sc interface{ Scan(...any) error }) (store.CrontabSchedule, error) {
	var c store.CrontabSchedule
	err := sc.Scan(&c.ID, &c.Minute, &c.Hour, &c.DayOfMonth, &c.MonthOfYear, &c.DayOfWeek, &c.Timezone)
	return c, err
}

// GetCrontab implements store.Store.
func (s *Store) GetCrontab(ctx context.Context, id int64) (store.CrontabSchedule, error) {
	c, err := scanCrontab(s.db.QueryRowContext(ctx,
		"SELECT "+crontabColumns+" FROM crontab_schedules WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%w: crontab %d", store.ErrNotFound, id)
	}
	return c, mapErr(err)
}

// ListCrontabs implements store.Store.
func (s *Store) ListCrontabs(ctx context.Context) ([]store.CrontabSchedule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+crontabColumns+" FROM crontab_schedules ORDER BY id")
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.CrontabSchedule
	for rows.Next() {
		c, err := scanCrontab(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

// DeleteCrontab implements store.Store. A crontab used by an entry cannot
// be deleted.
func (s *Store) DeleteCrontab(ctx context.Context, id int64) error {
	return s.deleteSchedule(ctx, "crontab_schedules", "crontab_id", "crontab", id)
}

func (s *Store) deleteSchedule(ctx context.Context, table, column, kind string, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var used int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM periodic_tasks WHERE "+column+" = ?", id).Scan(&used); err != nil {
			return mapErr(err)
		}
		if used > 0 {
			return fmt.Errorf("%w: %s %d is used by %d entries", store.ErrDefinition, kind, id, used)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
		if err != nil {
			return mapErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s %d", store.ErrNotFound, kind, id)
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

func scanEntry(sc interface{ Scan(...any) error }) (store.Entry, error) {
	var (
		e                         store.Entry
		args, kwargs, dateChanged string
		intervalID, crontabID     sql.NullInt64
		expires, lastRunAt        sql.NullString
		every                     sql.NullInt64
		period                    sql.NullString
		minute, hour, dom, moy    sql.NullString
		dow, tz                   sql.NullString
	)
	err := sc.Scan(&e.ID, &e.Name, &e.Task, &args, &kwargs, &intervalID, &crontabID,
		&e.Enabled, &expires, &e.Routing.Queue, &e.Routing.Exchange, &e.Routing.RoutingKey, &e.Description,
		&lastRunAt, &e.TotalRunCount, &dateChanged,
		&every, &period,
		&minute, &hour, &dom, &moy, &dow, &tz)
	if err != nil {
		return e, err
	}

	e.Args = json.RawMessage(args)
	e.Kwargs = json.RawMessage(kwargs)
	if e.DateChanged, err = parseTime(dateChanged); err != nil {
		return e, fmt.Errorf("sqlite: entry %d date_changed: %w", e.ID, err)
	}
	if expires.Valid {
		t, err := parseTime(expires.String)
		if err != nil {
			return e, fmt.Errorf("sqlite: entry %d expires: %w", e.ID, err)
		}
		e.Expires = &t
	}
	if lastRunAt.Valid {
		t, err := parseTime(lastRunAt.String)
		if err != nil {
			return e, fmt.Errorf("sqlite: entry %d last_run_at: %w", e.ID, err)
		}
		e.LastRunAt = &t
	}
	if intervalID.Valid {
		id := intervalID.Int64
		e.IntervalID = &id
		e.Interval = &store.IntervalSchedule{ID: id, Every: every.Int64, Period: schedule.Period(period.String)}
	}
	if crontabID.Valid {
		id := crontabID.Int64
		e.CrontabID = &id
		e.Crontab = &store.CrontabSchedule{
			ID: id, Minute: minute.String, Hour: hour.String, DayOfMonth: dom.String,
			MonthOfYear: moy.String, DayOfWeek: dow.String, Timezone: tz.String,
		}
	}
	return e, nil
}

func (s *Store) queryEntries(ctx context.Context, q sqlQuerier, where string, args ...any) ([]store.Entry, error) {
	rows, err := q.QueryContext(ctx, entrySelect+" "+where, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) getEntry(ctx context.Context, q sqlQuerier, where string, arg any, label string) (store.Entry, error) {
	list, err := s.queryEntries(ctx, q, where, arg)
	if err != nil {
		return store.Entry{}, err
	}
	if len(list) == 0 {
		return store.Entry{}, fmt.Errorf("%w: entry %s", store.ErrNotFound, label)
	}
	return list[0], nil
}

// checkEntry verifies the references and name uniqueness of e inside tx.
func checkEntry(ctx context.Context, tx *sql.Tx, e store.Entry) error {
	var n int
	if e.IntervalID != nil {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM interval_schedules WHERE id = ?", *e.IntervalID).Scan(&n); err != nil {
			return mapErr(err)
		}
		if n == 0 {
			return fmt.Errorf("%w: interval %d does not exist", store.ErrDefinition, *e.IntervalID)
		}
	}
	if e.CrontabID != nil {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM crontab_schedules WHERE id = ?", *e.CrontabID).Scan(&n); err != nil {
			return mapErr(err)
		}
		if n == 0 {
			return fmt.Errorf("%w: crontab %d does not exist", store.ErrDefinition, *e.CrontabID)
		}
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM periodic_tasks WHERE name = ? AND id <> ?", e.Name, e.ID).Scan(&n); err != nil {
		return mapErr(err)
	}
	if n > 0 {
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
	e.DateChanged = s.now().UTC()

	var created store.Entry
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkEntry(ctx, tx, e); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO periodic_tasks (name, task, args, kwargs, interval_id, crontab_id, enabled, expires,
				queue, exchange, routing_key, description, date_changed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Name, e.Task, string(e.Args), string(e.Kwargs), nullID(e.IntervalID), nullID(e.CrontabID),
			e.Enabled, nullTime(e.Expires), e.Routing.Queue, e.Routing.Exchange, e.Routing.RoutingKey,
			e.Description, formatTime(e.DateChanged))
		if err != nil {
			return mapErr(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return mapErr(err)
		}
		if err := s.bump(ctx, tx); err != nil {
			return err
		}
		created, err = s.getEntry(ctx, tx, "WHERE p.id = ?", id, fmt.Sprint(id))
		return err
	})
	return created, err
}

// GetEntry implements store.Store.
func (s *Store) GetEntry(ctx context.Context, id int64) (store.Entry, error) {
	return s.getEntry(ctx, s.db, "WHERE p.id = ?", id, fmt.Sprint(id))
}

// GetEntryByName implements store.Store.
func (s *Store) GetEntryByName(ctx context.Context, name string) (store.Entry, error) {
	return s.getEntry(ctx, s.db, "WHERE p.name = ?", name, fmt.Sprintf("%q", name))
}

// ListEntries implements store.Store.
func (s *Store) ListEntries(ctx context.Context, opts store.ListOptions) ([]store.Entry, error) {
	where := "WHERE 1 = 1"
	var args []any
	if opts.EnabledOnly {
		where += " AND p.enabled = 1"
	}
	if opts.Search != "" {
		where += " AND (instr(p.name, ?) > 0 OR instr(p.task, ?) > 0)"
		args = append(args, opts.Search, opts.Search)
	}
	return s.queryEntries(ctx, s.db, where+" ORDER BY p.enabled DESC, p.name", args...)
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
	e.DateChanged = s.now().UTC()

	var updated store.Entry
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkEntry(ctx, tx, e); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE periodic_tasks SET name = ?, task = ?, args = ?, kwargs = ?, interval_id = ?, crontab_id = ?,
				enabled = ?, expires = ?, queue = ?, exchange = ?, routing_key = ?, description = ?, date_changed = ?
			WHERE id = ?`,
			e.Name, e.Task, string(e.Args), string(e.Kwargs), nullID(e.IntervalID), nullID(e.CrontabID),
			e.Enabled, nullTime(e.Expires), e.Routing.Queue, e.Routing.Exchange, e.Routing.RoutingKey,
			e.Description, formatTime(e.DateChanged), e.ID)
		if err != nil {
			return mapErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: entry %d", store.ErrNotFound, e.ID)
		}
		if err := s.bump(ctx, tx); err != nil {
			return err
		}
		updated, err = s.getEntry(ctx, tx, "WHERE p.id = ?", e.ID, fmt.Sprint(e.ID))
		return err
	})
	return updated, err
}

// SetEnabled implements store.Store.
func (s *Store) SetEnabled(ctx context.Context, ids []int64, enabled bool) (int, error) {
	changed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		for _, id := range ids {
			res, err := tx.ExecContext(ctx,
				"UPDATE periodic_tasks SET enabled = ?, date_changed = ? WHERE id = ? AND enabled <> ?",
				enabled, now, id, enabled)
			if err != nil {
				return mapErr(err)
			}
			n, _ := res.RowsAffected()
			changed += int(n)
		}
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM periodic_tasks WHERE id = ?", id)
		if err != nil {
			return mapErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: entry %d", store.ErrNotFound, id)
		}
		return s.bump(ctx, tx)
	})
}

// RecordRun implements store.Reader.
func (s *Store) RecordRun(ctx context.Context, id int64, runAt time.Time, increment int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE periodic_tasks SET last_run_at = ?, total_run_count = total_run_count + ? WHERE id = ?",
		formatTime(schedule.Normalize(runAt)), increment, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entry %d", store.ErrNotFound, id)
	}
	return nil
}

// --- version ---

// Version implements store.Reader.
func (s *Store) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, "SELECT value FROM periodic_tasks_version WHERE id = 1").Scan(&v)
	return v, mapErr(err)
}

// CurrentVersion implements store.Store.
func (s *Store) CurrentVersion(ctx context.Context) (store.Version, error) {
	var (
		v       store.Version
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, updated_at FROM periodic_tasks_version WHERE id = 1").Scan(&v.Value, &updated)
	if err != nil {
		return v, mapErr(err)
	}
	if v.UpdatedAt, err = parseTime(updated); err != nil {
		return v, fmt.Errorf("sqlite: version updated_at: %w", err)
	}
	return v, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.db.PingContext(ctx))
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
