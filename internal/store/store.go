// Package store defines the persisted model of periodic entries and the
// contract every entry store implements.
//
// Every definitional write (entries, intervals, crontabs) bumps the change
// version in the same transaction. Recording a run never does, so dispatching
// does not force the scheduler to reload.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flemzord/sbeat/internal/schedule"
)

// ServiceName is the AppContext service key of the configured store.
const ServiceName = "store"

// Sentinel errors. Implementations wrap them with %w.
var (
	ErrDefinition  = errors.New("store: invalid definition")
	ErrUnavailable = errors.New("store: unavailable")
	ErrNotFound    = errors.New("store: not found")
	ErrConflict    = errors.New("store: conflict")
)

// IntervalSchedule is a persisted interval definition.
type IntervalSchedule struct {
	ID     int64           `json:"id"`
	Every  int64           `json:"every"`
	Period schedule.Period `json:"period"`
}

// Schedule converts the row into a schedule value.
func (i *IntervalSchedule) Schedule() (*schedule.Interval, error) {
	return schedule.NewInterval(i.Every, i.Period)
}

// CrontabSchedule is a persisted crontab definition in canonical form.
type CrontabSchedule struct {
	ID          int64  `json:"id"`
	Minute      string `json:"minute"`
	Hour        string `json:"hour"`
	DayOfMonth  string `json:"day_of_month"`
	MonthOfYear string `json:"month_of_year"`
	DayOfWeek   string `json:"day_of_week"`
	Timezone    string `json:"timezone"`
}

// Schedule converts the row into a schedule value.
func (c *CrontabSchedule) Schedule() (*schedule.Crontab, error) {
	return schedule.NewCrontab(c.Minute, c.Hour, c.DayOfMonth, c.MonthOfYear, c.DayOfWeek, c.Timezone)
}

// Routing is opaque delivery metadata handed to the dispatch sink.
type Routing struct {
	Queue      string `json:"queue,omitempty" yaml:"queue"`
	Exchange   string `json:"exchange,omitempty" yaml:"exchange"`
	RoutingKey string `json:"routing_key,omitempty" yaml:"routing_key"`
}

// Entry is a periodic task definition plus its run bookkeeping.
type Entry struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Task        string          `json:"task"`
	Args        json.RawMessage `json:"args"`
	Kwargs      json.RawMessage `json:"kwargs"`
	IntervalID  *int64          `json:"interval_id,omitempty"`
	CrontabID   *int64          `json:"crontab_id,omitempty"`
	Enabled     bool            `json:"enabled"`
	Expires     *time.Time      `json:"expires,omitempty"`
	Routing     Routing         `json:"routing"`
	Description string          `json:"description,omitempty"`

	// Maintained by the scheduler through RecordRun.
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	TotalRunCount int64      `json:"total_run_count"`

	// Set by the store on every definitional write.
	DateChanged time.Time `json:"date_changed"`

	// Resolved schedule rows, populated on reads.
	Interval *IntervalSchedule `json:"interval,omitempty"`
	Crontab  *CrontabSchedule  `json:"crontab,omitempty"`
}

// Schedule returns the schedule value of the resolved interval or crontab.
func (e Entry) Schedule() (schedule.Schedule, error) {
	switch {
	case e.Interval != nil:
		return e.Interval.Schedule()
	case e.Crontab != nil:
		return e.Crontab.Schedule()
	default:
		return nil, ErrDefinition
	}
}

// Version is the change version counter.
type Version struct {
	Value     int64     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListOptions filters ListEntries.
type ListOptions struct {
	// EnabledOnly restricts the result to enabled entries.
	EnabledOnly bool
	// Search matches entry names and task names by substring.
	Search string
}

// Reader is the subset of the store consumed by the scheduler engine.
type Reader interface {
	// ListEnabled returns every enabled entry with its schedule resolved.
	ListEnabled(ctx context.Context) ([]Entry, error)
	// Version returns the current change version.
	Version(ctx context.Context) (int64, error)
	// RecordRun sets last_run_at and adds increment to total_run_count.
	// It does not change the version or date_changed.
	RecordRun(ctx context.Context, id int64, runAt time.Time, increment int64) error
}

// Store is the full entry store used by administrative callers.
type Store interface {
	Reader

	CreateInterval(ctx context.Context, iv IntervalSchedule) (IntervalSchedule, error)
	GetInterval(ctx context.Context, id int64) (IntervalSchedule, error)
	ListIntervals(ctx context.Context) ([]IntervalSchedule, error)
	DeleteInterval(ctx context.Context, id int64) error

	CreateCrontab(ctx context.Context, c CrontabSchedule) (CrontabSchedule, error)
	GetCrontab(ctx context.Context, id int64) (CrontabSchedule, error)
	ListCrontabs(ctx context.Context) ([]CrontabSchedule, error)
	DeleteCrontab(ctx context.Context, id int64) error

	CreateEntry(ctx context.Context, e Entry) (Entry, error)
	GetEntry(ctx context.Context, id int64) (Entry, error)
	GetEntryByName(ctx context.Context, name string) (Entry, error)
	// ListEntries orders enabled entries first, then by name.
	ListEntries(ctx context.Context, opts ListOptions) ([]Entry, error)
	UpdateEntry(ctx context.Context, e Entry) (Entry, error)
	// SetEnabled toggles the given entries in one transaction and returns
	// how many changed. The version is bumped once if any did.
	SetEnabled(ctx context.Context, ids []int64, enabled bool) (int, error)
	DeleteEntry(ctx context.Context, id int64) error

	CurrentVersion(ctx context.Context) (Version, error)

	// Ping checks that the backing database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
