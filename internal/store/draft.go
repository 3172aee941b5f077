package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/flemzord/sbeat/internal/schedule"
)

// Draft describes an entry together with its schedule inline, the way
// operators write them in configuration files and on the command line.
// Exactly one of Every or Crontab must be set.
type Draft struct {
	Name        string          `json:"name" yaml:"name"`
	Task        string          `json:"task" yaml:"task"`
	Every       int64           `json:"every,omitempty" yaml:"every"`
	Period      string          `json:"period,omitempty" yaml:"period"`
	Crontab     string          `json:"crontab,omitempty" yaml:"crontab"`
	Timezone    string          `json:"timezone,omitempty" yaml:"timezone"`
	Args        json.RawMessage `json:"args,omitempty" yaml:"-"`
	Kwargs      json.RawMessage `json:"kwargs,omitempty" yaml:"-"`
	Enabled     *bool           `json:"enabled,omitempty" yaml:"enabled"`
	Expires     *time.Time      `json:"expires,omitempty" yaml:"expires"`
	Routing     Routing         `json:"routing" yaml:"routing"`
	Description string          `json:"description,omitempty" yaml:"description"`
}

// SplitCrontab splits "minute hour day_of_month month_of_year day_of_week"
// into its five fields.
func SplitCrontab(expr string) (CrontabSchedule, error) {
	f := strings.Fields(expr)
	if len(f) != 5 {
		return CrontabSchedule{}, fmt.Errorf("%w: crontab %q must have 5 fields", ErrDefinition, expr)
	}
	return CrontabSchedule{Minute: f[0], Hour: f[1], DayOfMonth: f[2], MonthOfYear: f[3], DayOfWeek: f[4]}, nil
}

// Entry returns the entry described by d. Its schedule reference is unset
// until Attach.
func (d Draft) Entry() Entry {
	return Entry{
		Name:        d.Name,
		Task:        d.Task,
		Args:        d.Args,
		Kwargs:      d.Kwargs,
		Enabled:     d.Enabled == nil || *d.Enabled,
		Expires:     d.Expires,
		Routing:     d.Routing,
		Description: d.Description,
	}
}

// Attach stores the schedule row of d, reusing an equal one, and points e
// at it. The returned undo deletes the row again when Attach created it and
// is a no-op when an existing row was reused.
func (d Draft) Attach(ctx context.Context, s Store, e *Entry) (undo func(context.Context), err error) {
	undo = func(context.Context) {}
	switch {
	case d.Every != 0 && d.Crontab != "":
		return undo, fmt.Errorf("%w: set either every or crontab, not both", ErrDefinition)
	case d.Every != 0:
		period := d.Period
		if period == "" {
			period = string(schedule.Seconds)
		}
		rows, err := s.ListIntervals(ctx)
		if err != nil {
			return undo, err
		}
		iv, err := s.CreateInterval(ctx, IntervalSchedule{Every: d.Every, Period: schedule.Period(period)})
		if err != nil {
			return undo, err
		}
		if !slices.ContainsFunc(rows, func(r IntervalSchedule) bool { return r.ID == iv.ID }) {
			undo = func(ctx context.Context) { _ = s.DeleteInterval(ctx, iv.ID) }
		}
		e.IntervalID, e.CrontabID = &iv.ID, nil
	case d.Crontab != "":
		c, err := SplitCrontab(d.Crontab)
		if err != nil {
			return undo, err
		}
		c.Timezone = d.Timezone
		rows, err := s.ListCrontabs(ctx)
		if err != nil {
			return undo, err
		}
		if c, err = s.CreateCrontab(ctx, c); err != nil {
			return undo, err
		}
		if !slices.ContainsFunc(rows, func(r CrontabSchedule) bool { return r.ID == c.ID }) {
			id := c.ID
			undo = func(ctx context.Context) { _ = s.DeleteCrontab(ctx, id) }
		}
		e.IntervalID, e.CrontabID = nil, &c.ID
	default:
		return undo, fmt.Errorf("%w: a schedule (every or crontab) is required", ErrDefinition)
	}
	return undo, nil
}

// Create stores the schedule row of d and then the entry referencing it.
// A schedule row created for the entry is removed if the entry is refused.
func Create(ctx context.Context, s Store, d Draft) (Entry, error) {
	e := d.Entry()
	undo, err := d.Attach(ctx, s, &e)
	if err != nil {
		return e, err
	}
	created, err := s.CreateEntry(ctx, e)
	if err != nil {
		undo(context.WithoutCancel(ctx))
		return e, err
	}
	return created, nil
}
