package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/flemzord/sbeat/internal/schedule"
)

var (
	emptyArgs   = json.RawMessage(`[]`)
	emptyKwargs = json.RawMessage(`{}`)
)

// NormalizeInterval validates an interval row.
func NormalizeInterval(iv IntervalSchedule) (IntervalSchedule, error) {
	p, err := schedule.ParsePeriod(string(iv.Period))
	if err != nil {
		return iv, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	if _, err := schedule.NewInterval(iv.Every, p); err != nil {
		return iv, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	iv.Period = p
	return iv, nil
}

// NormalizeCrontab validates a crontab row and rewrites its fields into
// canonical form, so semantically equal crontabs compare equal.
func NormalizeCrontab(c CrontabSchedule) (CrontabSchedule, error) {
	orStar := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "*"
		}
		return s
	}
	ct, err := schedule.NewCrontab(orStar(c.Minute), orStar(c.Hour), orStar(c.DayOfMonth),
		orStar(c.MonthOfYear), orStar(c.DayOfWeek), c.Timezone)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	c.Minute = ct.Minute.String()
	c.Hour = ct.Hour.String()
	c.DayOfMonth = ct.DayOfMonth.String()
	c.MonthOfYear = ct.MonthOfYear.String()
	c.DayOfWeek = ct.DayOfWeek.String()
	c.Timezone = ct.TZ()
	return c, nil
}

// SameInterval reports whether two interval rows define the same schedule.
func SameInterval(a, b IntervalSchedule) bool {
	return a.Every == b.Every && a.Period == b.Period
}

// SameCrontab reports whether two canonical crontab rows are equal.
func SameCrontab(a, b CrontabSchedule) bool {
	a.ID, b.ID = 0, 0
	return a == b
}

// Validate checks the write-time invariants of an entry and fills in
// defaults for empty args and kwargs. It does not check name uniqueness.
func (e Entry) Validate() (Entry, error) {
	e.Name = strings.TrimSpace(e.Name)
	e.Task = strings.TrimSpace(e.Task)
	if e.Name == "" {
		return e, fmt.Errorf("%w: name is required", ErrDefinition)
	}
	if e.Task == "" {
		return e, fmt.Errorf("%w: need name of task", ErrDefinition)
	}

	switch {
	case e.IntervalID != nil && e.CrontabID != nil:
		return e, fmt.Errorf("%w: only one of interval or crontab may be set", ErrDefinition)
	case e.IntervalID == nil && e.CrontabID == nil:
		return e, fmt.Errorf("%w: one of interval or crontab must be set", ErrDefinition)
	}

	var err error
	if e.Args, err = checkJSON("args", e.Args, '[', emptyArgs); err != nil {
		return e, err
	}
	if e.Kwargs, err = checkJSON("kwargs", e.Kwargs, '{', emptyKwargs); err != nil {
		return e, err
	}
	if e.Expires != nil {
		exp := schedule.Normalize(*e.Expires)
		e.Expires = &exp
	}
	return e, nil
}

func checkJSON(field string, raw json.RawMessage, open byte, empty json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return slices.Clone(empty), nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: %s: unable to parse JSON", ErrDefinition, field)
	}
	if trimmed[0] != open {
		kind := "array"
		if open == '{' {
			kind = "object"
		}
		return nil, fmt.Errorf("%w: %s must be a JSON %s", ErrDefinition, field, kind)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %s: unable to parse JSON", ErrDefinition, field)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Fingerprint identifies the definition of an entry. Two reads of the same
// unchanged entry have the same fingerprint; run bookkeeping is excluded.
func (e Entry) Fingerprint() string {
	var sched string
	if s, err := e.Schedule(); err == nil {
		sched = s.String()
	}
	var exp string
	if e.Expires != nil {
		exp = e.Expires.UTC().Format("2006-01-02T15:04:05Z")
	}
	return strings.Join([]string{
		e.Task,
		string(e.Args),
		string(e.Kwargs),
		sched,
		exp,
		e.Routing.Queue,
		e.Routing.Exchange,
		e.Routing.RoutingKey,
		e.DateChanged.UTC().Format("2006-01-02T15:04:05.000000000Z"),
	}, "\x1f")
}
