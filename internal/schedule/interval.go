package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Period is the unit of an interval schedule.
type Period string

// Supported interval units.
const (
	Seconds Period = "seconds"
	Minutes Period = "minutes"
	Hours   Period = "hours"
	Days    Period = "days"
)

// Periods lists the supported units in ascending order.
var Periods = []Period{Seconds, Minutes, Hours, Days}

// ParsePeriod accepts a unit name in plural or singular form.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if !strings.HasSuffix(string(p), "s") {
		p += "s"
	}
	if p.Unit() == 0 {
		return "", fmt.Errorf("%w: unknown period %q", ErrDefinition, s)
	}
	return p, nil
}

// Unit returns the duration of one period, or zero for unknown units.
func (p Period) Unit() time.Duration {
	switch p {
	case Seconds:
		return time.Second
	case Minutes:
		return time.Minute
	case Hours:
		return time.Hour
	case Days:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Interval fires every Every periods, anchored on the previous run.
type Interval struct {
	Every  int64
	Period Period
}

var _ Schedule = (*Interval)(nil)

// NewInterval validates and returns an interval schedule.
func NewInterval(every int64, period Period) (*Interval, error) {
	if every <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %d", ErrDefinition, every)
	}
	if period.Unit() == 0 {
		return nil, fmt.Errorf("%w: unknown period %q", ErrDefinition, period)
	}
	if every > int64(1<<62)/int64(period.Unit()) {
		return nil, fmt.Errorf("%w: interval %d %s overflows", ErrDefinition, every, period)
	}
	return &Interval{Every: every, Period: period}, nil
}

// Duration returns the length of one interval.
func (i *Interval) Duration() time.Duration {
	return time.Duration(i.Every) * i.Period.Unit()
}

// Equal reports whether both intervals describe the same period.
func (i *Interval) Equal(o *Interval) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.Every == o.Every && i.Period == o.Period
}

// Next returns after plus one interval.
func (i *Interval) Next(after time.Time) time.Time {
	return Normalize(after).Add(i.Duration())
}

// String renders the interval as "every 30 seconds".
func (i *Interval) String() string {
	if i.Every == 1 {
		return "every " + strings.TrimSuffix(string(i.Period), "s")
	}
	return fmt.Sprintf("every %d %s", i.Every, i.Period)
}

func (i *Interval) latest(last, now time.Time) (time.Time, bool) {
	d := i.Duration()
	elapsed := now.Sub(last)
	if elapsed < d {
		return time.Time{}, false
	}
	return last.Add(elapsed / d * d), true
}
