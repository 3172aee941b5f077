package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Crontab fires at every time whose fields match, evaluated in Location.
// When both DayOfMonth and DayOfWeek are restricted a day matches if it
// satisfies either of them.
type Crontab struct {
	Minute      Field
	Hour        Field
	DayOfMonth  Field
	MonthOfYear Field
	DayOfWeek   Field
	Location    *time.Location

	spec cron.Schedule
}

var _ Schedule = (*Crontab)(nil)

// NewCrontab parses the five fields and the timezone name. An empty tz means
// UTC.
func NewCrontab(minute, hour, dom, month, dow, tz string) (*Crontab, error) {
	c := &Crontab{}
	var err error
	if c.Minute, err = ParseField(MinuteField, minute); err != nil {
		return nil, err
	}
	if c.Hour, err = ParseField(HourField, hour); err != nil {
		return nil, err
	}
	if c.DayOfMonth, err = ParseField(DayOfMonthField, dom); err != nil {
		return nil, err
	}
	if c.MonthOfYear, err = ParseField(MonthField, month); err != nil {
		return nil, err
	}
	if c.DayOfWeek, err = ParseField(DayOfWeekField, dow); err != nil {
		return nil, err
	}

	if tz == "" {
		tz = "UTC"
	}
	if c.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrDefinition, tz, err)
	}

	spec, err := specParser.Parse(c.Expr())
	if err != nil {
		return nil, fmt.Errorf("%w: crontab %q: %v", ErrDefinition, c.Expr(), err)
	}
	if ss, ok := spec.(*cron.SpecSchedule); ok {
		ss.Location = c.Location
	}
	c.spec = spec

	// Combinations such as "30 of February" never match.
	ref := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	if c.spec.Next(ref).IsZero() {
		return nil, fmt.Errorf("%w: crontab %q never fires", ErrDefinition, c.Expr())
	}
	return c, nil
}

// ParseCrontab parses a five-field expression such as "*/15 9-17 * * mon-fri".
func ParseCrontab(expr, tz string) (*Crontab, error) {
	f := strings.Fields(expr)
	if len(f) != 5 {
		return nil, fmt.Errorf("%w: crontab %q must have 5 fields, got %d", ErrDefinition, expr, len(f))
	}
	return NewCrontab(f[0], f[1], f[2], f[3], f[4], tz)
}

// Expr returns the canonical five-field expression.
func (c *Crontab) Expr() string {
	return strings.Join([]string{
		c.Minute.String(),
		c.Hour.String(),
		c.DayOfMonth.String(),
		c.MonthOfYear.String(),
		c.DayOfWeek.String(),
	}, " ")
}

// TZ returns the timezone name.
func (c *Crontab) TZ() string {
	if c.Location == nil {
		return "UTC"
	}
	return c.Location.String()
}

// Next returns the first matching minute strictly after after.
func (c *Crontab) Next(after time.Time) time.Time {
	return Normalize(c.spec.Next(Normalize(after)))
}

// Matches reports whether t, truncated to the minute, is an occurrence.
func (c *Crontab) Matches(t time.Time) bool {
	t = Normalize(t).Truncate(time.Minute)
	return c.Next(t.Add(-time.Second)).Equal(t)
}

// String renders the expression followed by the timezone.
func (c *Crontab) String() string {
	return c.Expr() + " " + c.TZ()
}
