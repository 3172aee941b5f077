package schedule

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func date(y int, m time.Month, d, h, mi int) time.Time {
	return time.Date(y, m, d, h, mi, 0, 0, time.UTC)
}

func TestNewCrontab_Canonical(t *testing.T) {
	t.Parallel()

	c, err := NewCrontab("*/30", "9-11", "*", "*", "mon,wed,7", "")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.Expr(), "0,30 9,10,11 * * 0,1,3"; got != want {
		t.Errorf("Expr() = %q, want %q", got, want)
	}
	if got := c.String(); got != "0,30 9,10,11 * * 0,1,3 UTC" {
		t.Errorf("String() = %q", got)
	}
}

func TestNewCrontab_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                          string
		mi, hour, dom, month, dow, tz string
	}{
		{"minute", "61", "*", "*", "*", "*", ""},
		{"hour", "*", "x", "*", "*", "*", ""},
		{"timezone", "0", "0", "*", "*", "*", "Mars/Olympus"},
		{"never fires", "0", "0", "30,31", "2", "*", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewCrontab(tt.mi, tt.hour, tt.dom, tt.month, tt.dow, tt.tz)
			if !errors.Is(err, ErrDefinition) {
				t.Fatalf("error = %v, want ErrDefinition", err)
			}
		})
	}
}

func TestParseCrontab(t *testing.T) {
	t.Parallel()

	if _, err := ParseCrontab("* * *", ""); !errors.Is(err, ErrDefinition) {
		t.Errorf("short expression error = %v", err)
	}
	c, err := ParseCrontab("15 4 * * *", "UTC")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Next(date(2024, 5, 1, 4, 15)); !got.Equal(date(2024, 5, 2, 4, 15)) {
		t.Errorf("Next = %v", got)
	}
}

func TestCrontab_DayOfMonthOrDayOfWeek(t *testing.T) {
	t.Parallel()

	// Day 1 of the month OR Monday.
	c, err := NewCrontab("0", "0", "1", "*", "1", "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"first of month on a Thursday", date(2024, 2, 1, 0, 0), true},
		{"Monday the 5th", date(2024, 2, 5, 0, 0), true},
		{"Monday the 1st", date(2024, 4, 1, 0, 0), true},
		{"Tuesday the 6th", date(2024, 2, 6, 0, 0), false},
		{"first of month, wrong hour", date(2024, 2, 1, 1, 0), false},
	}
	for _, tt := range tests {
		if got := c.Matches(tt.at); got != tt.want {
			t.Errorf("%s: Matches(%v) = %v, want %v", tt.name, tt.at, got, tt.want)
		}
	}

	if got := c.Next(date(2024, 2, 1, 0, 0)); !got.Equal(date(2024, 2, 5, 0, 0)) {
		t.Errorf("Next after Feb 1 = %v, want Monday Feb 5", got)
	}
}

func TestCrontab_OnlyOneDayFieldRestricted(t *testing.T) {
	t.Parallel()

	// Day-of-week "*" leaves day-of-month alone in charge.
	c, _ := NewCrontab("0", "0", "1", "*", "*", "")
	if c.Matches(date(2024, 2, 5, 0, 0)) {
		t.Error("a Monday that is not the 1st must not match when only dom is restricted")
	}
	if !c.Matches(date(2024, 2, 1, 0, 0)) {
		t.Error("the 1st must match")
	}
}

func TestCrontab_Timezone(t *testing.T) {
	t.Parallel()

	c, err := NewCrontab("0", "9", "*", "*", "*", "Europe/Paris")
	if err != nil {
		t.Fatal(err)
	}
	winter := c.Next(date(2024, 1, 15, 0, 0))
	if !winter.Equal(date(2024, 1, 15, 8, 0)) {
		t.Errorf("winter Next = %v, want 08:00 UTC", winter)
	}
	summer := c.Next(date(2024, 7, 15, 0, 0))
	if !summer.Equal(date(2024, 7, 15, 7, 0)) {
		t.Errorf("summer Next = %v, want 07:00 UTC", summer)
	}
	if winter.Location() != time.UTC {
		t.Errorf("Next should return UTC, got %v", winter.Location())
	}
}

func TestCrontab_Yearly(t *testing.T) {
	t.Parallel()

	c, _ := NewCrontab("0", "0", "1", "1", "*", "")
	got := c.Next(date(2024, 1, 1, 0, 0))
	if !got.Equal(date(2025, 1, 1, 0, 0)) {
		t.Errorf("Next = %v, want 2025-01-01", got)
	}
}

func TestCrontab_NextIsStrictlyAfter(t *testing.T) {
	t.Parallel()

	c, _ := NewCrontab("*/5", "*", "*", "*", "*", "")
	at := date(2024, 1, 1, 10, 5)
	if got := c.Next(at); !got.Equal(date(2024, 1, 1, 10, 10)) {
		t.Errorf("Next(%v) = %v", at, got)
	}
	if got := c.Next(at.Add(-time.Second)); !got.Equal(at) {
		t.Errorf("Next(%v) = %v", at.Add(-time.Second), got)
	}
}
