package schedule

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestNewInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		every   int64
		period  Period
		wantErr bool
	}{
		{60, Seconds, false},
		{1, Days, false},
		{0, Seconds, true},
		{-5, Minutes, true},
		{5, Period("microseconds"), true},
		{1 << 60, Days, true},
	}
	for _, tt := range tests {
		_, err := NewInterval(tt.every, tt.period)
		if tt.wantErr != (err != nil) {
			t.Errorf("NewInterval(%d, %s) error = %v, wantErr %v", tt.every, tt.period, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrDefinition) {
			t.Errorf("error %v should wrap ErrDefinition", err)
		}
	}
}

func TestParsePeriod(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Period{"seconds": Seconds, "Minute": Minutes, " hours ": Hours, "day": Days} {
		got, err := ParsePeriod(in)
		if err != nil || got != want {
			t.Errorf("ParsePeriod(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePeriod("fortnights"); !errors.Is(err, ErrDefinition) {
		t.Errorf("ParsePeriod(fortnights) error = %v", err)
	}
}

func TestInterval_Equal(t *testing.T) {
	t.Parallel()

	a := &Interval{Every: 60, Period: Seconds}
	b := &Interval{Every: 60, Period: Seconds}
	c := &Interval{Every: 1, Period: Minutes}
	if !a.Equal(b) {
		t.Error("identical intervals should be equal")
	}
	// Equality is on the definition, not the duration.
	if a.Equal(c) {
		t.Error("60 seconds and 1 minute are distinct definitions")
	}
	if a.Equal(nil) {
		t.Error("non-nil should not equal nil")
	}
}

func TestInterval_String(t *testing.T) {
	t.Parallel()

	if got := (&Interval{Every: 1, Period: Hours}).String(); got != "every hour" {
		t.Errorf("String() = %q", got)
	}
	if got := (&Interval{Every: 30, Period: Seconds}).String(); got != "every 30 seconds" {
		t.Errorf("String() = %q", got)
	}
}

func TestInterval_ConsecutiveTicks(t *testing.T) {
	t.Parallel()

	iv, _ := NewInterval(60, Seconds)
	last := t0
	for n := 1; n <= 10; n++ {
		now := t0.Add(time.Duration(n) * time.Minute)
		at, due := Evaluate(iv, last, now)
		if !due {
			t.Fatalf("tick %d: not due at %v", n, now)
		}
		if !at.Equal(now) {
			t.Fatalf("tick %d: at = %v, want %v", n, at, now)
		}
		last = at
	}
}

func TestInterval_SubSecondDrift(t *testing.T) {
	t.Parallel()

	iv, _ := NewInterval(1, Seconds)
	last := t0
	// The caller wakes 999ms late on one tick and 1ms early on another;
	// neither may create a duplicate or skip an occurrence.
	at, due := Evaluate(iv, last, t0.Add(1999*time.Millisecond))
	if !due || !at.Equal(t0.Add(time.Second)) {
		t.Fatalf("late wake: at = %v due = %v", at, due)
	}
	at, due = Evaluate(iv, at, t0.Add(2001*time.Millisecond))
	if !due || !at.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("second occurrence: at = %v due = %v", at, due)
	}
	_, due = Evaluate(iv, at, t0.Add(2999*time.Millisecond))
	if due {
		t.Fatal("occurrence at t0+3s must not be due at t0+2.999s")
	}
}
