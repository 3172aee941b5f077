// Package schedule computes due times for periodic entries.
//
// A Schedule is a pure value: given the time of the previous run it yields
// the next occurrence. Two kinds exist, fixed intervals and crontab
// expressions evaluated in a timezone. All times are handled at whole-second
// granularity and returned in UTC.
package schedule

import (
	"errors"
	"time"
)

// ErrDefinition is returned for malformed schedules: non-positive intervals,
// unknown period units, out-of-range crontab fields or unknown timezones.
var ErrDefinition = errors.New("schedule: invalid definition")

// Schedule yields the occurrences of a periodic entry.
type Schedule interface {
	// Next returns the first occurrence strictly after after, or the zero
	// time if the schedule never fires again.
	Next(after time.Time) time.Time

	// String returns a canonical representation. Two schedules with the
	// same String produce the same occurrences.
	String() string
}

// latester is implemented by schedules that can find the most recent
// occurrence without stepping through every intermediate one.
type latester interface {
	latest(last, now time.Time) (time.Time, bool)
}

// Normalize truncates t to the second and converts it to UTC.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}

// Evaluate returns the earliest occurrence strictly after last. due reports
// whether that occurrence is at or before now. A zero at means the schedule
// has no further occurrence.
func Evaluate(s Schedule, last, now time.Time) (at time.Time, due bool) {
	at = Normalize(s.Next(Normalize(last)))
	if at.IsZero() {
		return at, false
	}
	return at, !at.After(Normalize(now))
}

// Latest returns the most recent occurrence in (last, now]. ok is false when
// no occurrence has elapsed since last.
func Latest(s Schedule, last, now time.Time) (at time.Time, ok bool) {
	last, now = Normalize(last), Normalize(now)
	if !now.After(last) {
		return time.Time{}, false
	}
	if l, isLatester := s.(latester); isLatester {
		return l.latest(last, now)
	}
	return searchLatest(s, last, now)
}

// Remaining returns how long until the next occurrence after last, measured
// from now. It is zero when the occurrence is already due and negative never.
// Schedules without a further occurrence report -1.
func Remaining(s Schedule, last, now time.Time) time.Duration {
	at, due := Evaluate(s, last, now)
	switch {
	case at.IsZero():
		return -1
	case due:
		return 0
	default:
		return at.Sub(Normalize(now))
	}
}

// searchLatest walks backwards from now in doubling windows until one holds
// an occurrence, then steps forward to the last occurrence before now.
func searchLatest(s Schedule, last, now time.Time) (time.Time, bool) {
	first := Normalize(s.Next(last))
	if first.IsZero() || first.After(now) {
		return time.Time{}, false
	}

	window := time.Minute
	for {
		from := now.Add(-window)
		if !from.After(last) {
			from = last
		}
		t := Normalize(s.Next(from))
		if !t.IsZero() && !t.After(now) {
			for {
				n := Normalize(s.Next(t))
				if n.IsZero() || n.After(now) {
					return t, true
				}
				t = n
			}
		}
		window *= 2
	}
}
