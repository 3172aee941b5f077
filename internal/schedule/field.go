package schedule

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// FieldKind identifies one of the five crontab fields.
type FieldKind int

// Crontab fields in expression order.
const (
	MinuteField FieldKind = iota
	HourField
	DayOfMonthField
	MonthField
	DayOfWeekField
)

type bounds struct {
	name     string
	min, max int
	names    map[string]int
}

var fieldBounds = [...]bounds{
	MinuteField:     {name: "minute", min: 0, max: 59},
	HourField:       {name: "hour", min: 0, max: 23},
	DayOfMonthField: {name: "day_of_month", min: 1, max: 31},
	MonthField: {name: "month_of_year", min: 1, max: 12, names: map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}},
	// 7 is accepted as Sunday and folded onto 0.
	DayOfWeekField: {name: "day_of_week", min: 0, max: 7, names: map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}},
}

func (k FieldKind) String() string {
	if k < 0 || int(k) >= len(fieldBounds) {
		return "field(" + strconv.Itoa(int(k)) + ")"
	}
	return fieldBounds[k].name
}

// Field is a canonical crontab field: either every value of its range or a
// sorted, deduplicated set of values.
type Field struct {
	kind   FieldKind
	values []int // nil means every value
}

// ParseField parses crontab syntax for the given field kind. Supported forms
// are "*", "n", "a-b", "*/s", "a-b/s", "n/s" and comma separated lists of
// those. Month and weekday names are accepted. A set covering the whole range
// collapses to "*".
func ParseField(kind FieldKind, expr string) (Field, error) {
	if kind < 0 || int(kind) >= len(fieldBounds) {
		return Field{}, fmt.Errorf("%w: unknown crontab field %d", ErrDefinition, kind)
	}
	b := fieldBounds[kind]
	expr = strings.TrimSpace(strings.ToLower(expr))
	if expr == "" {
		return Field{}, fmt.Errorf("%w: %s is empty", ErrDefinition, b.name)
	}

	seen := make(map[int]struct{})
	for part := range strings.SplitSeq(expr, ",") {
		if err := b.expand(part, seen); err != nil {
			return Field{}, fmt.Errorf("%w: %s %q: %v", ErrDefinition, b.name, expr, err)
		}
	}

	if kind == DayOfWeekField {
		if _, ok := seen[7]; ok {
			delete(seen, 7)
			seen[0] = struct{}{}
		}
	}

	values := make([]int, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	slices.Sort(values)

	full := b.max - b.min + 1
	if kind == DayOfWeekField {
		full = 7
	}
	if len(values) == full {
		values = nil
	}
	return Field{kind: kind, values: values}, nil
}

func (b bounds) expand(part string, into map[int]struct{}) error {
	if part == "" {
		return fmt.Errorf("empty list element")
	}
	rng, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		s, err := strconv.Atoi(stepStr)
		if err != nil || s <= 0 {
			return fmt.Errorf("invalid step %q", stepStr)
		}
		step = s
	}

	lo, hi := b.min, b.max
	if b.max == 7 {
		hi = 6
	}
	switch {
	case rng == "*":
	case strings.Contains(rng, "-"):
		a, z, _ := strings.Cut(rng, "-")
		var err error
		if lo, err = b.value(a); err != nil {
			return err
		}
		if hi, err = b.value(z); err != nil {
			return err
		}
		if lo > hi {
			return fmt.Errorf("range %d-%d is reversed", lo, hi)
		}
	default:
		v, err := b.value(rng)
		if err != nil {
			return err
		}
		lo = v
		if !hasStep {
			hi = v
		}
	}

	for v := lo; v <= hi; v += step {
		into[v] = struct{}{}
	}
	return nil
}

func (b bounds) value(s string) (int, error) {
	if v, ok := b.names[s]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("value %d out of range %d-%d", v, b.min, b.max)
	}
	return v, nil
}

// Kind returns the field kind.
func (f Field) Kind() FieldKind { return f.kind }

// Any reports whether the field matches every value of its range.
func (f Field) Any() bool { return f.values == nil }

// Values returns the explicit values, or nil for "*".
func (f Field) Values() []int { return slices.Clone(f.values) }

// Contains reports whether v is matched by the field.
func (f Field) Contains(v int) bool {
	if f.values == nil {
		return true
	}
	_, found := slices.BinarySearch(f.values, v)
	return found
}

// String returns the canonical form: "*" or a comma separated list.
func (f Field) String() string {
	if f.values == nil {
		return "*"
	}
	parts := make([]string, len(f.values))
	for i, v := range f.values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
