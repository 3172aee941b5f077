// Package storetest provides a conformance suite run against every
// store.Store implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/sbeat/internal/schedule"
	"github.com/flemzord/sbeat/internal/store"
)

// Factory returns an empty store. It is called once per subtest; cleanup
// should be registered with t.Cleanup.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"IntervalDedup", testIntervalDedup},
		{"IntervalInvalid", testIntervalInvalid},
		{"CrontabCanonical", testCrontabCanonical},
		{"EntryCreateGet", testEntryCreateGet},
		{"EntryInvariants", testEntryInvariants},
		{"EntryDuplicateName", testEntryDuplicateName},
		{"RecordRunKeepsVersion", testRecordRunKeepsVersion},
		{"UpdatePreservesRuns", testUpdatePreservesRuns},
		{"SetEnabled", testSetEnabled},
		{"DeleteEntry", testDeleteEntry},
		{"DeleteScheduleInUse", testDeleteScheduleInUse},
		{"ListOrdering", testListOrdering},
		{"NotFound", testNotFound},
		{"ConcurrentWriters", testConcurrentWriters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var (
	everyMinute = store.IntervalSchedule{Every: 60, Period: schedule.Seconds}
	t0          = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)
)

func version(t *testing.T, s store.Store) int64 {
	t.Helper()
	v, err := s.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	return v
}

// NewEntry creates an enabled interval entry running task every minute.
func NewEntry(t *testing.T, s store.Store, name, task string) store.Entry {
	t.Helper()
	ctx := context.Background()
	iv, err := s.CreateInterval(ctx, everyMinute)
	if err != nil {
		t.Fatalf("CreateInterval: %v", err)
	}
	e, err := s.CreateEntry(ctx, store.Entry{
		Name:       name,
		Task:       task,
		IntervalID: &iv.ID,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("CreateEntry(%s): %v", name, err)
	}
	return e
}

func testIntervalDedup(t *testing.T, s store.Store) {
	ctx := context.Background()
	v0 := version(t, s)

	a, err := s.CreateInterval(ctx, everyMinute)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == 0 {
		t.Fatal("created interval has no ID")
	}
	if got := version(t, s); got != v0+1 {
		t.Errorf("version after create = %d, want %d", got, v0+1)
	}

	b, err := s.CreateInterval(ctx, store.IntervalSchedule{Every: 60, Period: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != a.ID {
		t.Errorf("equal interval got new ID %d, want reuse of %d", b.ID, a.ID)
	}
	if got := version(t, s); got != v0+1 {
		t.Errorf("reusing an interval bumped the version to %d", got)
	}

	c, err := s.CreateInterval(ctx, store.IntervalSchedule{Every: 1, Period: schedule.Minutes})
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == a.ID {
		t.Error("1 minute and 60 seconds are distinct definitions")
	}

	list, err := s.ListIntervals(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListIntervals = %v, %v; want 2 rows", list, err)
	}
}

func testIntervalInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, iv := range []store.IntervalSchedule{
		{Every: 0, Period: schedule.Seconds},
		{Every: 5, Period: "microseconds"},
	} {
		if _, err := s.CreateInterval(ctx, iv); !errors.Is(err, store.ErrDefinition) {
			t.Errorf("CreateInterval(%+v) error = %v, want ErrDefinition", iv, err)
		}
	}
	if _, err := s.CreateCrontab(ctx, store.CrontabSchedule{Minute: "61"}); !errors.Is(err, store.ErrDefinition) {
		t.Errorf("CreateCrontab(minute=61) error = %v, want ErrDefinition", err)
	}
}

func testCrontabCanonical(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, err := s.CreateCrontab(ctx, store.CrontabSchedule{Minute: "*/15", Hour: "9-10", DayOfWeek: "7"})
	if err != nil {
		t.Fatal(err)
	}
	want := store.CrontabSchedule{
		ID: a.ID, Minute: "0,15,30,45", Hour: "9,10", DayOfMonth: "*",
		MonthOfYear: "*", DayOfWeek: "0", Timezone: "UTC",
	}
	if a != want {
		t.Errorf("CreateCrontab = %+v, want %+v", a, want)
	}

	b, err := s.CreateCrontab(ctx, store.CrontabSchedule{
		Minute: "0,15,30,45", Hour: "9,10", DayOfMonth: "*", MonthOfYear: "*", DayOfWeek: "sun", Timezone: "UTC",
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != a.ID {
		t.Errorf("equal crontab got new ID %d, want %d", b.ID, a.ID)
	}

	got, err := s.GetCrontab(ctx, a.ID)
	if err != nil || got != want {
		t.Errorf("GetCrontab = %+v, %v", got, err)
	}
}

func testEntryCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	c, err := s.CreateCrontab(ctx, store.CrontabSchedule{Minute: "0", Hour: "4", Timezone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	v0 := version(t, s)
	expires := t0.Add(24 * time.Hour)

	e, err := s.CreateEntry(ctx, store.Entry{
		Name:        "nightly-report",
		Task:        "reports.nightly",
		Args:        json.RawMessage(` [1, "two"] `),
		Kwargs:      json.RawMessage(`{"dry_run": true}`),
		CrontabID:   &c.ID,
		Enabled:     true,
		Expires:     &expires,
		Routing:     store.Routing{Queue: "reports"},
		Description: "daily numbers",
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if got := version(t, s); got != v0+1 {
		t.Errorf("version = %d, want %d", got, v0+1)
	}
	if e.DateChanged.IsZero() {
		t.Error("date_changed not set")
	}

	got, err := s.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Name != "nightly-report" || got.Task != "reports.nightly" || !got.Enabled {
		t.Errorf("GetEntry = %+v", got)
	}
	if string(got.Args) != `[1,"two"]` || string(got.Kwargs) != `{"dry_run":true}` {
		t.Errorf("args/kwargs = %s %s", got.Args, got.Kwargs)
	}
	if got.Crontab == nil || got.Crontab.Hour != "4" {
		t.Errorf("crontab not resolved: %+v", got.Crontab)
	}
	if got.Expires == nil || !got.Expires.Equal(expires) {
		t.Errorf("expires = %v, want %v", got.Expires, expires)
	}
	if got.Routing.Queue != "reports" || got.Description != "daily numbers" {
		t.Errorf("routing/description = %+v %q", got.Routing, got.Description)
	}
	if got.LastRunAt != nil || got.TotalRunCount != 0 {
		t.Errorf("fresh entry has run bookkeeping: %v %d", got.LastRunAt, got.TotalRunCount)
	}

	byName, err := s.GetEntryByName(ctx, "nightly-report")
	if err != nil || byName.ID != e.ID {
		t.Errorf("GetEntryByName = %+v, %v", byName, err)
	}

	empty := NewEntry(t, s, "defaults", "noop")
	if string(empty.Args) != "[]" || string(empty.Kwargs) != "{}" {
		t.Errorf("default args/kwargs = %s %s", empty.Args, empty.Kwargs)
	}
}

func testEntryInvariants(t *testing.T, s store.Store) {
	ctx := context.Background()
	iv, _ := s.CreateInterval(ctx, everyMinute)
	c, _ := s.CreateCrontab(ctx, store.CrontabSchedule{Minute: "0"})
	missing := int64(987654)
	v0 := version(t, s)

	tests := []struct {
		name  string
		entry store.Entry
	}{
		{"no name", store.Entry{Task: "t", IntervalID: &iv.ID}},
		{"no task", store.Entry{Name: "n", IntervalID: &iv.ID}},
		{"both schedules", store.Entry{Name: "n", Task: "t", IntervalID: &iv.ID, CrontabID: &c.ID}},
		{"no schedule", store.Entry{Name: "n", Task: "t"}},
		{"args not JSON", store.Entry{Name: "n", Task: "t", IntervalID: &iv.ID, Args: json.RawMessage(`[1,`)}},
		{"args not array", store.Entry{Name: "n", Task: "t", IntervalID: &iv.ID, Args: json.RawMessage(`{}`)}},
		{"kwargs not object", store.Entry{Name: "n", Task: "t", IntervalID: &iv.ID, Kwargs: json.RawMessage(`[]`)}},
		{"dangling interval", store.Entry{Name: "n", Task: "t", IntervalID: &missing}},
	}
	for _, tt := range tests {
		if _, err := s.CreateEntry(ctx, tt.entry); !errors.Is(err, store.ErrDefinition) {
			t.Errorf("%s: error = %v, want ErrDefinition", tt.name, err)
		}
	}
	if got := version(t, s); got != v0 {
		t.Errorf("rejected writes bumped the version to %d", got)
	}
}

func testEntryDuplicateName(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewEntry(t, s, "dup", "t")
	_, err := s.CreateEntry(ctx, store.Entry{Name: "dup", Task: "other", IntervalID: a.IntervalID})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate create error = %v, want ErrConflict", err)
	}

	b := NewEntry(t, s, "other", "t")
	b.Name = "dup"
	if _, err := s.UpdateEntry(ctx, b); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("rename onto existing name error = %v, want ErrConflict", err)
	}
}

func testRecordRunKeepsVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := NewEntry(t, s, "a", "t")
	v0 := version(t, s)

	runAt := t0.Add(60*time.Second + 300*time.Millisecond)
	if err := s.RecordRun(ctx, e.ID, runAt, 1); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s.RecordRun(ctx, e.ID, t0.Add(2*time.Minute), 1); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	if got := version(t, s); got != v0 {
		t.Errorf("RecordRun bumped the version: %d -> %d", v0, got)
	}
	got, err := s.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalRunCount != 2 {
		t.Errorf("total_run_count = %d, want 2", got.TotalRunCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("last_run_at = %v", got.LastRunAt)
	}
	if !got.DateChanged.Equal(e.DateChanged) {
		t.Errorf("RecordRun changed date_changed: %v -> %v", e.DateChanged, got.DateChanged)
	}

	if err := s.RecordRun(ctx, 424242, t0, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RecordRun(missing) error = %v, want ErrNotFound", err)
	}
}

func testUpdatePreservesRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := NewEntry(t, s, "a", "t")
	if err := s.RecordRun(ctx, e.ID, t0, 3); err != nil {
		t.Fatal(err)
	}
	v0 := version(t, s)

	c, _ := s.CreateCrontab(ctx, store.CrontabSchedule{Minute: "30"})
	v1 := version(t, s)
	if v1 != v0+1 {
		t.Errorf("crontab create version = %d, want %d", v1, v0+1)
	}

	e.IntervalID = nil
	e.CrontabID = &c.ID
	e.Task = "t2"
	e.TotalRunCount = 0
	e.LastRunAt = nil
	updated, err := s.UpdateEntry(ctx, e)
	if err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}
	if got := version(t, s); got != v1+1 {
		t.Errorf("version = %d, want %d", got, v1+1)
	}
	if updated.TotalRunCount != 3 || updated.LastRunAt == nil || !updated.LastRunAt.Equal(t0) {
		t.Errorf("run bookkeeping lost: %d %v", updated.TotalRunCount, updated.LastRunAt)
	}
	if updated.Crontab == nil || updated.Interval != nil || updated.Task != "t2" {
		t.Errorf("update not applied: %+v", updated)
	}
	if updated.DateChanged.Before(e.DateChanged) {
		t.Errorf("date_changed went backwards: %v -> %v", e.DateChanged, updated.DateChanged)
	}

	missing := e
	missing.ID = 999999
	missing.Name = "ghost"
	if _, err := s.UpdateEntry(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateEntry(missing) error = %v, want ErrNotFound", err)
	}
}

func testSetEnabled(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewEntry(t, s, "a", "t")
	b := NewEntry(t, s, "b", "t")
	c := NewEntry(t, s, "c", "t")
	v0 := version(t, s)

	n, err := s.SetEnabled(ctx, []int64{a.ID, b.ID}, false)
	if err != nil || n != 2 {
		t.Fatalf("SetEnabled = %d, %v; want 2", n, err)
	}
	if got := version(t, s); got != v0+1 {
		t.Errorf("bulk toggle version = %d, want one bump to %d", got, v0+1)
	}

	enabled, err := s.ListEnabled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 || enabled[0].ID != c.ID {
		t.Errorf("ListEnabled = %+v, want only c", enabled)
	}
	if enabled[0].Interval == nil {
		t.Error("ListEnabled must resolve schedules")
	}

	n, err = s.SetEnabled(ctx, []int64{a.ID, b.ID}, false)
	if err != nil || n != 0 {
		t.Errorf("no-op SetEnabled = %d, %v", n, err)
	}
	if got := version(t, s); got != v0+1 {
		t.Errorf("no-op toggle bumped the version to %d", got)
	}
}

func testDeleteEntry(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := NewEntry(t, s, "a", "t")
	v0 := version(t, s)
	if err := s.DeleteEntry(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	if got := version(t, s); got != v0+1 {
		t.Errorf("version = %d, want %d", got, v0+1)
	}
	if _, err := s.GetEntry(ctx, e.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetEntry after delete error = %v", err)
	}
	if err := s.DeleteEntry(ctx, e.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete error = %v", err)
	}
}

func testDeleteScheduleInUse(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := NewEntry(t, s, "a", "t")
	if err := s.DeleteInterval(ctx, *e.IntervalID); !errors.Is(err, store.ErrDefinition) {
		t.Fatalf("deleting a used interval error = %v, want ErrDefinition", err)
	}
	if err := s.DeleteEntry(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	v0 := version(t, s)
	if err := s.DeleteInterval(ctx, *e.IntervalID); err != nil {
		t.Fatalf("DeleteInterval: %v", err)
	}
	if got := version(t, s); got != v0+1 {
		t.Errorf("version = %d, want %d", got, v0+1)
	}

	c, _ := s.CreateCrontab(ctx, store.CrontabSchedule{Minute: "5"})
	if err := s.DeleteCrontab(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCrontab: %v", err)
	}
	if _, err := s.GetCrontab(ctx, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCrontab after delete error = %v", err)
	}
}

func testListOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	NewEntry(t, s, "zeta", "t")
	NewEntry(t, s, "beta", "t")
	a := NewEntry(t, s, "alpha", "other")
	if _, err := s.SetEnabled(ctx, []int64{a.ID}, false); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListEntries(ctx, store.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range all {
		names = append(names, e.Name)
	}
	if fmt.Sprint(names) != "[beta zeta alpha]" {
		t.Errorf("ListEntries order = %v, want [beta zeta alpha]", names)
	}

	found, err := s.ListEntries(ctx, store.ListOptions{Search: "eta"})
	if err != nil || len(found) != 2 {
		t.Errorf("search = %d entries, %v", len(found), err)
	}
	found, err = s.ListEntries(ctx, store.ListOptions{Search: "other"})
	if err != nil || len(found) != 1 || found[0].ID != a.ID {
		t.Errorf("search by task = %+v, %v", found, err)
	}
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.GetEntry(ctx, 1234); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetEntry error = %v", err)
	}
	if _, err := s.GetEntryByName(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetEntryByName error = %v", err)
	}
	if _, err := s.GetInterval(ctx, 1234); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetInterval error = %v", err)
	}
	if err := s.DeleteCrontab(ctx, 1234); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteCrontab error = %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	v, err := s.CurrentVersion(ctx)
	if err != nil || v.UpdatedAt.IsZero() {
		t.Errorf("CurrentVersion = %+v, %v", v, err)
	}
}

func testConcurrentWriters(t *testing.T, s store.Store) {
	ctx := context.Background()
	iv, err := s.CreateInterval(ctx, everyMinute)
	if err != nil {
		t.Fatal(err)
	}
	v0 := version(t, s)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateEntry(ctx, store.Entry{
				Name:       fmt.Sprintf("w%d", i),
				Task:       "t",
				IntervalID: &iv.ID,
				Enabled:    true,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent create: %v", err)
		}
	}
	if got := version(t, s); got != v0+writers {
		t.Errorf("version = %d, want %d", got, v0+writers)
	}
}
