package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kardianos/service"

	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/store"
	"github.com/flemzord/sbeat/pkg/app"
)

// testConfig writes a config with a sqlite store in a temp dir, so entries
// persist across command invocations.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "version: \"1\"\nmodules:\n  store.sqlite:\n    path: " + filepath.Join(dir, "sbeat.db") + "\n  sink.log: {}\n"
	path := filepath.Join(dir, "sbeat.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("sbeat %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestVersionListsModules(t *testing.T) {
	out := mustExecute(t, "version")
	for _, want := range []string{"sbeat dev", "beat.scheduler", "store.sqlite", "sink.redis"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCheck(t *testing.T) {
	cfg := testConfig(t)
	out := mustExecute(t, "config", "check", cfg, "--data-dir", t.TempDir())
	if !strings.Contains(out, "Configuration OK (2 modules)") {
		t.Errorf("output = %q", out)
	}

	if _, err := execute(t, "config", "check", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing config accepted")
	}
}

func TestEntriesLifecycle(t *testing.T) {
	cfg := testConfig(t)
	run := func(args ...string) string {
		return mustExecute(t, append(args, "--config", cfg)...)
	}

	out := run("entries", "add", "--name", "cleanup", "--task", "ops.cleanup",
		"--every", "5", "--period", "minutes", "--args", `[1, "a"]`, "--queue", "maintenance")
	if !strings.Contains(out, "Created entry") {
		t.Fatalf("add: %q", out)
	}
	run("entries", "add", "--name", "report", "--task", "ops.report", "--crontab", "0 4 * * 1", "--timezone", "Europe/Paris")

	out = run("entries", "list")
	for _, want := range []string{"cleanup", "ops.cleanup", "report", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}

	out = run("entries", "show", "cleanup")
	for _, want := range []string{"ops.cleanup", `[1,"a"]`, "maintenance", "5 minutes"} {
		if !strings.Contains(out, want) {
			t.Errorf("show missing %q:\n%s", want, out)
		}
	}

	if out = run("entries", "disable", "cleanup", "report"); !strings.Contains(out, "Disabled 2 of 2") {
		t.Errorf("disable: %q", out)
	}
	if out = run("entries", "list", "--enabled"); !strings.Contains(out, "No entries.") {
		t.Errorf("list --enabled after disable: %q", out)
	}
	if out = run("entries", "enable", "report"); !strings.Contains(out, "Enabled 1 of 1") {
		t.Errorf("enable: %q", out)
	}

	out = run("entries", "run", "report", "--print")
	var msg dispatch.Message
	if err := json.Unmarshal([]byte(out), &msg); err != nil {
		t.Fatalf("run --print output: %v\n%s", err, out)
	}
	if msg.Task != "ops.report" || msg.ID == "" {
		t.Errorf("message = %+v", msg)
	}
	if out = run("entries", "run", "report"); !strings.Contains(out, "Dispatched ops.report") {
		t.Errorf("run: %q", out)
	}

	if out = run("entries", "delete", "cleanup"); !strings.Contains(out, "Deleted entry") {
		t.Errorf("delete: %q", out)
	}
	if _, err := execute(t, "entries", "show", "cleanup", "--config", cfg); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("show deleted = %v, want ErrNotFound", err)
	}
}

func TestEntriesAddRejects(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no task", []string{"--name", "x", "--every", "1"}, "need name of task"},
		{"bad args", []string{"--name", "x", "--task", "t", "--every", "1", "--args", "{"}, "unable to parse JSON"},
		{"kwargs not object", []string{"--name", "x", "--task", "t", "--every", "1", "--kwargs", "[]"}, "unable to parse JSON"},
		{"no schedule", []string{"--name", "x", "--task", "t"}, "schedule"},
		{"bad expires", []string{"--name", "x", "--task", "t", "--every", "1", "--expires", "tomorrow"}, "expires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"entries", "add", "--config", cfg}, tt.args...)
			_, err := execute(t, args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNextRunText(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	every := store.IntervalSchedule{Every: 60, Period: "seconds"}
	last := now.Add(-2 * time.Minute)
	past := now.Add(-time.Hour)

	tests := []struct {
		name  string
		entry store.Entry
		want  string
	}{
		{"disabled", store.Entry{Interval: &every}, "-"},
		{"overdue", store.Entry{Enabled: true, Interval: &every, LastRunAt: &last}, "due"},
		{"upcoming", store.Entry{Enabled: true, Interval: &every, DateChanged: now.Add(-30 * time.Second)}, "30 seconds from now"},
		{"expired", store.Entry{Enabled: true, Interval: &every, DateChanged: now, Expires: &past}, "expired"},
		{"no schedule", store.Entry{Enabled: true}, "-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := nextRunText(tt.entry, now); got != tt.want {
				t.Errorf("nextRunText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServiceConfig(t *testing.T) {
	t.Parallel()
	cfg, err := serviceConfig(app.RunParams{ConfigPath: "sbeat.yaml", LogLevel: "debug"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != serviceName || cfg.Arguments[0] != "start" {
		t.Errorf("config = %+v", cfg)
	}
	if !filepath.IsAbs(cfg.Arguments[2]) {
		t.Errorf("config path %q is not absolute", cfg.Arguments[2])
	}
	if cfg.Arguments[len(cfg.Arguments)-1] != "debug" {
		t.Errorf("arguments = %v", cfg.Arguments)
	}
	if cfg.Option["UserService"] != true {
		t.Error("user service option not set")
	}
}

func TestStatusText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		st   service.Status
		err  error
		want string
	}{
		{service.StatusRunning, nil, "running"},
		{service.StatusStopped, nil, "stopped"},
		{service.StatusUnknown, nil, "unknown"},
		{0, service.ErrNotInstalled, "not installed"},
		{0, errors.New("dbus"), "unknown"},
	}
	for _, tt := range tests {
		if got := statusText(tt.st, tt.err); got != tt.want {
			t.Errorf("statusText(%v, %v) = %q, want %q", tt.st, tt.err, got, tt.want)
		}
	}
}
