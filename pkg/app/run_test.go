package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/sbeat/internal/beat"
	"github.com/flemzord/sbeat/internal/config"
	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/metrics"
	"github.com/flemzord/sbeat/internal/reload"
	"github.com/flemzord/sbeat/internal/store"
)

const memoryConfig = `version: "1"
log:
  level: warn
modules:
  store.memory:
    seed:
      - name: heartbeat
        task: ops.heartbeat
        every: 30
  sink.log: {}
  beat.scheduler:
    lease_disabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sbeat.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDefaultDataDir_XDGDataHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	got := DefaultDataDir()
	want := "/custom/data/sbeat"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDefaultDataDir_Fallback(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	got := DefaultDataDir()
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, ".local", "share", "sbeat")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRun_InvalidConfigPath(t *testing.T) {
	err := Run(RunParams{ConfigPath: "/nonexistent/config.yaml"})
	if err == nil {
		t.Error("expected error for invalid config path")
	}
}

func TestRun_InvalidConfigContent(t *testing.T) {
	path := writeConfig(t, "not: valid: yaml: [")
	if err := Run(RunParams{ConfigPath: path}); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestRun_ValidationFailure(t *testing.T) {
	path := writeConfig(t, "modules:\n  foo: {}")
	if err := Run(RunParams{ConfigPath: path}); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoad_ProvisionsModules(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	rt, err := Load(RunParams{ConfigPath: path, DataDir: t.TempDir(), LogOutput: &bytes.Buffer{}}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(rt.App.Release)

	want := []core.ModuleID{"beat.scheduler", "sink.log", "store.memory"}
	got := rt.App.Loaded()
	if len(got) != len(want) {
		t.Fatalf("loaded = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("loaded[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	for _, name := range []string{store.ServiceName, dispatch.ServiceName, beat.ServiceName, metrics.ServiceName, reload.ServiceName} {
		if _, ok := rt.AppCtx.Service(name); !ok {
			t.Errorf("service %q not registered", name)
		}
	}
	if rt.Reload.ConfigPath() != path {
		t.Errorf("reload path = %q", rt.Reload.ConfigPath())
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	ctx, cancel := context.WithCancelCause(context.Background())
	rt, err := Load(RunParams{ConfigPath: path, DataDir: t.TempDir(), LogOutput: &bytes.Buffer{}}, cancel)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- rt.Serve(ctx) }()

	ctrl, _ := core.ServiceAs[beat.Controller](rt.AppCtx, beat.ServiceName)
	deadline := time.Now().Add(5 * time.Second)
	for ctrl.Stats().Entries == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := ctrl.Stats().Entries; n != 1 {
		t.Errorf("scheduled entries = %d, want 1", n)
	}

	fatal := errors.New("lease lost")
	rt.AppCtx.Shutdown(fatal)
	select {
	case err := <-done:
		if !errors.Is(err, fatal) {
			t.Errorf("Serve = %v, want %v", err, fatal)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestOpen_StoreAndSink(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	s, err := Open(RunParams{ConfigPath: path, DataDir: t.TempDir(), LogOutput: &bytes.Buffer{}}, "store.", "sink.")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	st, err := s.Store()
	if err != nil {
		t.Fatal(err)
	}
	e, err := st.GetEntryByName(context.Background(), "heartbeat")
	if err != nil {
		t.Fatalf("seeded entry: %v", err)
	}
	if e.Task != "ops.heartbeat" {
		t.Errorf("task = %q", e.Task)
	}
	if _, err := s.Sink(); err != nil {
		t.Errorf("Sink: %v", err)
	}
	if _, ok := s.AppCtx.Service(beat.ServiceName); ok {
		t.Error("scheduler provisioned by an admin session")
	}
}

func TestOpen_NoStore(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\nmodules:\n  sink.log: {}\n")
	_, err := Open(RunParams{ConfigPath: path, DataDir: t.TempDir(), LogOutput: &bytes.Buffer{}}, "store.")
	if err == nil || !strings.Contains(err.Error(), "no store.* module") {
		t.Errorf("err = %v", err)
	}
}

func TestNewLogger_RedactsAndFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Format: "json"}, &buf)
	logger.Info("connecting", "url", "redis://:hunter2@cache:6379/0")

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.HasPrefix(out, "{") {
		t.Errorf("not JSON: %s", out)
	}
}
