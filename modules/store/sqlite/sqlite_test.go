package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/lease"
	"github.com/flemzord/sbeat/internal/lease/leasetest"
	"github.com/flemzord/sbeat/internal/store"
	"github.com/flemzord/sbeat/internal/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTestStore(t)
	})
}

func TestLeaseConformance(t *testing.T) {
	leasetest.Run(t, func(t *testing.T) lease.Provider {
		return openTestStore(t)
	})
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	st, err := Open(ctx, path, Config{})
	if err != nil {
		t.Fatal(err)
	}
	e := storetest.NewEntry(t, st, "persisted", "tasks.p")
	if err := st.RecordRun(ctx, e.ID, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), 1); err != nil {
		t.Fatal(err)
	}
	v, err := st.Version(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(ctx, path, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st.Close() }()

	got, err := st.GetEntryByName(ctx, "persisted")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalRunCount != 1 || got.LastRunAt == nil {
		t.Errorf("run bookkeeping lost: %+v", got)
	}
	if got.Fingerprint() != e.Fingerprint() {
		t.Errorf("fingerprint changed across reopen:\n%q\n%q", e.Fingerprint(), got.Fingerprint())
	}
	if v2, _ := st.Version(ctx); v2 != v {
		t.Errorf("version after reopen = %d, want %d", v2, v)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "dir", "test.db"), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.Close()
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	st, err := Open(context.Background(), path, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion+1); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	if _, err := Open(context.Background(), path, Config{}); err == nil {
		t.Fatal("Open accepted a newer schema")
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "closed.db"), Config{})
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if _, err := st.Version(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Version on closed store = %v, want ErrUnavailable", err)
	}
}

func TestModuleLifecycle(t *testing.T) {
	dir := t.TempDir()
	appCtx := core.NewAppContext(slog.New(slog.NewTextHandler(io.Discard, nil)), dir)

	m := &Module{}
	if err := m.Provision(appCtx.ForModule("store.sqlite")); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.config.Path != filepath.Join(dir, defaultDBFile) {
		t.Errorf("path = %q", m.config.Path)
	}

	svc, ok := core.ServiceAs[store.Store](appCtx, store.ServiceName)
	if !ok || svc != m.Store() {
		t.Fatal("store service not registered")
	}
	if _, ok := svc.(lease.Provider); !ok {
		t.Error("sqlite store does not provide leases")
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	c := Config{BusyTimeout: -1}
	if err := c.validate(); err == nil {
		t.Error("negative busy_timeout accepted")
	}
	c = Config{}
	c.defaults()
	if !c.walEnabled() || c.BusyTimeout != defaultBusyTimeout {
		t.Errorf("defaults = %+v", c)
	}
}
