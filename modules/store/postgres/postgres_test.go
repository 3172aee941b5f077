package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/lease"
	"github.com/flemzord/sbeat/internal/lease/leasetest"
	"github.com/flemzord/sbeat/internal/store"
	"github.com/flemzord/sbeat/internal/store/storetest"
)

const dsnEnv = "SBEAT_TEST_POSTGRES_DSN"

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	return dsn
}

// openTestStore opens a store in a schema of its own, dropped on cleanup.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	schema := "sbeat_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatal(err)
	}
	pcfg.ConnConfig.RuntimeParams["search_path"] = schema

	cfg := Config{DSN: dsn}
	cfg.defaults()
	st, version, err := connect(ctx, pcfg, cfg)
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	if version != 1 {
		t.Errorf("schema version = %d, want 1", version)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreConformance(t *testing.T) {
	testDSN(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTestStore(t)
	})
}

func TestLeaseConformance(t *testing.T) {
	testDSN(t)
	leasetest.Run(t, func(t *testing.T) lease.Provider {
		return openTestStore(t)
	})
}

func TestRecordRunTruncatesToSecond(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	e := storetest.NewEntry(t, st, "precise", "tasks.p")

	at := time.Date(2024, 3, 10, 12, 0, 0, 123456789, time.FixedZone("x", 3600))
	if err := st.RecordRun(ctx, e.ID, at, 1); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(want) || got.LastRunAt.Location() != time.UTC {
		t.Errorf("last_run_at = %v, want %v", got.LastRunAt, want)
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	st := openTestStore(t)
	_ = st.Close()
	if _, err := st.Version(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Version on closed store = %v, want ErrUnavailable", err)
	}
}

func TestOpen_BadDSN(t *testing.T) {
	_, _, err := Open(context.Background(), Config{DSN: "postgres://%zz"})
	if err == nil {
		t.Fatal("Open accepted a malformed dsn")
	}
}

func TestConfig(t *testing.T) {
	var c Config
	if err := yaml.Unmarshal([]byte("dsn: postgres://localhost/sbeat\nmigrate: false\n"), &c); err != nil {
		t.Fatal(err)
	}
	c.defaults()
	if c.MaxConns != defaultMaxConns || c.ConnectTimeout != defaultConnectTimeout {
		t.Errorf("defaults = %+v", c)
	}
	if c.migrateEnabled() {
		t.Error("migrate: false ignored")
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing dsn", Config{MaxConns: 1}},
		{"zero conns", Config{DSN: "postgres://x", MaxConns: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.validate(); err == nil {
				t.Error("validate accepted invalid config")
			}
		})
	}
}

func TestModuleRequiresDSN(t *testing.T) {
	appCtx := core.NewAppContext(slog.New(slog.NewTextHandler(io.Discard, nil)), t.TempDir())
	m := &Module{}
	if err := m.Provision(appCtx.ForModule("store.postgres")); err == nil {
		t.Fatal("Provision without dsn succeeded")
	}
}
