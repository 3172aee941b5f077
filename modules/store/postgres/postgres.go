// Package postgres implements the store.postgres module: an entry store on
// PostgreSQL through a pgx connection pool. Schema changes are applied with
// golang-migrate from embedded SQL files. The leases table gives schedulers
// sharing the database a common lease.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/store"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Module provides a PostgreSQL-backed store.Store.
type Module struct {
	config Config
	logger *slog.Logger
	store  *Store
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "store.postgres",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("postgres: decode config: %w", err)
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	m.logger = ctx.Logger
	if err := m.config.validate(); err != nil {
		return err
	}

	st, version, err := Open(context.Background(), m.config)
	if err != nil {
		return err
	}
	m.store = st
	ctx.RegisterService(store.ServiceName, st)

	m.logger.Info("postgres store provisioned",
		"max_conns", m.config.MaxConns,
		"schema_version", version,
	)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if err := m.config.validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
	defer cancel()
	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(_ context.Context) error {
	if m.store == nil {
		return nil
	}
	m.logger.Info("postgres store stopping")
	return m.store.Close()
}

// Store returns the provisioned store.
func (m *Module) Store() *Store {
	return m.store
}

// Open connects a pool, checks the connection and, unless disabled,
// migrates the schema. It returns the schema version, or 0 when migrations
// were skipped.
func Open(ctx context.Context, cfg Config) (*Store, uint, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, 0, err
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	return connect(ctx, pcfg, cfg)
}

func connect(ctx context.Context, pcfg *pgxpool.Config, cfg Config) (*Store, uint, error) {
	pcfg.MaxConns = cfg.MaxConns
	pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, 0, fmt.Errorf("postgres: ping: %w", mapErr(err))
	}

	var version uint
	if cfg.migrateEnabled() {
		if version, err = Migrate(pool); err != nil {
			pool.Close()
			return nil, 0, err
		}
	}
	return New(pool), version, nil
}
