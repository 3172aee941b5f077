// Package memory implements the store.memory module: a volatile entry store
// for development and tests, optionally seeded from configuration.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/lease"
	"github.com/flemzord/sbeat/internal/store"
	"github.com/flemzord/sbeat/internal/store/memstore"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Config holds the memory store configuration.
type Config struct {
	// Seed entries are created at provision time.
	Seed []SeedEntry `yaml:"seed"`
}

// SeedEntry is a store.Draft whose args and kwargs are written as YAML.
type SeedEntry struct {
	store.Draft `yaml:",inline"`
	Args        any `yaml:"args"`
	Kwargs      any `yaml:"kwargs"`
}

func (s SeedEntry) draft() (store.Draft, error) {
	d := s.Draft
	var err error
	if s.Args != nil {
		if d.Args, err = json.Marshal(s.Args); err != nil {
			return d, fmt.Errorf("args: %w", err)
		}
	}
	if s.Kwargs != nil {
		if d.Kwargs, err = json.Marshal(s.Kwargs); err != nil {
			return d, fmt.Errorf("kwargs: %w", err)
		}
	}
	return d, nil
}

// Module provides an in-memory store.Store and a process-local lease.
type Module struct {
	config Config
	logger *slog.Logger
	store  *memstore.Store
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "store.memory",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("memory store: decode config: %w", err)
	}
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.logger = ctx.Logger
	m.store = memstore.New()

	for i, seed := range m.config.Seed {
		d, err := seed.draft()
		if err != nil {
			return fmt.Errorf("memory store: seed %d (%s): %w", i, seed.Name, err)
		}
		if _, err := store.Create(context.Background(), m.store, d); err != nil {
			return fmt.Errorf("memory store: seed %d (%s): %w", i, seed.Name, err)
		}
	}

	ctx.RegisterService(store.ServiceName, m.store)
	if _, ok := ctx.Service(lease.ServiceName); !ok {
		ctx.RegisterService(lease.ServiceName, lease.NewMemory(nil))
	}

	m.logger.Warn("memory store provisioned, entries are lost on exit", "seeded", len(m.config.Seed))
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(_ context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// Store returns the provisioned store.
func (m *Module) Store() *memstore.Store {
	return m.store
}
