// Package redis implements the lease.redis module: the scheduler lease is a
// Redis key set with NX and a TTL. Renewal and release are compare-and-act
// Lua scripts, so only the holder can extend or drop it.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/lease"
	"github.com/flemzord/sbeat/internal/redisconn"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
	_ lease.Provider    = (*Provider)(nil)
)

const defaultKeyPrefix = "lease:"

var (
	renewScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)
)

// Config holds the lease module configuration.
type Config struct {
	redisconn.Config `yaml:",inline"`

	// KeyPrefix is prepended to the lease name. Defaults to "lease:".
	KeyPrefix string `yaml:"key_prefix"`
}

func (c *Config) defaults() {
	c.Config.Defaults()
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
}

// Provider creates leases stored as Redis keys.
type Provider struct {
	rdb    *goredis.Client
	prefix string
}

// NewProvider wraps a connected client.
func NewProvider(rdb *goredis.Client, keyPrefix string) *Provider {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Provider{rdb: rdb, prefix: keyPrefix}
}

// NewLease implements lease.Provider.
func (p *Provider) NewLease(name, holder string, ttl time.Duration) lease.Lease {
	return &keyLease{rdb: p.rdb, key: p.prefix + name, holder: holder, ttl: ttl}
}

type keyLease struct {
	rdb    *goredis.Client
	key    string
	holder string
	ttl    time.Duration
}

func (l *keyLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease: acquire %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	// Held already; succeed only if the holder is us.
	return l.Renew(ctx)
}

func (l *keyLease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lease: renew %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *keyLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.holder).Err(); err != nil {
		return fmt.Errorf("redis lease: release %s: %w", l.key, err)
	}
	return nil
}

func (l *keyLease) Holder() string     { return l.holder }
func (l *keyLease) TTL() time.Duration { return l.ttl }

// Module registers a Redis lease provider.
type Module struct {
	config   Config
	logger   *slog.Logger
	rdb      *goredis.Client
	provider *Provider
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "lease.redis",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("redis lease: decode config: %w", err)
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	m.logger = ctx.Logger
	if err := m.config.Config.Validate(); err != nil {
		return err
	}

	rdb, err := redisconn.Open(context.Background(), m.config.Config)
	if err != nil {
		return fmt.Errorf("redis lease: %w", err)
	}
	m.rdb = rdb
	m.provider = NewProvider(rdb, m.config.KeyPrefix)
	ctx.RegisterService(lease.ServiceName, m.provider)

	m.logger.Info("redis lease provisioned", "addr", rdb.Options().Addr, "key_prefix", m.config.KeyPrefix)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	return m.config.Config.Validate()
}

// Stop implements core.Stopper.
func (m *Module) Stop(_ context.Context) error {
	if m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}
