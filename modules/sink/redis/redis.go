// Package redis implements the sink.redis module: task messages are pushed
// as JSON onto per-queue Redis lists ("queue:{queue}:ready") for workers to
// pop.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/dispatch"
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
	_ dispatch.Sink     = (*Sink)(nil)
)

const (
	defaultQueue = "default"
	pushLeft     = "left"
	pushRight    = "right"
)

// Config holds the sink configuration.
type Config struct {
	redisconn.Config `yaml:",inline"`

	// DefaultQueue receives messages whose routing names no queue.
	DefaultQueue string `yaml:"default_queue"`

	// Push selects LPUSH ("left", for BRPOP consumers) or RPUSH ("right",
	// for BLPOP consumers).
	Push string `yaml:"push"`
}

func (c *Config) defaults() {
	c.Config.Defaults()
	if c.DefaultQueue == "" {
		c.DefaultQueue = defaultQueue
	}
	if c.Push == "" {
		c.Push = pushLeft
	}
}

func (c *Config) validate() error {
	if c.Push != pushLeft && c.Push != pushRight {
		return fmt.Errorf("redis sink: push must be %q or %q, got %q", pushLeft, pushRight, c.Push)
	}
	return c.Config.Validate()
}

// ReadyKey is the list holding messages ready for queue.
func ReadyKey(queue string) string {
	return "queue:" + queue + ":ready"
}

// Sink pushes messages onto Redis lists.
type Sink struct {
	rdb          *goredis.Client
	defaultQueue string
	right        bool
}

// NewSink wraps a connected client.
func NewSink(rdb *goredis.Client, cfg Config) *Sink {
	cfg.defaults()
	return &Sink{rdb: rdb, defaultQueue: cfg.DefaultQueue, right: cfg.Push == pushRight}
}

// Submit implements dispatch.Sink.
func (s *Sink) Submit(ctx context.Context, msg dispatch.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return dispatch.Reject(fmt.Errorf("encode message: %w", err))
	}
	queue := msg.Routing.Queue
	if queue == "" {
		queue = s.defaultQueue
	}

	var cmd *goredis.IntCmd
	if s.right {
		cmd = s.rdb.RPush(ctx, ReadyKey(queue), payload)
	} else {
		cmd = s.rdb.LPush(ctx, ReadyKey(queue), payload)
	}
	if err := cmd.Err(); err != nil {
		return dispatch.Reject(fmt.Errorf("push to %s: %w", ReadyKey(queue), err))
	}
	return nil
}

// Module registers a Redis list sink as the dispatch sink.
type Module struct {
	config Config
	logger *slog.Logger
	rdb    *goredis.Client
	sink   *Sink
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "sink.redis",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("redis sink: decode config: %w", err)
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

	rdb, err := redisconn.Open(context.Background(), m.config.Config)
	if err != nil {
		return fmt.Errorf("redis sink: %w", err)
	}
	m.rdb = rdb
	m.sink = NewSink(rdb, m.config)
	ctx.RegisterService(dispatch.ServiceName, m.sink)

	m.logger.Info("redis sink provisioned",
		"addr", rdb.Options().Addr,
		"default_queue", m.config.DefaultQueue,
		"push", m.config.Push,
	)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	return m.config.validate()
}

// Stop implements core.Stopper.
func (m *Module) Stop(_ context.Context) error {
	if m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}
