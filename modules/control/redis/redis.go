// Package redis implements the control.redis module: control commands are
// published as JSON on a Redis pub/sub channel that workers subscribe to.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/control"
	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/redisconn"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable   = (*Module)(nil)
	_ core.Provisioner    = (*Module)(nil)
	_ core.Validator      = (*Module)(nil)
	_ core.Stopper        = (*Module)(nil)
	_ control.Broadcaster = (*Broadcaster)(nil)
)

// DefaultChannel is the pub/sub channel commands are published on.
const DefaultChannel = "sbeat:control"

// Config holds the control module configuration.
type Config struct {
	redisconn.Config `yaml:",inline"`

	Channel string `yaml:"channel"`
}

func (c *Config) defaults() {
	c.Config.Defaults()
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
}

// Broadcaster publishes commands on a channel.
type Broadcaster struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

// NewBroadcaster wraps a connected client.
func NewBroadcaster(rdb *goredis.Client, channel string, logger *slog.Logger) *Broadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{rdb: rdb, channel: channel, logger: logger}
}

// Broadcast implements control.Broadcaster. Having no subscriber is not an
// error; the command is simply lost.
func (b *Broadcaster) Broadcast(ctx context.Context, cmd control.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("control: encode %s: %w", cmd.Kind, err)
	}
	receivers, err := b.rdb.Publish(ctx, b.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("control: publish %s: %w", cmd.Kind, err)
	}
	if receivers == 0 {
		b.logger.Warn("control: no worker is listening", "kind", cmd.Kind, "channel", b.channel)
	}
	return nil
}

// Module registers a Redis pub/sub broadcaster.
type Module struct {
	config      Config
	logger      *slog.Logger
	rdb         *goredis.Client
	broadcaster *Broadcaster
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "control.redis",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("control: decode config: %w", err)
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
		return fmt.Errorf("control: %w", err)
	}
	m.rdb = rdb
	m.broadcaster = NewBroadcaster(rdb, m.config.Channel, m.logger)
	ctx.RegisterService(control.ServiceName, m.broadcaster)

	m.logger.Info("redis control provisioned", "addr", rdb.Options().Addr, "channel", m.config.Channel)
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
