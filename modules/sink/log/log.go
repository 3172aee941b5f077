// Package log implements the sink.log module: a development sink that
// accepts every message and writes it to the log instead of a queue.
package log

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/dispatch"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ dispatch.Sink     = (*Sink)(nil)
)

// Config holds the sink configuration.
type Config struct {
	// Level is the log level of hand-off records: debug, info or warn.
	Level string `yaml:"level"`
}

// Sink logs every submitted message.
type Sink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSink returns a sink writing to logger at level.
func NewSink(logger *slog.Logger, level slog.Level) *Sink {
	return &Sink{logger: logger, level: level}
}

// Submit implements dispatch.Sink.
func (s *Sink) Submit(ctx context.Context, msg dispatch.Message) error {
	s.logger.Log(ctx, s.level, "sink: task handed off",
		"id", msg.ID,
		"task", msg.Task,
		"entry", msg.Entry,
		"args", string(msg.Args),
		"kwargs", string(msg.Kwargs),
		"queue", msg.Routing.Queue,
		"scheduled_at", msg.ScheduledAt,
	)
	return nil
}

// Module registers a logging sink as the dispatch sink.
type Module struct {
	config Config
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "sink.log",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("log sink: decode config: %w", err)
	}
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	level := slog.LevelInfo
	if m.config.Level != "" {
		if err := level.UnmarshalText([]byte(m.config.Level)); err != nil {
			return fmt.Errorf("log sink: level: %w", err)
		}
	}
	ctx.RegisterService(dispatch.ServiceName, NewSink(ctx.Logger, level))
	ctx.Logger.Warn("log sink provisioned, tasks are logged and not queued")
	return nil
}
