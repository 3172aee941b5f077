// Package otel implements the telemetry.otel module: it builds the
// OpenTelemetry tracer provider and shares it with the other modules.
package otel

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/telemetry"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Module provides the telemetry.Provider service.
type Module struct {
	config   telemetry.Config
	logger   *slog.Logger
	provider *telemetry.Provider
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "telemetry.otel",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("telemetry: decode config: %w", err)
	}
	m.config.Defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.Defaults()
	m.logger = ctx.Logger

	p, err := telemetry.New(context.Background(), m.config)
	if err != nil {
		return err
	}
	m.provider = p
	otel.SetTracerProvider(p.TracerProvider())
	ctx.RegisterService(telemetry.ServiceName, p)

	if m.config.Endpoint == "" {
		m.logger.Info("telemetry provisioned without endpoint, spans are discarded")
	} else {
		m.logger.Info("telemetry provisioned",
			"endpoint", m.config.Endpoint,
			"service_name", m.config.ServiceName,
			"sample_ratio", m.config.SampleRatio,
		)
	}
	return nil
}

// Stop implements core.Stopper. Pending spans are flushed.
func (m *Module) Stop(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
