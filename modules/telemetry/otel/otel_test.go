package otel

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/telemetry"
)

func TestModuleRegistersProvider(t *testing.T) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte("service_name: beat-a\nsample_ratio: 0.5\n"), &node); err != nil {
		t.Fatal(err)
	}
	m := &Module{}
	if err := m.Configure(node.Content[0]); err != nil {
		t.Fatal(err)
	}
	if m.config.ServiceName != "beat-a" || m.config.SampleRatio != 0.5 {
		t.Errorf("config = %+v", m.config)
	}

	appCtx := core.NewAppContext(slog.New(slog.NewTextHandler(io.Discard, nil)), t.TempDir())
	if err := m.Provision(appCtx); err != nil {
		t.Fatal(err)
	}
	p, ok := core.ServiceAs[*telemetry.Provider](appCtx, telemetry.ServiceName)
	if !ok || p == nil {
		t.Fatal("provider not registered")
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
