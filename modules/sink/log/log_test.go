package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/dispatch"
)

func TestSubmitLogs(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(slog.New(slog.NewTextHandler(&buf, nil)), slog.LevelInfo)

	err := s.Submit(context.Background(), dispatch.Message{ID: "m1", Task: "tasks.add", Args: json.RawMessage(`[1]`), Entry: "adder"})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"task handed off", "task=tasks.add", "entry=adder", "id=m1"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q misses %q", out, want)
		}
	}
}

func TestProvisionRegistersSink(t *testing.T) {
	var buf bytes.Buffer
	appCtx := core.NewAppContext(slog.New(slog.NewTextHandler(&buf, nil)), t.TempDir())

	m := &Module{config: Config{Level: "debug"}}
	if err := m.Provision(appCtx); err != nil {
		t.Fatal(err)
	}
	sink, ok := core.ServiceAs[dispatch.Sink](appCtx, dispatch.ServiceName)
	if !ok {
		t.Fatal("sink not registered")
	}
	if sink.(*Sink).level != slog.LevelDebug {
		t.Errorf("level = %v", sink.(*Sink).level)
	}

	m = &Module{config: Config{Level: "loud"}}
	if err := m.Provision(appCtx); err == nil {
		t.Error("unknown level accepted")
	}
}
