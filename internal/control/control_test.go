package control

import (
	"context"
	"errors"
	"testing"
)

func TestValidateRate(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"", "10", "10/s", "1.5/m", "100/h"} {
		if err := ValidateRate(ok); err != nil {
			t.Errorf("ValidateRate(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"fast", "10/d", "/m", "10/", "-1"} {
		if err := ValidateRate(bad); !errors.Is(err, ErrInvalid) {
			t.Errorf("ValidateRate(%q) = %v, want ErrInvalid", bad, err)
		}
	}
}

func TestRevokeVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		build     func(string) (Command, error)
		terminate bool
		signal    any
	}{
		{"revoke", Revoke, false, nil},
		{"terminate", Terminate, true, "SIGTERM"},
		{"kill", Kill, true, "SIGKILL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, err := tt.build("abc")
			if err != nil {
				t.Fatal(err)
			}
			if cmd.Kind != KindRevoke || cmd.Arguments["task_id"] != "abc" {
				t.Errorf("command = %+v", cmd)
			}
			if cmd.Arguments["terminate"] != tt.terminate || cmd.Arguments["signal"] != tt.signal {
				t.Errorf("arguments = %v", cmd.Arguments)
			}
			if _, err := tt.build(""); !errors.Is(err, ErrInvalid) {
				t.Errorf("empty task id error = %v", err)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	cmd, err := RateLimit("tasks.add", "10/m", "worker1")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Kind != KindRateLimit || cmd.Destination[0] != "worker1" || cmd.Arguments["rate_limit"] != "10/m" {
		t.Errorf("command = %+v", cmd)
	}
	if _, err := RateLimit("tasks.add", "lots"); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad rate error = %v", err)
	}
}

func TestMemory(t *testing.T) {
	t.Parallel()

	var m Memory
	_ = m.Broadcast(context.Background(), Shutdown("w1", "w2"))
	_ = m.Broadcast(context.Background(), EnableEvents())
	cmds := m.Commands()
	if len(cmds) != 2 || cmds[0].Kind != KindShutdown || len(cmds[0].Destination) != 2 {
		t.Fatalf("commands = %+v", cmds)
	}
	if cmds[0].ID == cmds[1].ID {
		t.Error("command IDs must be unique")
	}
}
