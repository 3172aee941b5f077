package core

import "testing"

func TestModuleID_Parts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id        ModuleID
		namespace string
		name      string
	}{
		{"store.sqlite", "store", "sqlite"},
		{"beat.scheduler", "beat", "scheduler"},
		{"sink.redis.cluster", "sink", "redis.cluster"},
		{"plain", "plain", "plain"},
	}

	for _, tt := range tests {
		if got := tt.id.Namespace(); got != tt.namespace {
			t.Errorf("%s: namespace = %q, want %q", tt.id, got, tt.namespace)
		}
		if got := tt.id.Name(); got != tt.name {
			t.Errorf("%s: name = %q, want %q", tt.id, got, tt.name)
		}
	}
}
