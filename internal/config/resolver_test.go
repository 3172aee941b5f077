package config

import (
	"slices"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestResolve_ProvidersLoadFirst(t *testing.T) {
	cfg := &Config{Modules: map[string]yaml.Node{
		"gateway.http":   {},
		"beat.scheduler": {},
		"sink.redis":     {},
		"store.sqlite":   {},
		"control.redis":  {},
		"lease.redis":    {},
		"telemetry.otel": {},
	}}

	want := []string{
		"telemetry.otel",
		"store.sqlite",
		"lease.redis",
		"sink.redis",
		"control.redis",
		"beat.scheduler",
		"gateway.http",
	}
	if got := Resolve(cfg); !slices.Equal(got, want) {
		t.Errorf("Resolve = %v, want %v", got, want)
	}
}

func TestResolve_SameRoleSortsByName(t *testing.T) {
	cfg := &Config{Modules: map[string]yaml.Node{
		"store.sqlite": {},
		"store.memory": {},
		"zeta.mod":     {},
		"alpha.mod":    {},
	}}

	want := []string{"store.memory", "store.sqlite", "alpha.mod", "zeta.mod"}
	if got := Resolve(cfg); !slices.Equal(got, want) {
		t.Errorf("Resolve = %v, want %v", got, want)
	}
}
