package config

import (
	"cmp"
	"maps"
	"slices"

	"github.com/flemzord/sbeat/internal/core"
)

// loadOrder lists the roles whose modules provide services other modules
// look up. They load first, in this order, so the beat scheduler and the
// gateway find them, and they stop last.
var loadOrder = []string{"telemetry", "store", "lease", "sink", "control"}

// Resolve returns the configured module IDs in load order: provider roles
// first, as listed in loadOrder, then every other module. IDs within a role
// sort by name.
func Resolve(cfg *Config) []string {
	ids := slices.Collect(maps.Keys(cfg.Modules))
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Or(cmp.Compare(rank(a), rank(b)), cmp.Compare(a, b))
	})
	return ids
}

func rank(id string) int {
	if i := slices.Index(loadOrder, core.ModuleID(id).Namespace()); i >= 0 {
		return i
	}
	return len(loadOrder)
}
