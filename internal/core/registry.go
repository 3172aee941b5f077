package core

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// registry holds every module compiled into the binary, keyed by ID.
// Modules add themselves from init() through a blank import in pkg/app.
var registry = struct {
	sync.RWMutex
	byID map[string]ModuleInfo
}{byID: make(map[string]ModuleInfo)}

// RegisterModule records the module described by instance.ModuleInfo().
// IDs take the form "role.backend" ("store.sqlite", "sink.redis"). It
// panics on a malformed ID, a nil constructor or a second registration
// of the same ID.
func RegisterModule(instance Module) {
	info := instance.ModuleInfo()
	if info.ID == "" {
		panic("module ID must not be empty")
	}
	if role, backend, ok := strings.Cut(string(info.ID), "."); !ok || role == "" || backend == "" {
		panic(fmt.Sprintf("module %s: ID must be namespaced as role.backend", info.ID))
	}
	if info.New == nil {
		panic(fmt.Sprintf("module %s: New function must not be nil", info.ID))
	}

	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.byID[string(info.ID)]; dup {
		panic(fmt.Sprintf("module already registered: %s", info.ID))
	}
	registry.byID[string(info.ID)] = info
}

// GetModule looks up a registered module by ID.
func GetModule(id string) (ModuleInfo, bool) {
	registry.RLock()
	defer registry.RUnlock()
	info, ok := registry.byID[id]
	return info, ok
}

// GetModules returns every registered module ordered by ID.
func GetModules() []ModuleInfo {
	return collect(func(ModuleInfo) bool { return true })
}

// Backends returns the IDs of the modules compiled in for role, such as
// store.memory, store.postgres and store.sqlite for "store".
func Backends(role string) []ModuleID {
	infos := collect(func(info ModuleInfo) bool { return info.ID.Namespace() == role })
	ids := make([]ModuleID, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids
}

func collect(keep func(ModuleInfo) bool) []ModuleInfo {
	registry.RLock()
	defer registry.RUnlock()

	var out []ModuleInfo
	for _, info := range registry.byID {
		if keep(info) {
			out = append(out, info)
		}
	}
	slices.SortFunc(out, func(a, b ModuleInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// resetRegistry clears the registry. Only for testing.
func resetRegistry() {
	registry.Lock()
	defer registry.Unlock()
	registry.byID = make(map[string]ModuleInfo)
}
