package core

import "strings"

// ModuleID is a dotted module identifier such as "store.sqlite".
// The part before the first dot is the namespace.
type ModuleID string

// Namespace returns the namespace part of the ID ("store" for "store.sqlite").
func (id ModuleID) Namespace() string {
	ns, _, _ := strings.Cut(string(id), ".")
	return ns
}

// Name returns the part after the namespace ("sqlite" for "store.sqlite").
// IDs without a namespace return the full ID.
func (id ModuleID) Name() string {
	_, name, ok := strings.Cut(string(id), ".")
	if !ok {
		return string(id)
	}
	return name
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	// ID uniquely identifies the module.
	ID ModuleID

	// New returns a fresh, unconfigured instance of the module.
	New func() Module
}

// Module is implemented by every sbeat module. Optional lifecycle
// behaviour is expressed through the interfaces in lifecycle.go.
type Module interface {
	ModuleInfo() ModuleInfo
}
