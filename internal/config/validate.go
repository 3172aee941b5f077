package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/flemzord/sbeat/internal/core"
)

// Namespaces that may appear at most once: a scheduler talks to exactly one
// entry store, one dispatch sink and one lease backend.
var singletonNamespaces = []string{"store", "sink", "lease", "control"}

// Validate checks the structural validity of a Config.
// It verifies the version field, ensures modules are present,
// checks that all referenced module IDs exist in the registry,
// and rejects configurations that select two backends for the same role.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if len(cfg.Modules) == 0 {
		errs = append(errs, errors.New("config: at least one module must be configured"))
	}

	for _, id := range Resolve(cfg) {
		if _, ok := core.GetModule(id); !ok {
			errs = append(errs, unknownModule(id))
		}
	}

	errs = append(errs, validateSingletons(cfg.Modules)...)
	errs = append(errs, validateLog(cfg.Log)...)

	return errors.Join(errs...)
}

// unknownModule names the compiled backends of the same role, if any.
func unknownModule(id string) error {
	known := core.Backends(core.ModuleID(id).Namespace())
	if len(known) == 0 {
		return fmt.Errorf("config: unknown module %q", id)
	}
	names := make([]string, len(known))
	for i, k := range known {
		names[i] = string(k)
	}
	return fmt.Errorf("config: unknown module %q (available: %s)", id, strings.Join(names, ", "))
}

func validateSingletons[V any](modules map[string]V) []error {
	seen := make(map[string][]string)
	for id := range modules {
		ns := core.ModuleID(id).Namespace()
		if slices.Contains(singletonNamespaces, ns) {
			seen[ns] = append(seen[ns], id)
		}
	}

	var errs []error
	for _, ns := range singletonNamespaces {
		ids := seen[ns]
		if len(ids) > 1 {
			slices.Sort(ids)
			errs = append(errs, fmt.Errorf("config: only one %s module may be configured, got %s", ns, strings.Join(ids, ", ")))
		}
	}
	return errs
}

func validateLog(l LogConfig) []error {
	var errs []error
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.levelOrDefault()))); err != nil {
		errs = append(errs, fmt.Errorf("config: log.level %q is not one of debug, info, warn, error", l.Level))
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format %q is not one of text, json", l.Format))
	}
	return errs
}
