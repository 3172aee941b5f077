package core

import (
	"context"

	"gopkg.in/yaml.v3"
)

// Each interface below is optional. App checks a loaded module for them in
// the order they are listed here: Configure, Provision and Validate at load
// time, then Start, and Stop on shutdown in reverse load order.

// Configurable modules decode their section of the modules: map.
type Configurable interface {
	Configure(node *yaml.Node) error
}

// Provisioner modules fill defaults, open their backend and register the
// services they provide (the store, the sink, the lease) on the AppContext.
type Provisioner interface {
	Provision(ctx *AppContext) error
}

// Validator modules check their configuration once provisioned. Validate
// must not change state; `sbeat config check` calls it without starting
// anything.
type Validator interface {
	Validate() error
}

// Starter modules launch background work such as the beat loop, the HTTP
// gateway or a lease heartbeat.
type Starter interface {
	Start() error
}

// Stopper modules release what Provision or Start acquired. App.Release
// also stops modules that were provisioned but never started.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Reloader modules re-read their configuration on SIGHUP or a gateway
// reload request without restarting the process.
type Reloader interface {
	Reload(ctx *AppContext) error
}
