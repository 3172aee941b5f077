// Package gateway provides the admin HTTP surface of sbeat: health and
// status, entry and schedule management, scheduler controls, one-off task
// submission, worker control commands, an event stream and inbound hooks.
// It binds to loopback by default and follows the module system pattern.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/beat"
	"github.com/flemzord/sbeat/internal/control"
	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/metrics"
	"github.com/flemzord/sbeat/internal/reload"
	"github.com/flemzord/sbeat/internal/security"
	"github.com/flemzord/sbeat/internal/store"
)

func init() {
	core.RegisterModule(&Gateway{})
}

// ConfigReloader re-reads the configuration file the process runs with.
type ConfigReloader interface {
	ConfigPath() string
	Reload(ctx context.Context) error
}

var _ ConfigReloader = (*reload.Handler)(nil)

// Gateway is the HTTP gateway module. Nothing depends on it.
type Gateway struct {
	config    Config
	appCtx    *core.AppContext
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	audit     *security.AuditLogger
	auditFile *os.File
	limiter   *security.RateLimiter
	redactor  *security.Redactor
	actions   *ActionTable
	hooks     *HookDispatcher

	// Resolved at Start() through the service registry. Handlers treat a
	// nil dependency as unavailable.
	store    store.Store
	beat     beat.Controller
	sink     dispatch.Sink
	control  control.Broadcaster
	metrics  *metrics.Metrics
	reloader ConfigReloader
}

var (
	_ core.Configurable = (*Gateway)(nil)
	_ core.Provisioner  = (*Gateway)(nil)
	_ core.Validator    = (*Gateway)(nil)
	_ core.Starter      = (*Gateway)(nil)
	_ core.Stopper      = (*Gateway)(nil)
)

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "gateway.http",
		New: func() core.Module { return &Gateway{} },
	}
}

// Configure implements core.Configurable.
func (g *Gateway) Configure(node *yaml.Node) error {
	if err := node.Decode(&g.config); err != nil {
		return err
	}
	g.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.config.defaults()
	g.appCtx = ctx
	g.logger = ctx.Logger

	g.redactor = security.NewRedactor()
	g.redactor.AddLiteral(g.config.Auth.BearerToken)
	g.redactor.AddLiteral(g.config.Auth.BasicPass)
	for _, h := range g.config.Hooks {
		g.redactor.AddLiteral(h.Secret)
	}

	auditCfg := security.AuditLoggerConfig{
		Redactor: g.redactor,
		OnEvent: func(ev security.AuditEvent) {
			g.logger.Debug("gateway: audit", "type", ev.Type, "action", ev.Action, "remote_addr", ev.RemoteAddr)
		},
	}
	if g.config.AuditLog != "" {
		f, err := os.OpenFile(g.config.AuditLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("gateway: opening audit log: %w", err)
		}
		g.auditFile = f
		auditCfg.Writer = f
	}
	g.audit = security.NewAuditLogger(auditCfg)
	g.limiter = security.NewRateLimiter(g.config.RateLimit)

	g.actions = NewActionTable()
	for _, a := range g.entryActions() {
		if err := g.actions.Register(a); err != nil {
			return err
		}
	}

	g.hooks = NewHookDispatcher(g.logger)
	for name, h := range g.config.Hooks {
		g.hooks.Register(name, g.runEntryHook(h.Entry), h.Secret)
		g.logger.Info("gateway: hook configured", "hook", name, "entry", h.Entry)
	}
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", g.config.Bind); err != nil {
		return errors.New("gateway: invalid bind address: " + g.config.Bind)
	}
	return g.config.validate()
}

// Start implements core.Starter. It resolves dependencies from the service
// registry and starts the HTTP server.
func (g *Gateway) Start() error {
	g.resolve()
	g.startedAt = time.Now()
	if !g.config.Auth.IsConfigured() {
		g.logger.Warn("gateway: no auth configured, admin endpoints are not mounted")
	}

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway: listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: serve error", "error", err)
		}
	}()

	return nil
}

// resolve binds the optional services registered by other modules.
func (g *Gateway) resolve() {
	g.store, _ = core.ServiceAs[store.Store](g.appCtx, store.ServiceName)
	g.beat, _ = core.ServiceAs[beat.Controller](g.appCtx, beat.ServiceName)
	if sink, ok := core.ServiceAs[dispatch.Sink](g.appCtx, dispatch.ServiceName); ok {
		g.sink = dispatch.WithTimeout(sink, g.config.DispatchTimeout)
	}
	g.control, _ = core.ServiceAs[control.Broadcaster](g.appCtx, control.ServiceName)
	g.metrics, _ = core.ServiceAs[*metrics.Metrics](g.appCtx, metrics.ServiceName)
	g.reloader, _ = core.ServiceAs[ConfigReloader](g.appCtx, reload.ServiceName)

	if g.store == nil {
		g.logger.Warn("gateway: no store registered, entry endpoints will fail")
	}
	if g.control == nil {
		g.logger.Debug("gateway: no control broadcaster registered")
	}
}

// Stop implements core.Stopper. Graceful shutdown with configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	var err error
	if g.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
		defer cancel()

		g.logger.Info("gateway: shutting down")
		err = g.server.Shutdown(shutdownCtx)
	}
	if g.auditFile != nil {
		err = errors.Join(err, g.auditFile.Close())
	}
	return err
}

// wake nudges the in-process scheduler after a definitional write.
func (g *Gateway) wake() {
	if g.beat != nil {
		g.beat.Wake()
	}
}
