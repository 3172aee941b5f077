package reload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flemzord/sbeat/internal/config"
	"github.com/flemzord/sbeat/internal/core"
)

// ServiceName is the AppContext service key of the *Handler bound to the
// running configuration file.
const ServiceName = "reload.handler"

// Handler reloads application configuration and notifies modules.
type Handler struct {
	app    *core.App
	root   *core.AppContext
	logger *slog.Logger
	path   string
}

// NewHandler creates a reload handler. root is the AppContext the modules
// were loaded with; reloaded modules keep seeing its shared services.
func NewHandler(app *core.App, root *core.AppContext, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		app:    app,
		root:   root,
		logger: logger,
	}
}

// BindPath sets the configuration file Reload reads.
func (h *Handler) BindPath(path string) {
	h.path = path
}

// ConfigPath returns the bound configuration file.
func (h *Handler) ConfigPath() string {
	return h.path
}

// Reload re-reads the bound configuration file.
func (h *Handler) Reload(ctx context.Context) error {
	if h.path == "" {
		return fmt.Errorf("reload: no configuration file bound")
	}
	return h.HandleReload(ctx, h.path)
}

// HandleReload loads a fresh config from disk, validates it, and calls Reload
// on all modules that implement core.Reloader.
func (h *Handler) HandleReload(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return h.handleReload(ctx, cfg)
}

// HandleReloadFromConfig reloads modules from a pre-loaded, already-validated
// config. The caller is responsible for calling config.Validate first.
func (h *Handler) HandleReloadFromConfig(ctx context.Context, cfg *config.Config) error {
	return h.handleReload(ctx, cfg)
}

func (h *Handler) handleReload(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before reload: %w", err)
	}

	appCtx := h.root.WithModuleConfigs(cfg.Modules)
	if err := h.app.ReloadModules(appCtx); err != nil {
		return fmt.Errorf("reloading modules: %w", err)
	}

	h.logger.Info("reload: configuration reloaded")
	return nil
}
