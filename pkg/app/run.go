// Package app provides the entry point shared by the sbeat commands: the
// long-running scheduler process and the administrative commands that open
// the configured store directly.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/flemzord/sbeat/internal/config"
	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/metrics"
	"github.com/flemzord/sbeat/internal/reload"
	"github.com/flemzord/sbeat/internal/security"
	"github.com/flemzord/sbeat/internal/store"
)

// filePollInterval is the poll period of the fallback config watcher.
const filePollInterval = 5 * time.Second

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, config.Locate is consulted.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides the default persistent data directory.
	DataDir string

	// LogLevel overrides log.level from the configuration when set.
	LogLevel string

	// LogOutput receives log records. Defaults to os.Stderr.
	LogOutput io.Writer
}

// Runtime is a loaded application: configuration validated, modules
// provisioned, nothing started yet.
type Runtime struct {
	ConfigPath string
	Config     *config.Config
	Logger     *slog.Logger
	AppCtx     *core.AppContext
	App        *core.App
	Reload     *reload.Handler
}

// Load resolves and validates the configuration, builds the root logger and
// provisions every configured module. cancel becomes the AppContext
// shutdown hook.
func Load(params RunParams, cancel context.CancelCauseFunc) (*Runtime, error) {
	cfgPath, err := config.Locate(params.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if params.LogLevel != "" {
		cfg.Log.Level = params.LogLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger := NewLogger(cfg.Log, params.LogOutput)

	dataDir := params.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	appCtx := core.NewAppContext(logger, dataDir).WithModuleConfigs(cfg.Modules)
	if cancel != nil {
		appCtx = appCtx.WithShutdown(cancel)
	}
	appCtx.RegisterService(metrics.ServiceName, metrics.New())

	application := core.NewApp(appCtx)
	if err := application.LoadModules(config.Resolve(cfg)); err != nil {
		return nil, err
	}

	// Registered before Start so the gateway can bind it.
	handler := reload.NewHandler(application, appCtx, logger)
	handler.BindPath(cfgPath)
	appCtx.RegisterService(reload.ServiceName, handler)

	return &Runtime{
		ConfigPath: cfgPath,
		Config:     cfg,
		Logger:     logger,
		AppCtx:     appCtx,
		App:        application,
		Reload:     handler,
	}, nil
}

// NewLogger builds the root logger for cfg. Secrets in connection URLs and
// bearer tokens are redacted before records reach out.
func NewLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var inner slog.Handler
	if cfg.JSON() {
		inner = slog.NewJSONHandler(out, opts)
	} else {
		inner = slog.NewTextHandler(out, opts)
	}
	return slog.New(security.NewRedactingHandler(inner, security.NewRedactor()))
}

// Run loads configuration, starts all modules, and blocks until a shutdown
// signal is received or a module requests shutdown. SIGHUP and changes to
// the configuration file trigger a live reload for modules that implement
// core.Reloader.
func Run(params RunParams) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	rt, err := Load(params, cancel)
	if err != nil {
		return err
	}
	rt.Logger.Info("sbeat starting",
		"version", params.Version,
		"commit", params.Commit,
		"config", rt.ConfigPath,
		"modules", len(rt.App.Loaded()),
	)
	return rt.Serve(ctx)
}

// Serve starts the modules and runs the signal and reload loop until ctx
// ends or a termination signal arrives.
func (rt *Runtime) Serve(ctx context.Context) error {
	if err := rt.App.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	changes, stopWatch := rt.watchConfig(watchCtx)
	defer stopWatch()

	for {
		select {
		case <-ctx.Done():
			cause := context.Cause(ctx)
			rt.Logger.Info("shutdown requested", "cause", cause)
			rt.App.Stop()
			rt.Logger.Info("shutdown complete")
			if errors.Is(cause, context.Canceled) {
				return nil
			}
			return cause
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				rt.Logger.Info("SIGHUP received, reloading configuration")
				rt.reload(watchCtx)
				continue
			}
			rt.Logger.Info("shutdown signal received", "signal", sig.String())
			rt.App.Stop()
			rt.Logger.Info("shutdown complete")
			return nil
		case evt := <-changes:
			rt.Logger.Info("config file changed, reloading", "path", evt.Source)
			rt.reload(watchCtx)
		}
	}
}

func (rt *Runtime) reload(ctx context.Context) {
	if err := rt.Reload.Reload(ctx); err != nil {
		rt.Logger.Error("reload failed", "error", err)
	}
}

// watchConfig reports changes to the configuration file through fsnotify,
// or by polling its modification time where fsnotify is unavailable.
func (rt *Runtime) watchConfig(ctx context.Context) (<-chan reload.Event, func()) {
	n, err := reload.NewNotifier(rt.ConfigPath, 0, rt.Logger)
	if err == nil {
		n.Start(ctx)
		return n.Events(), n.Stop
	}
	rt.Logger.Warn("fsnotify unavailable, polling config file", "error", err)
	w := reload.NewFileWatcher(rt.ConfigPath, filePollInterval)
	w.Start(ctx)
	return w.Events(), w.Stop
}

// Session holds modules provisioned for an administrative command. Nothing
// is started; Close stops what was provisioned.
type Session struct {
	ConfigPath string
	AppCtx     *core.AppContext
	modules    []core.Module
}

// Open provisions the first configured module for each of the given ID
// prefixes ("store.", "sink.") without starting the scheduler. A prefix
// with no configured module is an error.
func Open(params RunParams, prefixes ...string) (*Session, error) {
	cfgPath, err := config.Locate(params.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if params.LogLevel == "" {
		cfg.Log.Level = "warn"
	} else {
		cfg.Log.Level = params.LogLevel
	}
	dataDir := params.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	s := &Session{
		ConfigPath: cfgPath,
		AppCtx:     core.NewAppContext(NewLogger(cfg.Log, params.LogOutput), dataDir).WithModuleConfigs(cfg.Modules),
	}
	ids := config.Resolve(cfg)
	for _, prefix := range prefixes {
		i := slices.IndexFunc(ids, func(id string) bool { return strings.HasPrefix(id, prefix) })
		if i < 0 {
			_ = s.Close()
			return nil, fmt.Errorf("%s: no %s* module configured", cfgPath, prefix)
		}
		mod, err := s.AppCtx.LoadModule(ids[i])
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("loading %s: %w", ids[i], err)
		}
		s.modules = append(s.modules, mod)
	}
	return s, nil
}

// Store returns the store registered by the session's store module.
func (s *Session) Store() (store.Store, error) {
	st, ok := core.ServiceAs[store.Store](s.AppCtx, store.ServiceName)
	if !ok {
		return nil, errors.New("no store registered")
	}
	return st, nil
}

// Sink returns the sink registered by the session's sink module.
func (s *Session) Sink() (dispatch.Sink, error) {
	sink, ok := core.ServiceAs[dispatch.Sink](s.AppCtx, dispatch.ServiceName)
	if !ok {
		return nil, errors.New("no sink registered")
	}
	return sink, nil
}

// Close stops the provisioned modules in reverse order.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	for i := len(s.modules) - 1; i >= 0; i-- {
		if st, ok := s.modules[i].(core.Stopper); ok {
			errs = append(errs, st.Stop(ctx))
		}
	}
	s.modules = nil
	return errors.Join(errs...)
}

// DefaultDataDir returns the default persistent data directory.
// Uses $XDG_DATA_HOME/sbeat if set, otherwise ~/.local/share/sbeat.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok && dir != "" {
		return filepath.Join(dir, "sbeat")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "sbeat")
}
