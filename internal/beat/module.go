package beat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/lease"
	"github.com/flemzord/sbeat/internal/metrics"
	"github.com/flemzord/sbeat/internal/reload"
	"github.com/flemzord/sbeat/internal/store"
	"github.com/flemzord/sbeat/internal/telemetry"
)

// ServiceName is the AppContext service key of the scheduler Controller.
const ServiceName = "beat.scheduler"

func init() {
	core.RegisterModule(&Module{})
}

// Controller is the operational surface of a running scheduler.
type Controller interface {
	State() State
	Stats() Stats
	Projection() []SlotView
	Wake()
	Tick()
	ForceReload()
	Subscribe(buffer int) (<-chan Event, func())
}

// ModuleConfig is the beat.scheduler configuration block.
type ModuleConfig struct {
	MaxInterval     time.Duration `yaml:"max_interval"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	BackoffInitial  time.Duration `yaml:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoff_max"`

	// PollInterval is how often the store version is polled between ticks.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Lease settings. Disabled only makes sense with a single scheduler.
	LeaseDisabled bool          `yaml:"lease_disabled"`
	LeaseName     string        `yaml:"lease_name"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
}

func (c *ModuleConfig) defaults() {
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LeaseName == "" {
		c.LeaseName = lease.DefaultName
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
}

// Module is the beat.scheduler module. It binds the store, sink and lease
// registered by other modules and runs the engine in the background.
type Module struct {
	config ModuleConfig
	appCtx *core.AppContext
	logger *slog.Logger
	events *Bus

	mu      sync.RWMutex
	engine  *Engine
	watcher *reload.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

var (
	_ core.Module       = (*Module)(nil)
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Starter      = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
	_ Controller        = (*Module)(nil)
	_ Controller        = (*Engine)(nil)
)

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  ServiceName,
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return err
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner. The module registers itself so the
// gateway can reach the engine once it runs.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	m.appCtx = ctx
	m.logger = ctx.Logger
	m.events = NewBus()
	ctx.RegisterService(ServiceName, m)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.config.BackoffMax < m.config.BackoffInitial {
		return fmt.Errorf("beat: backoff_max %s is below backoff_initial %s", m.config.BackoffMax, m.config.BackoffInitial)
	}
	if !m.config.LeaseDisabled && m.config.LeaseTTL < 3*time.Second {
		return fmt.Errorf("beat: lease_ttl %s is too short", m.config.LeaseTTL)
	}
	return nil
}

// Start implements core.Starter.
func (m *Module) Start() error {
	st, ok := core.ServiceAs[store.Store](m.appCtx, store.ServiceName)
	if !ok {
		return errors.New("beat: no store module configured")
	}
	sink, ok := core.ServiceAs[dispatch.Sink](m.appCtx, dispatch.ServiceName)
	if !ok {
		return errors.New("beat: no sink module configured")
	}

	cfg := Config{
		MaxInterval:     m.config.MaxInterval,
		DispatchTimeout: m.config.DispatchTimeout,
		BackoffInitial:  m.config.BackoffInitial,
		BackoffMax:      m.config.BackoffMax,
		Logger:          m.logger,
		Events:          m.events,
	}
	if mt, ok := core.ServiceAs[*metrics.Metrics](m.appCtx, metrics.ServiceName); ok {
		cfg.Metrics = mt
	}
	if tp, ok := core.ServiceAs[*telemetry.Provider](m.appCtx, telemetry.ServiceName); ok {
		cfg.Tracer = tp.Tracer()
	}

	var l lease.Lease
	if !m.config.LeaseDisabled {
		l = m.newLease(st)
	}

	engine := New(cfg, st, sink, l)
	watcher := reload.NewVersionWatcher(store.ServiceName, st, m.config.PollInterval)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.engine, m.watcher, m.cancel, m.done = engine, watcher, cancel, done
	m.mu.Unlock()

	watcher.Start(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-watcher.Events():
				engine.Wake()
			}
		}
	}()

	go func() {
		defer close(done)
		if err := engine.Run(ctx); err != nil {
			m.logger.Error("beat: scheduler stopped", "error", err)
			m.appCtx.Shutdown(err)
		}
	}()
	return nil
}

// newLease picks the lease backend: a lease.* module, then the store if it
// can hold leases, then an in-process lease that only guards this process.
func (m *Module) newLease(st store.Store) lease.Lease {
	holder := lease.HolderID()
	if p, ok := core.ServiceAs[lease.Provider](m.appCtx, lease.ServiceName); ok {
		return p.NewLease(m.config.LeaseName, holder, m.config.LeaseTTL)
	}
	if p, ok := st.(lease.Provider); ok {
		return p.NewLease(m.config.LeaseName, holder, m.config.LeaseTTL)
	}
	m.logger.Warn("beat: store cannot hold leases, running without cross-process exclusion")
	return lease.NewMemory(time.Now).NewLease(m.config.LeaseName, holder, m.config.LeaseTTL)
}

// Stop implements core.Stopper. The in-flight pass finishes before the lease
// is released.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.RLock()
	cancel, done, watcher := m.cancel, m.done, m.watcher
	m.mu.RUnlock()
	if cancel == nil {
		return nil
	}

	cancel()
	watcher.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("beat: stop: %w", ctx.Err())
	}
}

func (m *Module) current() *Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine
}

// State implements Controller. Before Start it reports Idle.
func (m *Module) State() State {
	if e := m.current(); e != nil {
		return e.State()
	}
	return Idle
}

// Stats implements Controller.
func (m *Module) Stats() Stats {
	if e := m.current(); e != nil {
		return e.Stats()
	}
	return Stats{State: Idle}
}

// Projection implements Controller.
func (m *Module) Projection() []SlotView {
	if e := m.current(); e != nil {
		return e.Projection()
	}
	return nil
}

// Wake implements Controller.
func (m *Module) Wake() {
	if e := m.current(); e != nil {
		e.Wake()
	}
}

// Tick implements Controller.
func (m *Module) Tick() {
	if e := m.current(); e != nil {
		e.Tick()
	}
}

// ForceReload implements Controller.
func (m *Module) ForceReload() {
	if e := m.current(); e != nil {
		e.ForceReload()
	}
}

// Subscribe implements Controller.
func (m *Module) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.Subscribe(buffer)
}
