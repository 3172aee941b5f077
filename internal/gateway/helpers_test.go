package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/flemzord/sbeat/internal/beat"
	"github.com/flemzord/sbeat/internal/control"
	"github.com/flemzord/sbeat/internal/core"
	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/dispatch/dispatchtest"
	"github.com/flemzord/sbeat/internal/metrics"
	"github.com/flemzord/sbeat/internal/security"
	"github.com/flemzord/sbeat/internal/store"
	"github.com/flemzord/sbeat/internal/store/memstore"
)

const testToken = "test-token"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeController is a beat.Controller that counts calls and hands out a
// bus the test publishes on.
type fakeController struct {
	state   beat.State
	slots   []beat.SlotView
	bus     *beat.Bus
	wakes   atomic.Int32
	ticks   atomic.Int32
	reloads atomic.Int32
}

func newFakeController() *fakeController {
	return &fakeController{state: beat.Sleeping, bus: beat.NewBus()}
}

func (c *fakeController) State() beat.State { return c.state }
func (c *fakeController) Stats() beat.Stats {
	return beat.Stats{State: c.state, Entries: len(c.slots), Loaded: true}
}
func (c *fakeController) Projection() []beat.SlotView { return c.slots }
func (c *fakeController) Wake()                       { c.wakes.Add(1) }
func (c *fakeController) Tick()                       { c.ticks.Add(1) }
func (c *fakeController) ForceReload()                { c.reloads.Add(1) }
func (c *fakeController) Subscribe(buffer int) (<-chan beat.Event, func()) {
	return c.bus.Subscribe(buffer)
}

var _ beat.Controller = (*fakeController)(nil)

// fakeReloader records Reload calls.
type fakeReloader struct {
	path  string
	err   error
	calls atomic.Int32
}

func (r *fakeReloader) ConfigPath() string { return r.path }
func (r *fakeReloader) Reload(_ context.Context) error {
	r.calls.Add(1)
	return r.err
}

// harness is a provisioned gateway wired to in-memory dependencies.
type harness struct {
	g       *Gateway
	store   *memstore.Store
	sink    *dispatchtest.Recorder
	control *control.Memory
	beat    *fakeController
	metrics *metrics.Metrics
	handler http.Handler

	mu     sync.Mutex
	audits []security.AuditEvent
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Auth == (AuthConfig{}) {
		cfg.Auth = AuthConfig{BearerToken: testToken}
	}
	appCtx := core.NewAppContext(testLogger(), t.TempDir())
	h := &harness{
		store:   memstore.New(),
		sink:    &dispatchtest.Recorder{},
		control: &control.Memory{},
		beat:    newFakeController(),
		metrics: metrics.New(),
	}
	appCtx.RegisterService(store.ServiceName, h.store)
	appCtx.RegisterService(dispatch.ServiceName, h.sink)
	appCtx.RegisterService(control.ServiceName, h.control)
	appCtx.RegisterService(beat.ServiceName, h.beat)
	appCtx.RegisterService(metrics.ServiceName, h.metrics)

	g := &Gateway{config: cfg}
	if err := g.Provision(appCtx); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	g.audit = security.NewAuditLogger(security.AuditLoggerConfig{
		Redactor: g.redactor,
		OnEvent: func(ev security.AuditEvent) {
			h.mu.Lock()
			h.audits = append(h.audits, ev)
			h.mu.Unlock()
		},
	})
	g.resolve()
	h.g = g
	h.handler = g.buildRouter()
	t.Cleanup(func() { _ = h.store.Close() })
	return h
}

// do sends an authenticated request through the router.
func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *harness) auditTypes() []security.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]security.EventType, 0, len(h.audits))
	for _, ev := range h.audits {
		out = append(out, ev.Type)
	}
	return out
}

func (h *harness) lastAudit(t *testing.T) security.AuditEvent {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.audits) == 0 {
		t.Fatal("no audit events")
	}
	return h.audits[len(h.audits)-1]
}

func mustBody(t *testing.T, rr *httptest.ResponseRecorder, want int) *bytes.Buffer {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, want, rr.Body.String())
	}
	return rr.Body
}
