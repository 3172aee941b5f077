package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flemzord/sbeat/internal/beat"
	"github.com/flemzord/sbeat/internal/security"
)

const eventBuffer = 64

func (g *Gateway) handleBeatReload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.beat == nil {
			writeError(w, errUnavailable)
			return
		}
		g.beat.ForceReload()
		g.audit.Log(security.AuditEvent{Type: security.EventAction, RemoteAddr: r.RemoteAddr, Action: "beat_reload"})
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	}
}

func (g *Gateway) handleBeatTick() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.beat == nil {
			writeError(w, errUnavailable)
			return
		}
		g.beat.Tick()
		g.audit.Log(security.AuditEvent{Type: security.EventAction, RemoteAddr: r.RemoteAddr, Action: "beat_tick"})
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	}
}

func (g *Gateway) handleProjection() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if g.beat == nil {
			writeError(w, errUnavailable)
			return
		}
		slots := g.beat.Projection()
		if slots == nil {
			slots = []beat.SlotView{}
		}
		writeJSON(w, http.StatusOK, slots)
	}
}

// handleEvents streams engine events as JSON text frames until the client
// goes away. Slow clients miss events rather than stall the engine.
func (g *Gateway) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.beat == nil {
			writeError(w, errUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Warn("gateway: websocket accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		events, unsubscribe := g.beat.Subscribe(eventBuffer)
		defer unsubscribe()

		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			case ev, ok := <-events:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "scheduler stopped")
					return
				}
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					g.logger.Debug("gateway: event stream closed", "error", err)
					return
				}
			}
		}
	}
}
