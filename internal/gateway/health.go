package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/flemzord/sbeat/internal/beat"
)

const healthTimeout = 2 * time.Second

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status string `json:"status"` // "ok" or "degraded"
	Store  string `json:"store"`
	Engine string `json:"engine"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 503 if the store is unreachable or the engine has stopped.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Store: "ok", Engine: "absent"}

		if g.store == nil {
			resp.Store = "absent"
			resp.Status = "degraded"
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			err := g.store.Ping(ctx)
			cancel()
			if err != nil {
				resp.Store = "unreachable"
				resp.Status = "degraded"
			}
		}

		if g.beat != nil {
			state := g.beat.State()
			resp.Engine = state.String()
			if state == beat.Stopped {
				resp.Status = "degraded"
			}
		}

		code := http.StatusOK
		if resp.Status == "degraded" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
