package gateway

import (
	"net/http"
	"time"

	"github.com/flemzord/sbeat/internal/beat"
	"github.com/flemzord/sbeat/internal/metrics"
	"github.com/flemzord/sbeat/internal/store"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime  float64           `json:"uptime_seconds"`
	Metrics *metrics.Snapshot `json:"metrics,omitempty"`
	Beat    *beat.Stats       `json:"beat,omitempty"`
	Version *store.Version    `json:"store_version,omitempty"`
	Actions []string          `json:"actions"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Uptime:  time.Since(g.startedAt).Truncate(time.Second).Seconds(),
			Actions: g.actions.Names(),
		}
		if g.metrics != nil {
			snap := g.metrics.Snapshot()
			resp.Metrics = &snap
		}
		if g.beat != nil {
			stats := g.beat.Stats()
			resp.Beat = &stats
		}
		if g.store != nil {
			if v, err := g.store.CurrentVersion(r.Context()); err == nil {
				resp.Version = &v
			} else {
				g.logger.Warn("gateway: reading store version", "error", err)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
