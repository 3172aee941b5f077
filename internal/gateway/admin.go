package gateway

import (
	"net/http"

	"github.com/flemzord/sbeat/internal/config"
	"github.com/flemzord/sbeat/internal/security"
)

// handleGetConfig returns the running configuration file with secrets
// redacted.
func (g *Gateway) handleGetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if g.reloader == nil || g.reloader.ConfigPath() == "" {
			http.Error(w, "config path not set", http.StatusServiceUnavailable)
			return
		}

		doc, err := config.LoadDocument(g.reloader.ConfigPath())
		if err != nil {
			g.logger.Error("gateway: reading config", "error", err)
			http.Error(w, "failed to load config", http.StatusInternalServerError)
			return
		}
		g.redactor.RedactMap(doc)
		writeJSON(w, http.StatusOK, doc)
	}
}

// handleReloadConfig triggers a hot-reload of the configuration.
func (g *Gateway) handleReloadConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.reloader == nil || g.reloader.ConfigPath() == "" {
			http.Error(w, "config path not set", http.StatusServiceUnavailable)
			return
		}

		err := g.reloader.Reload(r.Context())
		ev := security.AuditEvent{
			Type:       security.EventConfigChange,
			RemoteAddr: r.RemoteAddr,
			Action:     "reload",
		}
		if err != nil {
			ev.Detail = err.Error()
			g.audit.Log(ev)
			g.logger.Error("gateway: config reload failed", "error", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		g.audit.Log(ev)
		g.wake()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}
