package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Public, no auth required.
	r.Get("/health", g.handleHealth())
	if g.metrics != nil {
		r.Handle("/metrics", g.metrics.Handler())
	}

	// Hooks carry their own HMAC auth per hook.
	r.Post("/hooks/{hook}", g.hooks.ServeHTTP)

	// Admin endpoints. Not mounted if no auth configured.
	if g.config.Auth.IsConfigured() {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(g.config.Auth, g.audit, g.limiter))
			r.Get("/status", g.handleStatus())
			r.Get("/ws/events", g.handleEvents())
			r.Route("/api", func(r chi.Router) {
				r.Route("/entries", func(r chi.Router) {
					r.Get("/", g.handleListEntries())
					r.Post("/", g.handleCreateEntry())
					r.Post("/actions/{action}", g.handleEntryAction())
					r.Get("/{id}", g.handleGetEntry())
					r.Put("/{id}", g.handleUpdateEntry())
					r.Delete("/{id}", g.handleDeleteEntry())
				})
				r.Get("/actions", g.handleListActions())
				r.Get("/intervals", g.handleListIntervals())
				r.Post("/intervals", g.handleCreateInterval())
				r.Delete("/intervals/{id}", g.handleDeleteInterval())
				r.Get("/crontabs", g.handleListCrontabs())
				r.Post("/crontabs", g.handleCreateCrontab())
				r.Delete("/crontabs/{id}", g.handleDeleteCrontab())

				r.Post("/beat/reload", g.handleBeatReload())
				r.Post("/beat/tick", g.handleBeatTick())
				r.Get("/beat/projection", g.handleProjection())

				r.Post("/tasks/apply/{task}", g.handleApplyTask())
				r.Get("/tasks/registered", g.handleRegisteredTasks())
				r.Post("/tasks/actions/{action}", g.handleTaskControl())
				r.Post("/workers/actions/{action}", g.handleWorkerControl())

				r.Get("/config", g.handleGetConfig())
				r.Post("/config/reload", g.handleReloadConfig())
			})
		})
	}

	return r
}
