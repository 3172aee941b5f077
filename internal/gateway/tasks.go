package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flemzord/sbeat/internal/control"
	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/security"
	"github.com/flemzord/sbeat/internal/store"
)

// applyRequest is the body of POST /api/tasks/apply/{task}.
type applyRequest struct {
	Args    json.RawMessage `json:"args,omitempty"`
	Kwargs  json.RawMessage `json:"kwargs,omitempty"`
	Routing store.Routing   `json:"routing"`
	Expires *time.Time      `json:"expires,omitempty"`
}

type applyResponse struct {
	OK     bool   `json:"ok"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleApplyTask submits a one-off message through the sink.
func (g *Gateway) handleApplyTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.sink == nil {
			writeError(w, errUnavailable)
			return
		}
		var req applyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		msg := dispatch.Message{
			ID:          uuid.NewString(),
			Task:        chi.URLParam(r, "task"),
			Args:        defaultJSON(req.Args, "[]"),
			Kwargs:      defaultJSON(req.Kwargs, "{}"),
			Routing:     req.Routing,
			Expires:     req.Expires,
			ScheduledAt: time.Now().UTC(),
		}
		if err := g.sink.Submit(r.Context(), msg); err != nil {
			g.logger.Warn("gateway: apply failed", "task", msg.Task, "error", err)
			writeJSON(w, errorStatus(err), applyResponse{Error: err.Error()})
			return
		}
		g.audit.Log(security.AuditEvent{
			Type:       security.EventAction,
			RemoteAddr: r.RemoteAddr,
			Action:     "apply",
			Detail:     msg.Task,
			Metadata:   map[string]string{"task_id": msg.ID},
		})
		writeJSON(w, http.StatusOK, applyResponse{OK: true, TaskID: msg.ID})
	}
}

func defaultJSON(raw json.RawMessage, def string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(def)
	}
	return raw
}

// handleRegisteredTasks lists the task names known to the gateway: those
// configured under tasks plus every task an entry references.
func (g *Gateway) handleRegisteredTasks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seen := make(map[string]struct{}, len(g.config.Tasks))
		for _, t := range g.config.Tasks {
			seen[t] = struct{}{}
		}
		if g.store != nil {
			entries, err := g.store.ListEntries(r.Context(), store.ListOptions{})
			if err != nil {
				writeError(w, err)
				return
			}
			for _, e := range entries {
				seen[e.Task] = struct{}{}
			}
		}
		tasks := make([]string, 0, len(seen))
		for t := range seen {
			tasks = append(tasks, t)
		}
		sort.Strings(tasks)
		writeJSON(w, http.StatusOK, tasks)
	}
}

// controlRequest is the body of the task and worker control endpoints.
type controlRequest struct {
	TaskID      string   `json:"task_id,omitempty"`
	TaskName    string   `json:"task_name,omitempty"`
	Rate        string   `json:"rate,omitempty"`
	Destination []string `json:"destination,omitempty"`
}

var taskCommands = map[string]func(controlRequest) (control.Command, error){
	"revoke":    func(req controlRequest) (control.Command, error) { return control.Revoke(req.TaskID) },
	"terminate": func(req controlRequest) (control.Command, error) { return control.Terminate(req.TaskID) },
	"kill":      func(req controlRequest) (control.Command, error) { return control.Kill(req.TaskID) },
	"rate_limit": func(req controlRequest) (control.Command, error) {
		return control.RateLimit(req.TaskName, req.Rate, req.Destination...)
	},
}

var workerCommands = map[string]func(controlRequest) (control.Command, error){
	"shutdown": func(req controlRequest) (control.Command, error) { return control.Shutdown(req.Destination...), nil },
	"enable_events": func(req controlRequest) (control.Command, error) {
		return control.EnableEvents(req.Destination...), nil
	},
	"disable_events": func(req controlRequest) (control.Command, error) {
		return control.DisableEvents(req.Destination...), nil
	},
	"ping": func(req controlRequest) (control.Command, error) { return control.Ping(req.Destination...), nil },
}

func (g *Gateway) handleTaskControl() http.HandlerFunc {
	return g.broadcast(taskCommands)
}

func (g *Gateway) handleWorkerControl() http.HandlerFunc {
	return g.broadcast(workerCommands)
}

// broadcast builds the command named by {action} from the body and
// publishes it to workers.
func (g *Gateway) broadcast(commands map[string]func(controlRequest) (control.Command, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "action")
		build, ok := commands[name]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("%v: %q", ErrUnknownAction, name)})
			return
		}
		if g.control == nil {
			writeError(w, errUnavailable)
			return
		}
		var req controlRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		cmd, err := build(req)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := g.control.Broadcast(r.Context(), cmd); err != nil {
			g.logger.Warn("gateway: broadcast failed", "command", cmd.Kind, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		g.audit.Log(security.AuditEvent{
			Type:       security.EventControl,
			RemoteAddr: r.RemoteAddr,
			Action:     name,
			Metadata:   map[string]string{"command_id": cmd.ID, "task_id": req.TaskID, "task_name": req.TaskName},
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "command": cmd})
	}
}
