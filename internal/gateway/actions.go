package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/security"
)

// ErrUnknownAction is returned for an action name nobody registered.
var ErrUnknownAction = errors.New("gateway: unknown action")

// Action is an operation applied to a selection of entries by id. Apply
// returns how many entries it affected.
type Action struct {
	Name        string
	Description string
	// Wake is set when the action changes definitions the scheduler holds.
	Wake  bool
	Apply func(ctx context.Context, selection []int64) (int, error)
}

// ActionTable is a registry of entry actions looked up by name.
type ActionTable struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionTable returns an empty table.
func NewActionTable() *ActionTable {
	return &ActionTable{actions: make(map[string]Action)}
}

// Register adds a. Names are unique.
func (t *ActionTable) Register(a Action) error {
	if a.Name == "" || a.Apply == nil {
		return errors.New("gateway: action needs a name and an Apply func")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.actions[a.Name]; dup {
		return fmt.Errorf("gateway: action %q already registered", a.Name)
	}
	t.actions[a.Name] = a
	return nil
}

// Lookup returns the action registered under name.
func (t *ActionTable) Lookup(name string) (Action, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.actions[name]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return a, nil
}

// Names returns the registered action names, sorted.
func (t *ActionTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.actions))
	for name := range t.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// entryActions are the built-in actions: toggling entries and running
// them once, out of schedule.
func (g *Gateway) entryActions() []Action {
	return []Action{
		{
			Name:        "enable",
			Description: "Enable the selected entries",
			Wake:        true,
			Apply: func(ctx context.Context, ids []int64) (int, error) {
				if g.store == nil {
					return 0, errUnavailable
				}
				return g.store.SetEnabled(ctx, ids, true)
			},
		},
		{
			Name:        "disable",
			Description: "Disable the selected entries",
			Wake:        true,
			Apply: func(ctx context.Context, ids []int64) (int, error) {
				if g.store == nil {
					return 0, errUnavailable
				}
				return g.store.SetEnabled(ctx, ids, false)
			},
		},
		{
			Name:        "run_now",
			Description: "Send the selected entries' tasks now, without touching their schedule",
			Apply:       g.runNow,
		},
	}
}

// runNow submits one message per selected entry. Run bookkeeping is left
// to the scheduler.
func (g *Gateway) runNow(ctx context.Context, ids []int64) (int, error) {
	if g.store == nil || g.sink == nil {
		return 0, errUnavailable
	}
	sent := 0
	for _, id := range ids {
		e, err := g.store.GetEntry(ctx, id)
		if err != nil {
			return sent, err
		}
		if err := g.sink.Submit(ctx, dispatch.FromEntry(e, time.Now().UTC())); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

type actionRequest struct {
	IDs []int64 `json:"ids"`
}

type actionResponse struct {
	Action   string `json:"action"`
	Affected int    `json:"affected"`
}

// handleEntryAction applies POST /api/entries/actions/{action} to the ids
// in the body.
func (g *Gateway) handleEntryAction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action, err := g.actions.Lookup(chi.URLParam(r, "action"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		var req actionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if len(req.IDs) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no entries selected"})
			return
		}

		n, err := action.Apply(r.Context(), req.IDs)
		g.audit.Log(security.AuditEvent{
			Type:       security.EventAction,
			RemoteAddr: r.RemoteAddr,
			Action:     action.Name,
			Entries:    req.IDs,
			Detail:     fmt.Sprintf("affected %d", n),
		})
		if action.Wake && n > 0 {
			g.wake()
		}
		if err != nil {
			g.logger.Warn("gateway: action failed", "action", action.Name, "affected", n, "error", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{Action: action.Name, Affected: n})
	}
}

type actionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleListActions lists the registered entry actions.
func (g *Gateway) handleListActions() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		names := g.actions.Names()
		out := make([]actionInfo, 0, len(names))
		for _, name := range names {
			a, _ := g.actions.Lookup(name)
			out = append(out, actionInfo{Name: a.Name, Description: a.Description})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
