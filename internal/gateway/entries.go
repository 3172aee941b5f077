package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/flemzord/sbeat/internal/security"
	"github.com/flemzord/sbeat/internal/store"
)

// entryRequest is the body of POST and PUT /api/entries. The schedule is
// given either inline (every/period or crontab/timezone) or by reference to
// an existing interval or crontab row.
type entryRequest struct {
	store.Draft
	IntervalID *int64 `json:"interval_id,omitempty"`
	CrontabID  *int64 `json:"crontab_id,omitempty"`
}

// build returns the entry described by req and an undo that removes a
// schedule row stored on its behalf.
func (req entryRequest) build(ctx context.Context, s store.Store) (store.Entry, func(context.Context), error) {
	e := req.Entry()
	if req.IntervalID == nil && req.CrontabID == nil {
		undo, err := req.Attach(ctx, s, &e)
		return e, undo, err
	}
	keep := func(context.Context) {}
	if req.Every != 0 || req.Crontab != "" {
		return e, keep, fmt.Errorf("%w: give the schedule inline or by id, not both", store.ErrDefinition)
	}
	e.IntervalID, e.CrontabID = req.IntervalID, req.CrontabID
	return e, keep, nil
}

func (g *Gateway) handleListEntries() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		opts := store.ListOptions{Search: r.URL.Query().Get("q")}
		if raw := r.URL.Query().Get("enabled"); raw != "" {
			enabled, err := strconv.ParseBool(raw)
			if err != nil || !enabled {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled only accepts true"})
				return
			}
			opts.EnabledOnly = true
		}
		entries, err := g.store.ListEntries(r.Context(), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []store.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (g *Gateway) handleGetEntry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		id, err := pathID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		e, err := g.store.GetEntry(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func (g *Gateway) handleCreateEntry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		var req entryRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		e, undo, err := req.build(r.Context(), g.store)
		if err == nil {
			if e, err = g.store.CreateEntry(r.Context(), e); err != nil {
				undo(context.WithoutCancel(r.Context()))
			}
		}
		if err != nil {
			writeError(w, err)
			return
		}
		g.entryChanged(r, "create", e.ID, e.Name)
		writeJSON(w, http.StatusCreated, e)
	}
}

func (g *Gateway) handleUpdateEntry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		id, err := pathID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var req entryRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if _, err := g.store.GetEntry(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		e, undo, err := req.build(r.Context(), g.store)
		if err == nil {
			e.ID = id
			if e, err = g.store.UpdateEntry(r.Context(), e); err != nil {
				undo(context.WithoutCancel(r.Context()))
			}
		}
		if err != nil {
			writeError(w, err)
			return
		}
		g.entryChanged(r, "update", e.ID, e.Name)
		writeJSON(w, http.StatusOK, e)
	}
}

func (g *Gateway) handleDeleteEntry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		id, err := pathID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := g.store.DeleteEntry(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		g.entryChanged(r, "delete", id, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (g *Gateway) handleListIntervals() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		ivs, err := g.store.ListIntervals(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if ivs == nil {
			ivs = []store.IntervalSchedule{}
		}
		writeJSON(w, http.StatusOK, ivs)
	}
}

func (g *Gateway) handleCreateInterval() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		var iv store.IntervalSchedule
		if err := decodeJSON(w, r, &iv); err != nil {
			writeError(w, err)
			return
		}
		iv.ID = 0
		iv, err := g.store.CreateInterval(r.Context(), iv)
		if err != nil {
			writeError(w, err)
			return
		}
		g.entryChanged(r, "create_interval", 0, strconv.FormatInt(iv.ID, 10))
		writeJSON(w, http.StatusCreated, iv)
	}
}

func (g *Gateway) handleDeleteInterval() http.HandlerFunc {
	return g.deleteSchedule("delete_interval", func(ctx context.Context, id int64) error {
		return g.store.DeleteInterval(ctx, id)
	})
}

func (g *Gateway) handleListCrontabs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		cs, err := g.store.ListCrontabs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if cs == nil {
			cs = []store.CrontabSchedule{}
		}
		writeJSON(w, http.StatusOK, cs)
	}
}

// crontabRequest accepts either the five fields or a single expression.
type crontabRequest struct {
	store.CrontabSchedule
	Expr string `json:"expr,omitempty"`
}

func (g *Gateway) handleCreateCrontab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		var req crontabRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		c := req.CrontabSchedule
		if req.Expr != "" {
			split, err := store.SplitCrontab(req.Expr)
			if err != nil {
				writeError(w, err)
				return
			}
			split.Timezone = c.Timezone
			c = split
		}
		c.ID = 0
		c, err := g.store.CreateCrontab(r.Context(), c)
		if err != nil {
			writeError(w, err)
			return
		}
		g.entryChanged(r, "create_crontab", 0, strconv.FormatInt(c.ID, 10))
		writeJSON(w, http.StatusCreated, c)
	}
}

func (g *Gateway) handleDeleteCrontab() http.HandlerFunc {
	return g.deleteSchedule("delete_crontab", func(ctx context.Context, id int64) error {
		return g.store.DeleteCrontab(ctx, id)
	})
}

func (g *Gateway) deleteSchedule(action string, del func(context.Context, int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			writeError(w, errUnavailable)
			return
		}
		id, err := pathID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := del(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		g.entryChanged(r, action, 0, strconv.FormatInt(id, 10))
		w.WriteHeader(http.StatusNoContent)
	}
}

// entryChanged audits a definitional write and wakes the scheduler.
func (g *Gateway) entryChanged(r *http.Request, action string, entryID int64, detail string) {
	ev := security.AuditEvent{
		Type:       security.EventEntryChange,
		RemoteAddr: r.RemoteAddr,
		Action:     action,
		Detail:     detail,
	}
	if entryID != 0 {
		ev.Entries = []int64{entryID}
	}
	g.audit.Log(ev)
	g.wake()
}
