package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/sbeat/internal/dispatch"
)

// HookFunc runs when an inbound hook passes validation. It returns the id
// of the message it submitted.
type HookFunc func(ctx context.Context, hook string, body []byte) (string, error)

type hookEntry struct {
	run    HookFunc
	secret string
}

// HookDispatcher routes inbound hooks to registered handlers with HMAC
// validation. External systems use hooks to run an entry on demand.
type HookDispatcher struct {
	mu     sync.RWMutex
	hooks  map[string]hookEntry
	logger *slog.Logger
}

// NewHookDispatcher creates a ready-to-use dispatcher.
func NewHookDispatcher(logger *slog.Logger) *HookDispatcher {
	return &HookDispatcher{
		hooks:  make(map[string]hookEntry),
		logger: logger,
	}
}

// Register adds a handler for the given hook with an optional HMAC secret.
func (d *HookDispatcher) Register(hook string, run HookFunc, secret string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[hook] = hookEntry{run: run, secret: secret}
}

// ServeHTTP implements http.Handler. It extracts the hook from the chi URL
// param, validates HMAC if configured and runs the hook.
func (d *HookDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hook := chi.URLParam(r, "hook")
	d.mu.RLock()
	entry, ok := d.hooks[hook]
	d.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown hook", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if entry.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if !validateHMAC(body, sig, entry.secret) {
			d.logger.Warn("gateway: hook signature mismatch", "hook", hook, "remote_addr", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	id, err := entry.run(r.Context(), hook, body)
	if err != nil {
		d.logger.Error("gateway: hook failed", "hook", hook, "error", err)
		writeJSON(w, errorStatus(err), applyResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, applyResponse{OK: true, TaskID: id})
}

// runEntryHook returns a hook that submits the named entry once.
func (g *Gateway) runEntryHook(name string) HookFunc {
	return func(ctx context.Context, _ string, _ []byte) (string, error) {
		if g.store == nil || g.sink == nil {
			return "", errUnavailable
		}
		e, err := g.store.GetEntryByName(ctx, name)
		if err != nil {
			return "", err
		}
		msg := dispatch.FromEntry(e, time.Now().UTC())
		if err := g.sink.Submit(ctx, msg); err != nil {
			return "", err
		}
		return msg.ID, nil
	}
}

// validateHMAC checks HMAC-SHA256 signature in constant time.
func validateHMAC(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
