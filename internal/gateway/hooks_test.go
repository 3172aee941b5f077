package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/sbeat/internal/store"
	"github.com/flemzord/sbeat/internal/store/storetest"
)

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func hookRouter(d *HookDispatcher) http.Handler {
	r := chi.NewRouter()
	r.Post("/hooks/{hook}", d.ServeHTTP)
	return r
}

func TestHookDispatcher_ValidHMAC(t *testing.T) {
	t.Parallel()

	var gotHook string
	var gotBody []byte
	d := NewHookDispatcher(testLogger())
	d.Register("deploy", func(_ context.Context, hook string, body []byte) (string, error) {
		gotHook, gotBody = hook, body
		return "msg-1", nil
	}, "my-secret")

	body := []byte(`{"ref":"main"}`)
	req := httptest.NewRequest(http.MethodPost, "/hooks/deploy", bytes.NewReader(body))
	req.Header.Set("X-Signature-256", signPayload(body, "my-secret"))
	rr := httptest.NewRecorder()
	hookRouter(d).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if gotHook != "deploy" || string(gotBody) != string(body) {
		t.Errorf("hook = %q body = %q", gotHook, gotBody)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`"task_id":"msg-1"`)) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestHookDispatcher_Rejections(t *testing.T) {
	t.Parallel()

	d := NewHookDispatcher(testLogger())
	d.Register("deploy", func(context.Context, string, []byte) (string, error) {
		return "", nil
	}, "my-secret")
	d.Register("broken", func(context.Context, string, []byte) (string, error) {
		return "", errors.New("boom")
	}, "")

	tests := []struct {
		name string
		path string
		sig  string
		want int
	}{
		{"unknown hook", "/hooks/nope", "", http.StatusNotFound},
		{"missing signature", "/hooks/deploy", "", http.StatusUnauthorized},
		{"wrong signature", "/hooks/deploy", signPayload([]byte("{}"), "other"), http.StatusUnauthorized},
		{"handler error", "/hooks/broken", "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader([]byte("{}")))
			if tt.sig != "" {
				req.Header.Set("X-Signature-256", tt.sig)
			}
			rr := httptest.NewRecorder()
			hookRouter(d).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestHookDispatcher_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	d := NewHookDispatcher(testLogger())
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/hooks/x", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestRunEntryHook(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Hooks: map[string]HookConfig{"deploy": {Entry: "nightly"}}})
	e := storetest.NewEntry(t, h.store, "nightly", "reports.nightly")

	run := h.g.runEntryHook("nightly")
	id, err := run(context.Background(), "deploy", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	msgs := h.sink.Messages()
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Task != "reports.nightly" || msgs[0].Entry != e.Name {
		t.Errorf("messages = %+v", msgs)
	}

	if _, err := h.g.runEntryHook("missing")(context.Background(), "x", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing entry err = %v, want ErrNotFound", err)
	}

	// Through the router, unauthenticated but configured without secret.
	req := httptest.NewRequest(http.MethodPost, "/hooks/deploy", nil)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("router status = %d, want 200 (%s)", rr.Code, rr.Body.String())
	}
	if h.sink.Count() != 2 {
		t.Errorf("sink count = %d, want 2", h.sink.Count())
	}
}

func TestValidateHMAC(t *testing.T) {
	t.Parallel()

	body := []byte("payload")
	if !validateHMAC(body, signPayload(body, "k"), "k") {
		t.Error("valid signature rejected")
	}
	if validateHMAC(body, "sha256=00", "k") {
		t.Error("invalid signature accepted")
	}
}
