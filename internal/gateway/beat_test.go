package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flemzord/sbeat/internal/beat"
)

func TestBeatControls(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	due := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h.beat.slots = []beat.SlotView{{EntryID: 1, Name: "a", Task: "t.a", Schedule: "every 1m", Due: due}}

	mustBody(t, h.do(t, http.MethodPost, "/api/beat/reload", ""), http.StatusAccepted)
	mustBody(t, h.do(t, http.MethodPost, "/api/beat/tick", ""), http.StatusAccepted)
	if h.beat.reloads.Load() != 1 || h.beat.ticks.Load() != 1 {
		t.Errorf("reloads = %d ticks = %d", h.beat.reloads.Load(), h.beat.ticks.Load())
	}

	var slots []beat.SlotView
	if err := json.NewDecoder(mustBody(t, h.do(t, http.MethodGet, "/api/beat/projection", ""), http.StatusOK)).Decode(&slots); err != nil {
		t.Fatal(err)
	}
	if len(slots) != 1 || !slots[0].Due.Equal(due) {
		t.Errorf("projection = %+v", slots)
	}
}

func TestBeatControls_NoEngine(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.g.beat = nil

	for _, path := range []string{"/api/beat/reload", "/api/beat/tick"} {
		if rr := h.do(t, http.MethodPost, path, ""); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rr.Code)
		}
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx := t.Context()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	// The subscription is registered once the server handler runs; publish
	// until the first event arrives.
	done := make(chan beat.Event, 1)
	go func() {
		var ev beat.Event
		if err := wsjson.Read(ctx, conn, &ev); err == nil {
			done <- ev
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-done:
			if ev.Kind != beat.EventDispatched || ev.Entry != "nightly" {
				t.Errorf("event = %+v", ev)
			}
			return
		case <-tick.C:
			h.beat.bus.Publish(beat.Event{Kind: beat.EventDispatched, At: time.Now(), Entry: "nightly"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestEventStream_RequiresAuth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	_, resp, err := websocket.Dial(t.Context(), url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v", resp)
	}
}
