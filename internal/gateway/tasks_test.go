package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/flemzord/sbeat/internal/control"
	"github.com/flemzord/sbeat/internal/dispatch"
	"github.com/flemzord/sbeat/internal/store/storetest"
)

func TestApplyTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rr := h.do(t, http.MethodPost, "/api/tasks/apply/mail.send", `{"args": ["bob"], "routing": {"queue": "mail"}}`)
	var resp applyResponse
	if err := json.NewDecoder(mustBody(t, rr, http.StatusOK)).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.TaskID == "" {
		t.Fatalf("resp = %+v", resp)
	}

	msgs := h.sink.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != resp.TaskID || m.Task != "mail.send" || m.Routing.Queue != "mail" || m.Entry != "" {
		t.Errorf("message = %+v", m)
	}
	if string(m.Kwargs) != "{}" || string(m.Args) != `["bob"]` {
		t.Errorf("args = %s kwargs = %s", m.Args, m.Kwargs)
	}
}

func TestApplyTask_Rejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.sink.SubmitFunc = func(context.Context, dispatch.Message) error { return errors.New("queue full") }

	rr := h.do(t, http.MethodPost, "/api/tasks/apply/mail.send", "")
	var resp applyResponse
	if err := json.NewDecoder(mustBody(t, rr, http.StatusBadGateway)).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Error == "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestApplyTask_SinkTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{DispatchTimeout: 50 * time.Millisecond})
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	h.sink.SubmitFunc = func(context.Context, dispatch.Message) error {
		<-hang
		return nil
	}
	a := storetest.NewEntry(t, h.store, "a", "t.a")

	start := time.Now()
	rr := h.do(t, http.MethodPost, "/api/tasks/apply/mail.send", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("apply status = %d, want 502", rr.Code)
	}
	rr = h.do(t, http.MethodPost, "/api/entries/actions/run_now", fmt.Sprintf(`{"ids":[%d]}`, a.ID))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("run_now status = %d, want 502", rr.Code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("hung sink held requests for %s", elapsed)
	}
	if n := len(h.sink.Messages()); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestRegisteredTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Tasks: []string{"mail.flush", "reports.daily"}})
	storetest.NewEntry(t, h.store, "daily", "reports.daily")
	storetest.NewEntry(t, h.store, "gc", "maint.gc")

	var tasks []string
	if err := json.NewDecoder(mustBody(t, h.do(t, http.MethodGet, "/api/tasks/registered", ""), http.StatusOK)).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	want := []string{"mail.flush", "maint.gc", "reports.daily"}
	if !slices.Equal(tasks, want) {
		t.Errorf("tasks = %v, want %v", tasks, want)
	}
}

func TestTaskControl(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	tests := []struct {
		name string
		path string
		body string
		want int
		kind control.Kind
	}{
		{"revoke", "/api/tasks/actions/revoke", `{"task_id":"abc"}`, http.StatusOK, control.KindRevoke},
		{"terminate", "/api/tasks/actions/terminate", `{"task_id":"abc"}`, http.StatusOK, control.KindRevoke},
		{"kill", "/api/tasks/actions/kill", `{"task_id":"abc"}`, http.StatusOK, control.KindRevoke},
		{"rate limit", "/api/tasks/actions/rate_limit", `{"task_name":"mail.send","rate":"10/m"}`, http.StatusOK, control.KindRateLimit},
		{"bad rate", "/api/tasks/actions/rate_limit", `{"task_name":"mail.send","rate":"fast"}`, http.StatusBadRequest, ""},
		{"revoke without id", "/api/tasks/actions/revoke", `{}`, http.StatusBadRequest, ""},
		{"unknown", "/api/tasks/actions/explode", `{}`, http.StatusNotFound, ""},
		{"shutdown", "/api/workers/actions/shutdown", `{"destination":["w1"]}`, http.StatusOK, control.KindShutdown},
		{"enable events", "/api/workers/actions/enable_events", "", http.StatusOK, control.KindEnableEvents},
		{"disable events", "/api/workers/actions/disable_events", "", http.StatusOK, control.KindDisableEvents},
	}
	for _, tt := range tests {
		before := len(h.control.Commands())
		rr := h.do(t, http.MethodPost, tt.path, tt.body)
		if rr.Code != tt.want {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, rr.Code, tt.want, rr.Body.String())
			continue
		}
		cmds := h.control.Commands()
		if tt.kind == "" {
			if len(cmds) != before {
				t.Errorf("%s: command broadcast on failure", tt.name)
			}
			continue
		}
		if len(cmds) != before+1 || cmds[len(cmds)-1].Kind != tt.kind {
			t.Errorf("%s: commands = %+v", tt.name, cmds)
		}
	}

	last := h.control.Commands()
	if cmd := last[len(last)-1]; cmd.Kind != control.KindDisableEvents {
		t.Errorf("last command = %+v", cmd)
	}
	for _, cmd := range last {
		if cmd.Kind == control.KindShutdown && !slices.Equal(cmd.Destination, []string{"w1"}) {
			t.Errorf("shutdown destination = %v", cmd.Destination)
		}
	}
}

func TestTaskControl_NoBroadcaster(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.g.control = nil

	rr := h.do(t, http.MethodPost, "/api/workers/actions/shutdown", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}
