package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordDispatch(true)
	m.RecordDispatch(true)
	m.RecordDispatch(false)
	m.RecordReload(true, 4, 9)
	m.RecordReload(false, 0, 0)
	m.RecordSkip(SkipExpired)
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.ObserveTick(5*time.Millisecond, end)

	snap := m.Snapshot()
	if snap.Dispatched != 2 || snap.Failed != 1 {
		t.Errorf("dispatch counters = %d/%d", snap.Dispatched, snap.Failed)
	}
	if snap.Reloads != 1 || snap.ReloadFailures != 1 || snap.Entries != 4 || snap.StoreVersion != 9 {
		t.Errorf("reload counters = %+v", snap)
	}
	if snap.Skipped != 1 {
		t.Errorf("skipped = %d", snap.Skipped)
	}
	if snap.LastTick == nil || !snap.LastTick.Equal(end) {
		t.Errorf("last tick = %v", snap.LastTick)
	}

	if got := testutil.ToFloat64(m.dispatch.WithLabelValues("ok")); got != 2 {
		t.Errorf("sbeat_dispatch_total{result=ok} = %v", got)
	}
	if got := testutil.ToFloat64(m.skipped.WithLabelValues(SkipExpired)); got != 1 {
		t.Errorf("sbeat_skipped_total{reason=expired} = %v", got)
	}
	if got := testutil.ToFloat64(m.version); got != 9 {
		t.Errorf("sbeat_store_version = %v", got)
	}
}

func TestMetrics_Nil(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordDispatch(true)
	m.RecordReload(true, 1, 1)
	m.RecordSkip(SkipDisabled)
	m.ObserveTick(time.Second, time.Now())
	if snap := m.Snapshot(); snap != (Snapshot{}) {
		t.Errorf("nil snapshot = %+v", snap)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordDispatch(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `sbeat_dispatch_total{result="ok"} 1`) {
		t.Errorf("exposition missing dispatch counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("exposition missing runtime collector")
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	t.Parallel()

	m := New()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordDispatch(true)
		}()
	}
	wg.Wait()
	if got := m.Snapshot().Dispatched; got != 50 {
		t.Errorf("dispatched = %d, want 50", got)
	}
}
