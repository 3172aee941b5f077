package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestHolderID(t *testing.T) {
	t.Parallel()

	a, b := HolderID(), HolderID()
	if a == b {
		t.Fatal("holder IDs must be unique")
	}
	if parts := strings.Split(a, ":"); len(parts) < 3 {
		t.Fatalf("HolderID = %q, want host:pid:uuid", a)
	}
}

func TestWait_StandbyUntilReleased(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()
	active := m.NewLease(DefaultName, "active", time.Minute)
	standby := m.NewLease(DefaultName, "standby", time.Minute)
	if ok, _ := active.Acquire(ctx); !ok {
		t.Fatal("active could not acquire")
	}

	done := make(chan error, 1)
	go func() { done <- Wait(ctx, standby, NewGuard(time.Minute), 10*time.Millisecond, nil) }()

	select {
	case err := <-done:
		t.Fatalf("standby acquired while held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_ = active.Release(ctx)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("standby never acquired")
	}
	if got := m.Holder(DefaultName); got != "standby" {
		t.Errorf("holder = %q, want standby", got)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	_, _ = m.NewLease("x", "other", time.Minute).Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := Wait(ctx, m.NewLease("x", "me", time.Minute), NewGuard(time.Minute), 5*time.Millisecond, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait error = %v, want deadline exceeded", err)
	}
}

func TestKeep_LostWhenTaken(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewMemory(clock)
	ctx := context.Background()
	mine := m.NewLease("x", "me", time.Second)
	if ok, _ := mine.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	// Expire the lease on the fake clock and let someone else take it.
	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	if ok, _ := m.NewLease("x", "thief", time.Second).Acquire(ctx); !ok {
		t.Fatal("thief could not take expired lease")
	}

	err := Keep(ctx, mine, heldGuard(time.Minute), 5*time.Millisecond, nil)
	if !errors.Is(err, ErrLost) {
		t.Fatalf("Keep error = %v, want ErrLost", err)
	}
}

type flakyLease struct {
	Lease
	err error
}

func (f *flakyLease) Renew(context.Context) (bool, error) { return false, f.err }

func TestKeep_LostBeforeDeadlineOnErrors(t *testing.T) {
	t.Parallel()

	ttl := 200 * time.Millisecond
	l := &flakyLease{Lease: NewMemory(nil).NewLease("x", "me", ttl), err: errors.New("connection refused")}
	g := heldGuard(ttl)
	start := time.Now()
	err := Keep(context.Background(), l, g, ttl/4, nil)
	if !errors.Is(err, ErrLost) {
		t.Fatalf("Keep error = %v, want ErrLost", err)
	}
	elapsed := time.Since(start)
	if elapsed < ttl/2 {
		t.Errorf("Keep gave up after %s without retrying", elapsed)
	}
	if !time.Now().Before(start.Add(ttl)) {
		t.Errorf("Keep declared loss after %s, past the lease TTL", elapsed)
	}
}

// slowLease succeeds on its first renewal, answering after latency, and
// fails every renewal after that. The backend records the expiry when the
// request arrives.
type slowLease struct {
	Lease
	latency time.Duration

	mu     sync.Mutex
	renews int
}

func (s *slowLease) Renew(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.renews++
	n := s.renews
	s.mu.Unlock()
	if n > 1 {
		return false, errors.New("i/o timeout")
	}
	ok, err := s.Lease.Renew(ctx)
	time.Sleep(s.latency)
	return ok, err
}

func TestKeep_NoOverlapWithRival(t *testing.T) {
	t.Parallel()

	ttl := 300 * time.Millisecond
	m := NewMemory(nil)
	mine := &slowLease{Lease: m.NewLease("x", "me", ttl), latency: 20 * time.Millisecond}
	g := NewGuard(ttl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Wait(ctx, mine, g, 0, nil); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rivalAt := make(chan time.Time, 1)
	go func() {
		rival := m.NewLease("x", "rival", ttl)
		for {
			if ok, _ := rival.Acquire(ctx); ok {
				rivalAt <- time.Now()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	err := Keep(ctx, mine, g, ttl/3, nil)
	lostAt := time.Now()
	if !errors.Is(err, ErrLost) {
		t.Fatalf("Keep error = %v, want ErrLost", err)
	}

	select {
	case at := <-rivalAt:
		if !lostAt.Before(at) {
			t.Errorf("rival acquired %s before loss was declared", lostAt.Sub(at))
		}
		if g.Valid(at) {
			t.Errorf("guard still valid when the rival acquired (deadline %s, rival %s)", g.Until(), at)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rival never acquired the expired lease")
	}
}

func TestGuard(t *testing.T) {
	t.Parallel()

	g := NewGuard(time.Second)
	now := time.Now()
	if g.Valid(now) {
		t.Fatal("fresh guard is valid")
	}
	g.extend(now)
	if !g.Valid(now.Add(800 * time.Millisecond)) {
		t.Error("guard expired before TTL minus margin")
	}
	if g.Valid(now.Add(950 * time.Millisecond)) {
		t.Error("guard valid inside the safety margin")
	}
	g.extend(now.Add(-time.Second))
	if !g.Until().Equal(now.Add(900 * time.Millisecond)) {
		t.Errorf("an older request moved the deadline back to %s", g.Until())
	}
}

func heldGuard(ttl time.Duration) *Guard {
	g := NewGuard(ttl)
	g.extend(time.Now())
	return g
}

func TestKeep_StopsOnCancel(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	l := m.NewLease("x", "me", time.Minute)
	_, _ = l.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Keep(ctx, l, heldGuard(time.Minute), 5*time.Millisecond, nil) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Keep error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Keep did not stop")
	}
}
