package reload

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type fakeVersion struct {
	v   atomic.Int64
	err error
}

func (f *fakeVersion) Version(context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.v.Load(), nil
}

func mustCheck(t *testing.T, c *Coordinator) (int64, bool) {
	t.Helper()
	v, reload, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	return v, reload
}

func TestCoordinator_FirstCheckReloads(t *testing.T) {
	t.Parallel()

	src := &fakeVersion{}
	c := NewCoordinator(src)
	v, reload := mustCheck(t, c)
	if !reload {
		t.Fatal("first check must reload")
	}
	c.Commit(v)

	if _, reload := mustCheck(t, c); reload {
		t.Fatal("unchanged version must not reload")
	}
}

func TestCoordinator_VersionChange(t *testing.T) {
	t.Parallel()

	src := &fakeVersion{}
	c := NewCoordinator(src)
	v, _ := mustCheck(t, c)
	c.Commit(v)

	src.v.Store(3)
	v, reload := mustCheck(t, c)
	if !reload || v != 3 {
		t.Fatalf("Check = %d, %v; want 3, true", v, reload)
	}
	c.Commit(v)
	if last, ok := c.Last(); !ok || last != 3 {
		t.Errorf("Last = %d, %v", last, ok)
	}
}

func TestCoordinator_WriteDuringRebuild(t *testing.T) {
	t.Parallel()

	src := &fakeVersion{}
	c := NewCoordinator(src)
	observed, _ := mustCheck(t, c)

	// A mutation lands while the projection is being rebuilt.
	src.v.Add(1)
	c.Commit(observed)

	if _, reload := mustCheck(t, c); !reload {
		t.Fatal("a write landing during the rebuild must trigger another reload")
	}
}

func TestCoordinator_Invalidate(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(&fakeVersion{})
	v, _ := mustCheck(t, c)
	c.Commit(v)

	c.Invalidate()
	v, reload := mustCheck(t, c)
	if !reload {
		t.Fatal("Invalidate must force a reload")
	}

	// Invalidate again between Check and Commit: the second request survives.
	c.Invalidate()
	c.Commit(v)
	if _, reload := mustCheck(t, c); !reload {
		t.Fatal("an invalidation during the rebuild was lost")
	}
}

func TestCoordinator_Error(t *testing.T) {
	t.Parallel()

	boom := errors.New("down")
	c := NewCoordinator(&fakeVersion{err: boom})
	if _, _, err := c.Check(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Check error = %v", err)
	}
	if _, ok := c.Last(); ok {
		t.Fatal("a failed check must not prime the coordinator")
	}
}
