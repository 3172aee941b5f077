// Package leasetest provides a conformance suite for lease.Provider
// implementations.
package leasetest

import (
	"context"
	"testing"
	"time"

	"github.com/flemzord/sbeat/internal/lease"
)

// Factory returns a provider backed by a fresh resource.
type Factory func(t *testing.T) lease.Provider

// TTL is the lease duration used by the suite. Expiry subtests sleep for
// slightly longer than TTL.
const TTL = 300 * time.Millisecond

// Run executes the conformance suite.
func Run(t *testing.T, newProvider Factory) {
	t.Helper()

	t.Run("Exclusive", func(t *testing.T) {
		p := newProvider(t)
		ctx := context.Background()
		a := p.NewLease("exclusive", "a", TTL)
		b := p.NewLease("exclusive", "b", TTL)

		mustAcquire(t, a, true)
		mustAcquire(t, b, false)
		// Re-acquiring by the holder succeeds.
		mustAcquire(t, a, true)

		if ok, err := a.Renew(ctx); err != nil || !ok {
			t.Fatalf("holder Renew = %v, %v", ok, err)
		}
		if ok, err := b.Renew(ctx); err != nil || ok {
			t.Fatalf("non-holder Renew = %v, %v", ok, err)
		}
	})

	t.Run("Release", func(t *testing.T) {
		p := newProvider(t)
		ctx := context.Background()
		a := p.NewLease("release", "a", TTL)
		b := p.NewLease("release", "b", TTL)

		mustAcquire(t, a, true)
		// Release by a non-holder is a no-op.
		if err := b.Release(ctx); err != nil {
			t.Fatal(err)
		}
		mustAcquire(t, b, false)

		if err := a.Release(ctx); err != nil {
			t.Fatal(err)
		}
		mustAcquire(t, b, true)
		if ok, _ := a.Renew(ctx); ok {
			t.Fatal("former holder renewed a released lease")
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		p := newProvider(t)
		a := p.NewLease("expiry", "a", TTL)
		b := p.NewLease("expiry", "b", TTL)

		mustAcquire(t, a, true)
		time.Sleep(TTL + 150*time.Millisecond)
		mustAcquire(t, b, true)
		if ok, _ := a.Renew(context.Background()); ok {
			t.Fatal("expired holder renewed a lease taken by another")
		}
	})

	t.Run("IndependentNames", func(t *testing.T) {
		p := newProvider(t)
		mustAcquire(t, p.NewLease("one", "a", TTL), true)
		mustAcquire(t, p.NewLease("two", "b", TTL), true)
	})
}

func mustAcquire(t *testing.T, l lease.Lease, want bool) {
	t.Helper()
	got, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire(%s): %v", l.Holder(), err)
	}
	if got != want {
		t.Fatalf("Acquire(%s) = %v, want %v", l.Holder(), got, want)
	}
}
