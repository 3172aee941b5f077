package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/flemzord/sbeat/internal/store"
	"github.com/flemzord/sbeat/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSetFailure(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	s.SetFailure(errors.New("disk on fire"))

	if _, err := s.ListEnabled(ctx); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("ListEnabled error = %v, want ErrUnavailable", err)
	}
	if _, err := s.Version(ctx); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Version error = %v, want ErrUnavailable", err)
	}

	s.SetFailure(nil)
	if _, err := s.Version(ctx); err != nil {
		t.Errorf("Version after recovery: %v", err)
	}
}

func TestClosed(t *testing.T) {
	t.Parallel()

	s := New()
	_ = s.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Ping after Close = %v", err)
	}
}

func TestReturnedEntriesAreCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	e := storetest.NewEntry(t, s, "a", "t")
	e.Args[0] = 'X'

	got, _ := s.GetEntry(ctx, e.ID)
	if string(got.Args) != "[]" {
		t.Errorf("caller mutation leaked into the store: %s", got.Args)
	}
}
