package beat

import "testing"

func TestBus_DropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe(1)

	b.Publish(Event{Kind: EventReloaded})
	b.Publish(Event{Kind: EventDispatched})

	if ev := <-ch; ev.Kind != EventReloaded {
		t.Errorf("first event = %s, want reloaded", ev.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel open after unsubscribe")
	}
	b.Publish(Event{Kind: EventDispatched})
}

func TestBus_NilPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: EventDispatched})
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{ComputingNextTick, "computing_next_tick"},
		{Reloading, "reloading"},
		{Sleeping, "sleeping"},
		{Firing, "firing"},
		{Stopped, "stopped"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("firing")); err != nil || s != Firing {
		t.Errorf("UnmarshalText(firing) = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("dozing")); err == nil {
		t.Error("unknown state accepted")
	}
}
