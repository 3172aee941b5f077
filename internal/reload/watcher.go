// Package reload detects changes that require the running process to pick up
// new state: edits to the configuration file and mutations of the entry
// store's change version.
package reload

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultPollInterval = 5 * time.Second

// Probe returns a token that changes whenever the watched resource changes.
// ok is false when the resource cannot be read; such polls are skipped.
type Probe func(ctx context.Context) (token int64, ok bool)

// FileProbe watches the modification time of path.
func FileProbe(path string) Probe {
	return func(context.Context) (int64, bool) {
		info, err := os.Stat(path)
		if err != nil {
			return 0, false
		}
		return info.ModTime().UnixNano(), true
	}
}

// VersionProbe watches the change version of an entry store.
func VersionProbe(src VersionSource) Probe {
	return func(ctx context.Context) (int64, bool) {
		v, err := src.Version(ctx)
		if err != nil {
			return 0, false
		}
		return v, true
	}
}

// WatcherConfig configures a polling watcher.
type WatcherConfig struct {
	// Source names what is watched (a path, a store ID). It is copied into
	// every Event.
	Source string

	// Type is the event type emitted on change.
	Type EventType

	// Probe reads the current token.
	Probe Probe

	// PollInterval is how often to probe.
	// Defaults to 5 seconds if zero.
	PollInterval time.Duration
}

func (c WatcherConfig) pollIntervalOrDefault() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

// EventType describes the kind of change.
type EventType string

const (
	// EventModified indicates the config file was modified.
	EventModified EventType = "modified"

	// EventVersionChanged indicates the store's change version moved.
	EventVersionChanged EventType = "version_changed"
)

// Event represents a change notification.
type Event struct {
	Type   EventType
	Source string
	Token  int64
}

// NewFileWatcher polls path's modification time.
func NewFileWatcher(path string, interval time.Duration) *Watcher {
	return NewWatcher(WatcherConfig{
		Source:       path,
		Type:         EventModified,
		Probe:        FileProbe(path),
		PollInterval: interval,
	})
}

// NewVersionWatcher polls the change version of src.
func NewVersionWatcher(name string, src VersionSource, interval time.Duration) *Watcher {
	return NewWatcher(WatcherConfig{
		Source:       name,
		Type:         EventVersionChanged,
		Probe:        VersionProbe(src),
		PollInterval: interval,
	})
}

// Watcher polls a Probe for changes.
type Watcher struct {
	cfg     WatcherConfig
	events  chan Event
	stop    chan struct{}
	stopped chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatcher creates a new polling watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	return &Watcher{
		cfg:     cfg,
		events:  make(chan Event, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins polling. Safe to call multiple times; only the first call
// starts the goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.poll(ctx)
	})
}

// Events returns the channel of change events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop stops the watcher. Safe to call multiple times and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	if w.started.Load() {
		<-w.stopped
	}
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.cfg.pollIntervalOrDefault())
	defer ticker.Stop()

	last, primed := w.cfg.Probe(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			current, ok := w.cfg.Probe(ctx)
			if !ok {
				continue
			}
			if !primed {
				last, primed = current, true
				continue
			}
			if current != last {
				last = current
				select {
				case w.events <- Event{Type: w.cfg.Type, Source: w.cfg.Source, Token: current}:
				default:
					// Drop event if channel is full (debounce).
				}
			}
		}
	}
}
