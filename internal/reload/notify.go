package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Notifier reports changes to a file through fsnotify. It watches the
// parent directory so editors that replace the file by rename are seen.
// Bursts of events within the debounce window collapse into one Event.
type Notifier struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	fsw    *fsnotify.Watcher
	events chan Event

	mu    sync.Mutex
	timer *time.Timer

	stopOnce sync.Once
}

// NewNotifier starts watching path. A zero debounce uses 250ms.
func NewNotifier(path string, debounce time.Duration, logger *slog.Logger) (*Notifier, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reload: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("reload: watching %s: %w", filepath.Dir(path), err)
	}
	return &Notifier{
		path:     path,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		events:   make(chan Event, 1),
	}, nil
}

// Start begins forwarding events until ctx ends or Stop is called.
func (n *Notifier) Start(ctx context.Context) {
	go n.loop(ctx)
}

// Events returns the channel of change events.
func (n *Notifier) Events() <-chan Event {
	return n.events
}

// Stop closes the underlying watcher, which ends the loop.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		_ = n.fsw.Close()
		n.mu.Lock()
		if n.timer != nil {
			n.timer.Stop()
		}
		n.mu.Unlock()
	})
}

func (n *Notifier) loop(ctx context.Context) {
	file := filepath.Base(n.path)

	for {
		select {
		case <-ctx.Done():
			n.Stop()
			return
		case ev, ok := <-n.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				n.schedule()
			}
		case err, ok := <-n.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				n.logger.Warn("reload: fsnotify overflow, assuming change", "path", n.path)
				n.schedule()
				continue
			}
			n.logger.Warn("reload: fsnotify error", "path", n.path, "error", err)
		}
	}
}

func (n *Notifier) schedule() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.debounce, func() {
		select {
		case n.events <- Event{Type: EventModified, Source: n.path, Token: time.Now().UnixNano()}:
		default:
		}
	})
}
