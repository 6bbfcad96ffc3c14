package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent reports an on-disk modification of the configuration file.
type ChangeEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher observes the configuration file for modification. There is no hot
// reload: the loaded SystemConfig stays immutable, and the watcher exists
// only so operators learn a restart is required to pick up edits.
type Watcher struct {
	path   string
	logger *slog.Logger
	events chan ChangeEvent
}

func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   path,
		logger: logger,
		events: make(chan ChangeEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start begins watching. The goroutine exits when ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ChangeEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Warn("configuration changed on disk; restart required to apply",
					"path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
