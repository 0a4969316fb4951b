package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the write, create and rename bursts editors and
// SetValue produce for a single save.
const DefaultDebounce = 250 * time.Millisecond

// ReloadEvent reports that config.yaml settled after a change. Op is the
// union of the operations seen during the debounce window.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml. It watches the home directory
// rather than the file so editors that save by rename are still seen.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: DefaultDebounce,
		events:   make(chan ReloadEvent, 4),
	}
}

// SetDebounce changes the settle window. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.run(ctx, fsw, filepath.Clean(ConfigPath(w.homeDir)))
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer fsw.Close()
	defer close(w.events)

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	var pending fsnotify.Op
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending |= ev.Op
			settle.Reset(w.debounce)
		case <-settle.C:
			select {
			case w.events <- ReloadEvent{Path: target, Op: pending}:
			default:
			}
			w.logger.Info("config file changed", "path", target, "op", pending.String())
			pending = 0
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
