package scaffold

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the bursts of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads path into r whenever it changes and calls onChange after each
// successful reload. The parent directory is watched so that atomic
// rename-on-save is picked up. A file that fails to parse leaves the current
// set untouched. Watch blocks until ctx is done.
func Watch(ctx context.Context, log *slog.Logger, path string, r *Registry, onChange func(context.Context)) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "registry.watch.error", slog.String("err", err.Error()))
		case <-timerCh:
			timerCh = nil
			fws, err := Load(abs)
			if err != nil {
				log.WarnContext(ctx, "registry.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			r.Replace(fws)
			log.InfoContext(ctx, "registry.reload.ok", slog.String("path", abs), slog.Int("frameworks", len(fws)))
			if onChange != nil {
				onChange(ctx)
			}
		}
	}
}
