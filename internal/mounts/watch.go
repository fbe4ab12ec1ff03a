package mounts

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the policy when its file changes. Editors replace files
// rather than writing in place, so the parent directory is watched and
// events filtered by name. Setup errors are returned synchronously; the
// event loop runs in the background until ctx is cancelled.
func (v *Validator) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(v.path)); err != nil {
		watcher.Close()
		return err
	}
	go v.watchLoop(ctx, watcher)
	return nil
}

func (v *Validator) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(v.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := v.Reload(); err != nil {
				slog.Warn("mount policy reload failed, keeping previous policy", "error", err)
				continue
			}
			slog.Info("mount policy reloaded", "path", v.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("mount policy watcher error", "error", err)
		}
	}
}
