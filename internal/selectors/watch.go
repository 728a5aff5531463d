// ABOUTME: Hot reload of the selector profile file using fsnotify
// ABOUTME: Watches the parent directory so editor rename-on-save is picked up

package selectors

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it changes until ctx is cancelled. The parent
// directory is watched because many editors replace files by rename.
// Failed reloads are logged and the previous profiles stay active.
func (r *Registry) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving selector file path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := r.LoadFile(abs); err != nil {
					r.logger.Warn("selector reload failed", "path", abs, "error", err)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("selector watcher error", "error", err)
			}
		}
	}()

	r.logger.Debug("watching selector file", "path", abs)
	return nil
}
