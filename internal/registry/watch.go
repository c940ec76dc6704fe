package registry

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/scalar/service/internal/errors"
)

// Watch calls onChange whenever the registry file is created, written,
// replaced or removed, until ctx is done. It returns once the watcher is
// running; events are delivered from a background goroutine.
func (r *Registry) Watch(ctx context.Context, onChange func()) error {
	if err := os.MkdirAll(r.dataDir, 0755); err != nil {
		return apperrors.RegistryIO("create data directory", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.RegistryIO("create watcher", err)
	}
	if err := watcher.Add(r.dataDir); err != nil {
		watcher.Close()
		return apperrors.RegistryIO("watch data directory", err)
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
				if filepath.Base(event.Name) != FileName {
					continue
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
					event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error().Err(err).Msg("registry watcher error")
			}
		}
	}()
	return nil
}
