package credentials

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch calls onChange whenever the file at path is created, rewritten or
// removed. The parent directory is watched so atomic renames are observed.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(fsnotify.Op)) error {
	if path == "" || onChange == nil {
		return ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	const interesting = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&interesting == 0 {
				continue
			}
			logger.Debug("credential file changed", zap.String("path", target), zap.Stringer("op", ev.Op))
			onChange(ev.Op)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("credential watch overflowed; assuming change", zap.String("path", target))
				onChange(fsnotify.Write)
				continue
			}
			logger.Warn("credential watch error", zap.String("path", target), zap.Error(err))
		}
	}
}
