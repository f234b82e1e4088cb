package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"go.viam.com/annotator/logging"
)

// DefaultWatchDebounce is how long the watcher waits for writes to a config file to settle.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch calls onChange with every new valid config read from filePath until ctx is done.
// Invalid configs are logged and skipped. The directory is watched rather than the file so that
// editors that replace the file on save are followed.
func Watch(ctx context.Context, filePath string, logger logging.Logger, onChange func(*Config)) error {
	return WatchWithDebounce(ctx, filePath, DefaultWatchDebounce, logger, onChange)
}

// WatchWithDebounce is Watch with an explicit settle interval.
func WatchWithDebounce(
	ctx context.Context,
	filePath string,
	settle time.Duration,
	logger logging.Logger,
	onChange func(*Config),
) error {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "cannot create config watcher")
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Debugw("error closing config watcher", "error", err)
		}
	}()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "cannot watch %s", filePath)
	}

	reload := func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := Read(filePath)
		if err != nil {
			logger.Warnw("ignoring invalid config change", "path", filePath, "error", err)
			return
		}
		logger.Infow("config changed", "path", filePath)
		onChange(cfg)
	}
	debounced := debounce.New(settle)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounced(reload)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("config watcher error", "error", err)
		}
	}
}
