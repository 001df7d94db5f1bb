package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the YAML file at path whenever it changes and passes every
// successfully parsed config to onChange. It blocks until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are still observed.
func Watch(ctx context.Context, path string, logger logrus.FieldLogger, onChange func(Config)) error {
	if path == "" {
		return fmt.Errorf("config watch requires a file path")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}
	logger = logger.WithField("config_file", absPath)

	var (
		timer   *time.Timer
		pending <-chan time.Time
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
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// editors often emit several events per save
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			pending = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("config watcher error")
		case <-pending:
			pending = nil
			cfg, err := LoadFile(absPath, logger)
			if err != nil {
				logger.WithError(err).Warn("config reload failed; keeping previous settings")
				continue
			}
			logger.Info("config reloaded")
			onChange(cfg)
		}
	}
}
