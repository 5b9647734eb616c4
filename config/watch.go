package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the file at path whenever it is written or replaced and
// passes each valid result to fn. Invalid files are logged and skipped.
// The watch runs until ctx is cancelled.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are still seen.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
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
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				reload(target, fn)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function": "config.Watch",
					"path":     target,
					"error":    err.Error(),
				}).Warn("Config watcher error")
			}
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "config.Watch",
		"path":     target,
	}).Debug("Watching configuration file")
	return nil
}

func reload(path string, fn func(*Config)) {
	cfg, err := Load(path)
	if err == nil {
		cfg.ApplyEnv()
		err = cfg.Validate()
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "config.reload",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Ignoring invalid configuration change")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "config.reload",
		"path":     path,
	}).Info("Configuration reloaded")
	fn(cfg)
}
