package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/camlink/camlink/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// settle merges the bursts of events editors make on save
const settle = 100 * time.Millisecond

// Watch reloads the config file on changes and calls the fn with a fresh config.
// It blocks until the context is done. The dir of the file is watched
// instead of the file itself, so the atomic saves (rename) are seen too.
func Watch(ctx context.Context, path string, fn func(Config), log *logger.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	log.Debug().Str("file", path).Msg("Config watch")

	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer = time.After(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watch")
		case <-timer:
			timer = nil
			var conf Config
			file, err := LoadConfig(&conf, path)
			if err != nil {
				log.Warn().Err(err).Msg("Config reload has failed")
				continue
			}
			// the file is in the middle of a save
			if file == "" {
				continue
			}
			conf.normalize()
			fn(conf)
		}
	}
}
