package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads path after every write, create or rename that touches it and
// hands the validated result to onChange. Reload failures are logged and the
// previous config stays in effect. Watch returns when ctx ends.
//
// The parent directory is watched so editors that replace the file keep
// triggering reloads.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config (%s): %w", abs, err)
	}
	log.Debug().Str("path", abs).Msg("config.watch started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("config: watcher closed")
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.Warn().Err(err).Str("path", abs).Msg("config.watch reload failed")
				continue
			}
			log.Info().Str("path", abs).Str("log_level", cfg.LogLevel).Msg("config.watch reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("config: watcher closed")
			}
			log.Warn().Err(err).Msg("config.watch error")
		}
	}
}
