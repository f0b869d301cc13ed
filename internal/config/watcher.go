package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives a freshly loaded and validated config.
type ReloadFunc func(cfg *Config, event fsnotify.Event)

// Watch starts watching the loaded config file. On every write the file is
// decoded and validated again; invalid configs are logged and dropped so
// subscribers only ever see valid ones. Load must be called first.
func (l *Loader) Watch(fn ReloadFunc) error {
	if l.v == nil {
		return fmt.Errorf("config not loaded")
	}
	path := l.GetConfigPath()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot watch config file %s: %w", path, err)
	}

	l.v.OnConfigChange(func(event fsnotify.Event) {
		l.handleChange(event, fn)
	})
	l.v.WatchConfig()

	log.Info().Str("path", path).Msg("Watching config file for changes")
	return nil
}

func (l *Loader) handleChange(event fsnotify.Event, fn ReloadFunc) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	cfg, err := l.decode()
	if err != nil {
		log.Warn().Err(err).Str("path", event.Name).Msg("Ignoring unreadable config change")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Str("path", event.Name).Msg("Ignoring invalid config change")
		return
	}

	log.Info().Str("path", event.Name).Msg("Config reloaded")
	fn(cfg, event)
}
