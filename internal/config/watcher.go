package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	settleDelay  = 100 * time.Millisecond
	pollInterval = 5 * time.Second
)

// ConfigWatcher follows the .env file and re-applies the settings that can
// change without a restart. Today that is only LOG_LEVEL.
type ConfigWatcher struct {
	cfg        *Config
	path       string
	fsw        *fsnotify.Watcher
	onLogLevel func(level string)

	done     chan struct{}
	stopOnce sync.Once

	reloadMu sync.Mutex
	settle   *time.Timer
	modTime  time.Time
}

// NewConfigWatcher prepares a watcher for cfg's .env file. Nothing is
// watched until Start.
func NewConfigWatcher(cfg *Config, onLogLevel func(level string)) (*ConfigWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &ConfigWatcher{
		cfg:        cfg,
		path:       cfg.EnvPath(),
		fsw:        fsw,
		onLogLevel: onLogLevel,
		done:       make(chan struct{}),
	}
	if info, err := os.Stat(cw.path); err == nil {
		cw.modTime = info.ModTime()
	}
	return cw, nil
}

// Start watches the directory holding the .env file, so editors that
// replace the file are seen too. Without inotify it polls instead.
func (cw *ConfigWatcher) Start() error {
	dir := filepath.Dir(cw.path)
	if err := cw.fsw.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Cannot watch config directory, polling instead")
		go cw.poll()
		return nil
	}
	go cw.run()
	log.Info().Str("env_path", cw.path).Msg("Watching config file")
	return nil
}

// Stop ends watching. Safe to call more than once.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.done)
		cw.fsw.Close()
		cw.reloadMu.Lock()
		if cw.settle != nil {
			cw.settle.Stop()
		}
		cw.reloadMu.Unlock()
	})
}

// ReloadConfig re-reads the file now, as on SIGHUP.
func (cw *ConfigWatcher) ReloadConfig() {
	cw.reload()
}

func (cw *ConfigWatcher) run() {
	for {
		select {
		case ev, ok := <-cw.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cw.schedule()
		case err, ok := <-cw.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		case <-cw.done:
			return
		}
	}
}

// schedule coalesces a burst of write events into one reload once the
// file has been quiet for settleDelay.
func (cw *ConfigWatcher) schedule() {
	cw.reloadMu.Lock()
	defer cw.reloadMu.Unlock()
	if cw.settle != nil {
		cw.settle.Reset(settleDelay)
		return
	}
	cw.settle = time.AfterFunc(settleDelay, func() {
		select {
		case <-cw.done:
			return
		default:
		}
		log.Info().Str("env_path", cw.path).Msg("Config file changed")
		cw.reload()
	})
}

func (cw *ConfigWatcher) poll() {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			info, err := os.Stat(cw.path)
			if err != nil {
				continue
			}
			cw.reloadMu.Lock()
			changed := info.ModTime().After(cw.modTime)
			if changed {
				cw.modTime = info.ModTime()
			}
			cw.reloadMu.Unlock()
			if changed {
				cw.reload()
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *ConfigWatcher) reload() {
	values, err := godotenv.Read(cw.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("env_path", cw.path).Msg("Failed to read .env file")
		}
		return
	}
	// LOG_LEVEL from the process environment outranks the file.
	if cw.cfg.levelPinned {
		return
	}

	level := strings.ToLower(strings.Trim(strings.TrimSpace(values["LOG_LEVEL"]), `'"`))
	if level == "" {
		return
	}
	if err := validateLogLevel(level); err != nil {
		log.Warn().Str("log_level", level).Msg("Ignoring invalid LOG_LEVEL in .env")
		return
	}
	if !cw.cfg.setLogLevel(level) {
		return
	}
	log.Info().Str("log_level", level).Msg("Log level changed")
	if cw.onLogLevel != nil {
		cw.onLogLevel(level)
	}
}
