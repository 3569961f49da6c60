package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tracefold/tracefold/logging"
	"github.com/tracefold/tracefold/provider"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reloads the provider section of the config file on change. Only
// the provider is hot-swappable; listen address, database path, and pool
// sizes need a restart.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	apply   func(provider.Config)

	mu           sync.Mutex
	lastProvider provider.Config
}

// NewWatcher watches path and calls apply with the new provider section
// whenever it changes. The file must exist when the watcher starts.
func NewWatcher(path string, current provider.Config, apply func(provider.Config)) (*Watcher, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	return &Watcher{
		watcher:      fw,
		path:         path,
		apply:        apply,
		lastProvider: current,
	}, nil
}

// Run blocks until ctx is cancelled, applying debounced provider reloads.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	log := logging.With("config")

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// reload is serialized: debounce timers from back-to-back change bursts can
// fire concurrently, and each reload must see the lastProvider the previous
// one left behind.
func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	log := logging.With("config")

	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("hot-reload failed, keeping current provider")
		return
	}
	if cfg.Provider == w.lastProvider {
		log.Debug().Msg("config changed but provider section is unchanged")
		return
	}

	w.lastProvider = cfg.Provider
	w.apply(cfg.Provider)
	log.Info().
		Str("provider", cfg.Provider.Name).
		Str("model", cfg.Provider.Model).
		Msg("provider configuration reloaded")
}
