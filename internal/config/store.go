package config

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the active configuration behind an atomic pointer so the
// hot-reloadable subset (correlation thresholds, detector toggles) can be
// swapped without restart. Readers always see a complete, consistent
// snapshot; the config is never mutated in place while in use.
type Store struct {
	current atomic.Pointer[Config]
	path    string
	onSwap  []func(*Config)
}

// NewStore creates a store seeded with the given config.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// OnSwap registers a callback invoked with every new snapshot. Callbacks
// must not block; they run on the watcher goroutine.
func (s *Store) OnSwap(fn func(*Config)) {
	s.onSwap = append(s.onSwap, fn)
}

// Swap installs a new configuration snapshot and notifies subscribers.
func (s *Store) Swap(cfg *Config) {
	s.current.Store(cfg)
	for _, fn := range s.onSwap {
		fn(cfg)
	}
}

// Watch re-reads the config file on change and swaps in the new snapshot.
// Reload failures keep the previous snapshot and are reported through the
// returned error callback.
func (s *Store) Watch(onError func(error)) error {
	if s.path == "" {
		return fmt.Errorf("no config file to watch")
	}

	v := newViper(s.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			if onError != nil {
				onError(fmt.Errorf("config reload failed, keeping previous: %w", err))
			}
			return
		}
		s.Swap(&cfg)
	})
	v.WatchConfig()

	return nil
}
