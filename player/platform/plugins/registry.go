package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/liuran001/PlaybackResolver-Go/player/config"
	logpkg "github.com/liuran001/PlaybackResolver-Go/player/logger"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
)

// Contribution describes the components a plugin can provide.
type Contribution struct {
	Source  platform.Source
	Sources []platform.Source

	// Close releases plugin resources on shutdown. Optional.
	Close func() error
}

// All returns every source of the contribution in registration order.
func (c *Contribution) All() []platform.Source {
	if c == nil {
		return nil
	}
	out := make([]platform.Source, 0, len(c.Sources)+1)
	if c.Source != nil {
		out = append(out, c.Source)
	}
	for _, src := range c.Sources {
		if src != nil {
			out = append(out, src)
		}
	}
	return out
}

// Factory creates a plugin contribution based on config and logger.
type Factory func(cfg *config.Config, logger *logpkg.Logger) (*Contribution, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register registers a plugin factory by name.
func Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("plugin name required")
	}
	if factory == nil {
		return fmt.Errorf("plugin factory required")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("plugin %s already registered", name)
	}
	factories[name] = factory
	return nil
}

// Get returns a registered factory by name.
func Get(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	factory, ok := factories[name]
	return factory, ok
}

// Names returns all registered plugin names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	nameList := make([]string, 0, len(factories))
	for name := range factories {
		nameList = append(nameList, name)
	}
	sort.Strings(nameList)
	return nameList
}

// Build runs every enabled factory and registers its sources with manager.
// Close funcs of the built contributions are returned for shutdown.
func Build(cfg *config.Config, logger *logpkg.Logger, manager platform.Manager) ([]func() error, error) {
	var closers []func() error
	for _, name := range Names() {
		if cfg != nil && !cfg.PluginEnabled(name) {
			if logger != nil {
				logger.Info("plugin disabled", "plugin", name)
			}
			continue
		}
		factory, _ := Get(name)
		contrib, err := factory(cfg, logger)
		if err != nil {
			return closers, fmt.Errorf("build plugin %s: %w", name, err)
		}
		for _, src := range contrib.All() {
			manager.Register(src)
		}
		if contrib != nil && contrib.Close != nil {
			closers = append(closers, contrib.Close)
		}
		if logger != nil {
			logger.Info("plugin loaded", "plugin", name, "sources", len(contrib.All()))
		}
	}
	return closers, nil
}
