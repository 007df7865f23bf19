package tools

import (
	"sync"

	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/errors"
)

// Factory builds an in-process tool source from the configuration.
type Factory func(cfg *config.Config) (Source, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

func init() {
	Register("filesystem", func(cfg *config.Config) (Source, error) {
		fs := &cfg.FilesystemAccess
		return NewInProcessSource("filesystem",
			&ReadFileTool{fsAccess: fs},
			&WriteFileTool{fsAccess: fs},
			&ListFilesTool{fsAccess: fs},
		), nil
	})
	Register("command", func(cfg *config.Config) (Source, error) {
		return NewInProcessSource("command", &ExecuteCommandTool{allowedCommands: cfg.AllowedCommands}), nil
	})
	Register("notes", func(cfg *config.Config) (Source, error) {
		return NewInProcessSource("notes", &RememberTool{}), nil
	})
	Register("clock", func(cfg *config.Config) (Source, error) {
		return NewInProcessSource("clock", &CurrentTimeTool{}), nil
	})
}

// Register makes a provider available under name, replacing any previous one.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Providers lists the registered provider names in sorted order.
func Providers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	return sortedKeys(factories)
}

// NewSource builds the provider registered under name.
func NewSource(name string, cfg *config.Config) (Source, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errors.New("unknown tool provider '%s' (available: %v)", name, Providers())
	}
	return f(cfg)
}

// FromConfig builds every provider listed in cfg.ToolProviders, in order.
func FromConfig(cfg *config.Config) ([]Source, error) {
	sources := make([]Source, 0, len(cfg.ToolProviders))
	for _, name := range cfg.ToolProviders {
		src, err := NewSource(name, cfg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
