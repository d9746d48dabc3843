package plugin

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// LoadError describes one plugin that failed to set itself up.
type LoadError struct {
	Plugin string `json:"plugin"`
	Error  string `json:"error"`
}

// Loader drives plugin setup against a registry. Plugins are compiled in;
// load order is alphabetical by plugin name and a failing plugin never
// aborts the rest.
type Loader struct {
	registry *Registry

	mu      sync.Mutex
	plugins []Plugin
	loaded  []string
	errors  []LoadError
}

func NewLoader(registry *Registry) *Loader {
	return &Loader{registry: registry}
}

// Register adds plugins to the load set.
func (l *Loader) Register(plugins ...Plugin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plugins = append(l.plugins, plugins...)
}

// Load runs every plugin's Setup in alphabetical order, collecting
// per-plugin errors.
func (l *Loader) Load() {
	l.mu.Lock()
	defer l.mu.Unlock()

	sort.Slice(l.plugins, func(i, j int) bool {
		return l.plugins[i].Name() < l.plugins[j].Name()
	})

	l.loaded = nil
	l.errors = nil
	for _, p := range l.plugins {
		if err := p.Setup(l.registry); err != nil {
			l.errors = append(l.errors, LoadError{Plugin: p.Name(), Error: err.Error()})
			log.Error().Err(err).Str("plugin", p.Name()).Msg("plugin setup failed")
			continue
		}
		l.loaded = append(l.loaded, p.Name())
		log.Info().Str("plugin", p.Name()).Msg("plugin loaded")
	}
}

// Reload clears the registry, republishes the process handles and loads
// everything again.
func (l *Loader) Reload() {
	bot, framework, tasks := l.registry.Handles()
	l.registry.Clear()
	l.registry.Publish(bot, framework, tasks)
	l.Load()
}

// Status reports what loaded, what failed and the registry table sizes.
func (l *Loader) Status() map[string]any {
	l.mu.Lock()
	loaded := make([]string, len(l.loaded))
	copy(loaded, l.loaded)
	errs := make([]LoadError, len(l.errors))
	copy(errs, l.errors)
	l.mu.Unlock()

	if errs == nil {
		errs = []LoadError{}
	}
	return map[string]any{
		"loaded_count":   len(loaded),
		"loaded_plugins": loaded,
		"errors":         errs,
		"commands_count": l.registry.CommandCount(),
		"handlers_count": l.registry.HandlerCount(),
		"routes_count":   len(l.registry.Routes()),
	}
}
