package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry is the shared registration table. Mutation happens during load
// and reload only; dispatch reads are lock-protected so a reload never
// exposes torn state.
type Registry struct {
	mu sync.RWMutex

	commands       map[string]*Command
	handlers       []MessageHandler
	handlersSorted bool
	routes         []Route
	onLoad         []func() error
	onUnload       []func() error

	// Process-wide handles published at boot so plugin code can reach the
	// engine and dispatcher without import cycles.
	bot       Bot
	framework Framework
	tasks     TaskRunner
}

func NewRegistry() *Registry {
	return &Registry{
		commands:       make(map[string]*Command),
		handlersSorted: true,
	}
}

// Publish installs the process-wide handles used to build dispatch contexts.
func (r *Registry) Publish(bot Bot, framework Framework, tasks TaskRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bot = bot
	r.framework = framework
	r.tasks = tasks
}

// Handles returns the published process-wide handles.
func (r *Registry) Handles() (Bot, Framework, TaskRunner) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bot, r.framework, r.tasks
}

// AddCommand registers a command under its lowercase name and every
// lowercase alias.
func (r *Registry) AddCommand(cmd Command) {
	if cmd.Usage == "" {
		cmd.Usage = "/" + cmd.Name
	}
	cmd.Name = strings.ToLower(cmd.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = &cmd
	for _, alias := range cmd.Aliases {
		r.commands[strings.ToLower(alias)] = &cmd
	}
}

// OnMessage registers a message handler. The handler list is lazily
// re-sorted by descending priority on the next read.
func (r *Registry) OnMessage(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	r.handlersSorted = false
}

// AddRoute registers a plugin HTTP route; mounting happens at boot.
func (r *Registry) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

// OnLoad registers a hook run sequentially after all plugins are loaded.
func (r *Registry) OnLoad(hook func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLoad = append(r.onLoad, hook)
}

// OnUnload registers a hook run sequentially at shutdown.
func (r *Registry) OnUnload(hook func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnload = append(r.onUnload, hook)
}

// Lookup resolves a command by name or alias.
func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// Handlers returns the message handlers in descending priority order.
func (r *Registry) Handlers() []MessageHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.handlersSorted {
		sort.SliceStable(r.handlers, func(i, j int) bool {
			return r.handlers[i].Priority > r.handlers[j].Priority
		})
		r.handlersSorted = true
	}
	out := make([]MessageHandler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// Routes returns the registered plugin routes.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// CommandCount counts distinct commands, aliases excluded.
func (r *Registry) CommandCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, cmd := range r.commands {
		seen[cmd.Name] = struct{}{}
	}
	return len(seen)
}

// HandlerCount returns the number of registered message handlers.
func (r *Registry) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// RunOnLoad executes the load hooks in registration order. The first
// failing hook aborts.
func (r *Registry) RunOnLoad() error {
	r.mu.RLock()
	hooks := make([]func() error, len(r.onLoad))
	copy(hooks, r.onLoad)
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(); err != nil {
			return fmt.Errorf("on_load hook: %w", err)
		}
	}
	return nil
}

// RunOnUnload executes the unload hooks. Failures are logged, not
// propagated, so every hook gets its chance during shutdown.
func (r *Registry) RunOnUnload() {
	r.mu.RLock()
	hooks := make([]func() error, len(r.onUnload))
	copy(hooks, r.onUnload)
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(); err != nil {
			log.Warn().Err(err).Msg("on_unload hook failed")
		}
	}
}

// HelpText lists every visible command for the /help reply.
func (r *Registry) HelpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	seen := make(map[string]struct{})
	for _, cmd := range r.commands {
		if cmd.Hidden {
			continue
		}
		if _, ok := seen[cmd.Name]; ok {
			continue
		}
		seen[cmd.Name] = struct{}{}
		names = append(names, cmd.Name)
	}
	sort.Strings(names)

	lines := []string{"Available commands:"}
	for _, name := range names {
		cmd := r.commands[name]
		line := "  /" + cmd.Name
		if cmd.Description != "" {
			line += " - " + cmd.Description
		}
		if len(cmd.Aliases) > 0 {
			line += " (aliases: " + strings.Join(cmd.Aliases, ", ") + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Clear empties every table. Used by reload and tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = make(map[string]*Command)
	r.handlers = nil
	r.handlersSorted = true
	r.routes = nil
	r.onLoad = nil
	r.onUnload = nil
}
