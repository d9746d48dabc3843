package plugin

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandLookupWithAliases(t *testing.T) {
	reg := NewRegistry()
	reg.AddCommand(Command{
		Name:        "Help",
		Description: "list commands",
		Aliases:     []string{"H", "?"},
		Handler:     func(*Context) (string, error) { return "help", nil },
	})

	for _, name := range []string{"help", "HELP", "h", "?"} {
		cmd, ok := reg.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, "help", cmd.Name)
	}

	_, ok := reg.Lookup("nope")
	assert.False(t, ok)

	assert.Equal(t, 1, reg.CommandCount())
}

func TestDefaultUsage(t *testing.T) {
	reg := NewRegistry()
	reg.AddCommand(Command{Name: "ping"})
	cmd, _ := reg.Lookup("ping")
	assert.Equal(t, "/ping", cmd.Usage)
}

func TestHandlerPriorityOrder(t *testing.T) {
	reg := NewRegistry()
	reg.OnMessage(MessageHandler{Name: "low", Priority: 1})
	reg.OnMessage(MessageHandler{Name: "high", Priority: 100})
	reg.OnMessage(MessageHandler{Name: "mid", Priority: 50})

	handlers := reg.Handlers()
	require.Len(t, handlers, 3)
	assert.Equal(t, "high", handlers[0].Name)
	assert.Equal(t, "mid", handlers[1].Name)
	assert.Equal(t, "low", handlers[2].Name)

	// Inserting after a read re-sorts lazily.
	reg.OnMessage(MessageHandler{Name: "top", Priority: 200})
	assert.Equal(t, "top", reg.Handlers()[0].Name)
}

func TestHelpTextHidesHidden(t *testing.T) {
	reg := NewRegistry()
	reg.AddCommand(Command{Name: "help", Description: "list commands"})
	reg.AddCommand(Command{Name: "ping", Aliases: []string{"p"}})
	reg.AddCommand(Command{Name: "secret", Hidden: true})

	text := reg.HelpText()
	assert.Contains(t, text, "/help - list commands")
	assert.Contains(t, text, "/ping (aliases: p)")
	assert.NotContains(t, text, "secret")
}

type fakePlugin struct {
	name  string
	setup func(*Registry) error
}

func (p fakePlugin) Name() string            { return p.name }
func (p fakePlugin) Setup(r *Registry) error { return p.setup(r) }

func TestLoaderContinuesPastFailure(t *testing.T) {
	reg := NewRegistry()
	loader := NewLoader(reg)

	var order []string
	loader.Register(
		fakePlugin{"zeta", func(r *Registry) error {
			order = append(order, "zeta")
			r.AddCommand(Command{Name: "z"})
			return nil
		}},
		fakePlugin{"broken", func(r *Registry) error {
			order = append(order, "broken")
			return fmt.Errorf("boom")
		}},
		fakePlugin{"alpha", func(r *Registry) error {
			order = append(order, "alpha")
			r.AddCommand(Command{Name: "a"})
			return nil
		}},
	)
	loader.Load()

	// Alphabetical load order.
	assert.Equal(t, []string{"alpha", "broken", "zeta"}, order)

	status := loader.Status()
	assert.Equal(t, 2, status["loaded_count"])
	assert.Equal(t, []string{"alpha", "zeta"}, status["loaded_plugins"])
	errs := status["errors"].([]LoadError)
	require.Len(t, errs, 1)
	assert.Equal(t, "broken", errs[0].Plugin)
	assert.Equal(t, "boom", errs[0].Error)
	assert.Equal(t, 2, status["commands_count"])
}

func TestLoaderReload(t *testing.T) {
	reg := NewRegistry()
	loader := NewLoader(reg)

	calls := 0
	loader.Register(fakePlugin{"p", func(r *Registry) error {
		calls++
		r.AddCommand(Command{Name: "cmd"})
		r.OnMessage(MessageHandler{Name: "h", Priority: 1})
		return nil
	}})

	loader.Load()
	loader.Reload()

	assert.Equal(t, 2, calls)
	// Reload cleared the registry first, so tables are not doubled.
	assert.Equal(t, 1, reg.CommandCount())
	assert.Equal(t, 1, reg.HandlerCount())
}

func TestLifecycleHooks(t *testing.T) {
	reg := NewRegistry()

	var ran []string
	reg.OnLoad(func() error { ran = append(ran, "load1"); return nil })
	reg.OnLoad(func() error { ran = append(ran, "load2"); return nil })
	reg.OnUnload(func() error { ran = append(ran, "unload1"); return fmt.Errorf("ignored") })
	reg.OnUnload(func() error { ran = append(ran, "unload2"); return nil })

	require.NoError(t, reg.RunOnLoad())
	reg.RunOnUnload()

	// Unload failures do not stop later hooks.
	assert.Equal(t, []string{"load1", "load2", "unload1", "unload2"}, ran)
}
