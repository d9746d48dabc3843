// Package builtin provides the stock command set: menus, status, chat
// control, scheduled task management and file delivery.
package builtin

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/lithammer/dedent"

	"filehelper/internal/plugin"
)

// Plugin is the builtin command bundle.
type Plugin struct{}

func New() Plugin { return Plugin{} }

func (Plugin) Name() string { return "builtin" }

func (Plugin) Setup(reg *plugin.Registry) error {
	reg.AddCommand(plugin.Command{
		Name:        "start",
		Description: "getting started",
		Aliases:     []string{"menu"},
		Handler:     cmdStart,
	})
	reg.AddCommand(plugin.Command{
		Name:        "help",
		Description: "list commands",
		Aliases:     []string{"h", "?"},
		Handler:     cmdHelp,
	})
	reg.AddCommand(plugin.Command{
		Name:    "ping",
		Hidden:  true,
		Handler: func(*plugin.Context) (string, error) { return "pong", nil },
	})
	reg.AddCommand(plugin.Command{
		Name:        "echo",
		Description: "echo arguments back",
		Usage:       "/echo <text>",
		Handler: func(ctx *plugin.Context) (string, error) {
			return strings.Join(ctx.Args, " "), nil
		},
	})
	reg.AddCommand(plugin.Command{
		Name:        "status",
		Description: "server status",
		Aliases:     []string{"stat", "info"},
		Handler:     cmdStatus,
	})
	reg.AddCommand(plugin.Command{
		Name:        "settings",
		Description: "effective runtime settings",
		Handler:     cmdSettings,
	})
	reg.AddCommand(plugin.Command{
		Name:        "about",
		Description: "what this bot is",
		Handler:     cmdAbout,
	})
	reg.AddCommand(plugin.Command{
		Name:        "version",
		Description: "build and runtime versions",
		Aliases:     []string{"ver"},
		Handler:     cmdVersion,
	})
	reg.AddCommand(plugin.Command{
		Name:        "chat",
		Description: "chat mode switch",
		Usage:       "/chat on|off|status",
		Handler:     cmdChat,
	})
	reg.AddCommand(plugin.Command{
		Name:        "ask",
		Description: "ask the chat backend",
		Usage:       "/ask <question>",
		Handler:     cmdAsk,
	})
	reg.AddCommand(plugin.Command{
		Name:        "httpget",
		Description: "HTTP GET an allowlisted URL",
		Usage:       "/httpget <url>",
		Handler:     cmdHTTPGet,
	})
	reg.AddCommand(plugin.Command{
		Name:        "sendfile",
		Description: "deliver a server-side file",
		Usage:       "/sendfile <path>",
		Handler:     cmdSendFile,
	})
	reg.AddCommand(plugin.Command{
		Name:        "task",
		Description: "scheduled task management",
		Usage:       "/task list|add|del|on|off|run",
		Handler:     cmdTask,
	})
	reg.AddCommand(plugin.Command{
		Name:        "plugins",
		Description: "plugin load status",
		Aliases:     []string{"plugin"},
		Handler:     cmdPlugins,
	})
	reg.AddCommand(plugin.Command{
		Name:    "reload",
		Hidden:  true,
		Handler: cmdReload,
	})
	return nil
}

func cmdStart(ctx *plugin.Context) (string, error) {
	return strings.TrimSpace(dedent.Dedent(`
		FileHelper Bot

		/help      command list
		/status    server status
		/task      scheduled tasks
		/chat      chat mode switch
		/sendfile  deliver a server file

		Send #ping# at any time to check liveness.
	`)), nil
}

func cmdHelp(ctx *plugin.Context) (string, error) {
	// The registry knows every loaded command, including plugin additions.
	if reg := registryOf(ctx); reg != nil {
		return reg.HelpText(), nil
	}
	return "", nil
}

// registryHolder is implemented by contexts that can reach the registry.
// The dispatcher wires it through the framework handle.
type registryHolder interface {
	Registry() *plugin.Registry
}

func registryOf(ctx *plugin.Context) *plugin.Registry {
	if holder, ok := ctx.Framework.(registryHolder); ok {
		return holder.Registry()
	}
	return nil
}

func cmdStatus(ctx *plugin.Context) (string, error) {
	fw := ctx.Framework
	status := fw.PluginStatus()
	taskCount := 0
	if ctx.Tasks != nil {
		taskCount = len(ctx.Tasks.List())
	}
	return fmt.Sprintf(
		"server=%s\ntime=%s\nuptime=%ds\nplatform=%s/%s\nruntime=%s\npid=%d\nwechat_logged_in=%t\nchat_mode=%t\ntasks=%d\nplugins=%v",
		fw.ServerLabel(),
		time.Now().Format("2006-01-02 15:04:05"),
		int(fw.Uptime()),
		runtime.GOOS, runtime.GOARCH,
		runtime.Version(),
		os.Getpid(),
		ctx.Bot.IsLoggedIn(),
		fw.ChatMode(),
		taskCount,
		status["loaded_count"],
	), nil
}

func cmdSettings(ctx *plugin.Context) (string, error) {
	fw := ctx.Framework
	webhook := "off"
	if fw.ChatWebhookConfigured() {
		webhook = "on"
	}
	return fmt.Sprintf(
		"server=%s\ndownload_dir=%s\nchat_mode=%t\nchat_webhook=%s",
		fw.ServerLabel(),
		fw.DownloadDir(),
		fw.ChatMode(),
		webhook,
	), nil
}

func cmdAbout(ctx *plugin.Context) (string, error) {
	return strings.TrimSpace(dedent.Dedent(`
		FileHelper Bot

		Bridges the WeChat file transfer assistant chat into an HTTP API
		with scheduled tasks, file delivery and a plugin command set.
		Send /help for the command list.
	`)), nil
}

func cmdVersion(ctx *plugin.Context) (string, error) {
	return fmt.Sprintf("runtime=%s\nplatform=%s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
}

func cmdChat(ctx *plugin.Context) (string, error) {
	fw := ctx.Framework
	modeLine := func() string {
		webhook := "off"
		if fw.ChatWebhookConfigured() {
			webhook = "on"
		}
		return fmt.Sprintf("chat_mode=%t, webhook=%s", fw.ChatMode(), webhook)
	}

	if len(ctx.Args) == 0 {
		return modeLine(), nil
	}
	switch strings.ToLower(ctx.Args[0]) {
	case "on", "enable", "1":
		fw.SetChatMode(true)
		return "chat mode enabled", nil
	case "off", "disable", "0":
		fw.SetChatMode(false)
		return "chat mode disabled", nil
	case "status", "state":
		return modeLine(), nil
	}
	return "usage: /chat on|off|status", nil
}

func cmdAsk(ctx *plugin.Context) (string, error) {
	question := strings.TrimSpace(strings.Join(ctx.Args, " "))
	if question == "" {
		return "usage: /ask <question>", nil
	}
	return ctx.Framework.ChatReply(ctx.Ctx, question, ctx.Msg), nil
}

func cmdHTTPGet(ctx *plugin.Context) (string, error) {
	if len(ctx.Args) == 0 {
		return "usage: /httpget https://your-server/path", nil
	}
	url := strings.TrimSpace(ctx.Args[0])
	if !ctx.Framework.IsURLAllowed(url) {
		return "URL not allowed, configure ROBOT_HTTP_ALLOWLIST", nil
	}

	status, body, err := ctx.Framework.FetchURL(ctx.Ctx, url)
	if err != nil {
		return fmt.Sprintf("request failed: %v", err), nil
	}
	if len(body) > 1200 {
		body = body[:1200] + "\n...<truncated>"
	}
	return fmt.Sprintf("status=%d\nurl=%s\n%s", status, url, body), nil
}

func cmdSendFile(ctx *plugin.Context) (string, error) {
	if len(ctx.Args) == 0 {
		return "usage: /sendfile /absolute/path or /sendfile relative_name", nil
	}

	candidate := strings.TrimSpace(strings.Join(ctx.Args, " "))
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(ctx.Framework.DownloadDir(), candidate)
	}

	info, err := os.Stat(candidate)
	if err != nil || info.IsDir() {
		return "file not found: " + candidate, nil
	}

	if _, err := ctx.Bot.SendFile(ctx.Ctx, candidate); err != nil {
		return fmt.Sprintf("file send failed: %v", err), nil
	}
	return "file sent", nil
}

func cmdTask(ctx *plugin.Context) (string, error) {
	tasks := ctx.Tasks
	if tasks == nil {
		return "scheduler unavailable", nil
	}
	if len(ctx.Args) == 0 {
		return taskHelpText(), nil
	}

	switch strings.ToLower(ctx.Args[0]) {
	case "list":
		list := tasks.List()
		if len(list) == 0 {
			return "no scheduled tasks", nil
		}
		lines := []string{"scheduled tasks:"}
		for _, task := range list {
			status := "off"
			if task.Enabled {
				status = "on"
			}
			lines = append(lines, fmt.Sprintf("- %s [%s] %s -> %s", task.ID, status, task.TimeHM, task.CommandText))
		}
		return strings.Join(lines, "\n"), nil

	case "add":
		if len(ctx.Args) < 3 {
			return "usage: /task add HH:MM command text", nil
		}
		task, err := tasks.Add(ctx.Args[1], strings.Join(ctx.Args[2:], " "), "")
		if err != nil {
			return fmt.Sprintf("add failed: %v", err), nil
		}
		return "task added: " + task.ID, nil

	case "del", "delete", "rm":
		if len(ctx.Args) < 2 {
			return "usage: /task del task_id", nil
		}
		if tasks.Remove(ctx.Args[1]) {
			return "task removed", nil
		}
		return "task not found", nil

	case "on", "off":
		if len(ctx.Args) < 2 {
			return "usage: /task on|off task_id", nil
		}
		if tasks.SetEnabled(ctx.Args[1], strings.ToLower(ctx.Args[0]) == "on") {
			return "task updated", nil
		}
		return "task not found", nil

	case "run":
		if len(ctx.Args) < 2 {
			return "usage: /task run task_id", nil
		}
		if _, err := tasks.RunNow(ctx.Ctx, ctx.Args[1]); err != nil {
			return "task not found", nil
		}
		return "task executed", nil
	}
	return taskHelpText(), nil
}

func taskHelpText() string {
	return strings.TrimSpace(dedent.Dedent(`
		task subcommands:
		/task list
		/task add HH:MM command text
		/task del task_id
		/task on task_id
		/task off task_id
		/task run task_id
	`))
}

func cmdPlugins(ctx *plugin.Context) (string, error) {
	status := ctx.Framework.PluginStatus()
	lines := []string{
		fmt.Sprintf("loaded: %v plugins", status["loaded_count"]),
		fmt.Sprintf("commands: %v", status["commands_count"]),
		fmt.Sprintf("handlers: %v", status["handlers_count"]),
	}
	if names, ok := status["loaded_plugins"].([]string); ok && len(names) > 0 {
		lines = append(lines, "plugins: "+strings.Join(names, ", "))
	}
	if errs, ok := status["errors"].([]plugin.LoadError); ok && len(errs) > 0 {
		lines = append(lines, "load errors:")
		for _, e := range errs {
			lines = append(lines, fmt.Sprintf("  - %s: %s", e.Plugin, e.Error))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func cmdReload(ctx *plugin.Context) (string, error) {
	status := ctx.Framework.ReloadPlugins()
	return fmt.Sprintf("reloaded %v plugins, %v commands", status["loaded_count"], status["commands_count"]), nil
}
