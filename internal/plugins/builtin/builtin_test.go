package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filehelper/internal/plugin"
	"filehelper/internal/store"
	"filehelper/internal/wechat"
)

type fakeBot struct {
	loggedIn  bool
	sentFiles []string
	failSend  bool
}

func (b *fakeBot) SendText(context.Context, string) (string, error) { return "1", nil }
func (b *fakeBot) SendFile(_ context.Context, path string) (string, error) {
	if b.failSend {
		return "", fmt.Errorf("not logged in")
	}
	b.sentFiles = append(b.sentFiles, path)
	return "2", nil
}
func (b *fakeBot) Download(context.Context, string, string) error { return nil }
func (b *fakeBot) IsLoggedIn() bool                               { return b.loggedIn }
func (b *fakeBot) UserName() string                               { return "@self" }
func (b *fakeBot) UIN() string                                    { return "777" }
func (b *fakeBot) LoginStatusDetail() map[string]any              { return map[string]any{} }
func (b *fakeBot) DebugSnapshot() map[string]any                  { return map[string]any{} }

type fakeFramework struct {
	registry    *plugin.Registry
	chatMode    bool
	chatWebhook bool
	downloadDir string
	allowAll    bool
	fetchStatus int
	fetchBody   string
	fetchErr    error
	chatReplies []string
	reloaded    bool
}

func (f *fakeFramework) Dispatch(context.Context, wechat.Message, bool) string     { return "" }
func (f *fakeFramework) ExecuteCommandText(context.Context, string, string) string { return "" }
func (f *fakeFramework) ChatReply(_ context.Context, text string, _ wechat.Message) string {
	f.chatReplies = append(f.chatReplies, text)
	return "answer: " + text
}
func (f *fakeFramework) ChatMode() bool              { return f.chatMode }
func (f *fakeFramework) SetChatMode(enabled bool)    { f.chatMode = enabled }
func (f *fakeFramework) ChatWebhookConfigured() bool { return f.chatWebhook }
func (f *fakeFramework) Store() *store.Store         { return nil }
func (f *fakeFramework) Uptime() float64             { return 42 }
func (f *fakeFramework) ServerLabel() string         { return "lab" }
func (f *fakeFramework) DownloadDir() string         { return f.downloadDir }
func (f *fakeFramework) IsURLAllowed(string) bool    { return f.allowAll }
func (f *fakeFramework) FetchURL(context.Context, string) (int, string, error) {
	return f.fetchStatus, f.fetchBody, f.fetchErr
}
func (f *fakeFramework) PluginStatus() map[string]any {
	return map[string]any{
		"loaded_count":   1,
		"loaded_plugins": []string{"builtin"},
		"commands_count": 12,
		"handlers_count": 0,
		"errors":         []plugin.LoadError{},
	}
}
func (f *fakeFramework) ReloadPlugins() map[string]any {
	f.reloaded = true
	return map[string]any{"loaded_count": 1, "commands_count": 12}
}
func (f *fakeFramework) State() map[string]any      { return map[string]any{} }
func (f *fakeFramework) Registry() *plugin.Registry { return f.registry }

type fakeTasks struct {
	tasks   []plugin.Task
	ranID   string
	removed string
	toggled map[string]bool
}

func (t *fakeTasks) List() []plugin.Task { return t.tasks }
func (t *fakeTasks) Add(timeHM, commandText, _ string) (plugin.Task, error) {
	if timeHM != "09:30" {
		return plugin.Task{}, fmt.Errorf("invalid time %q", timeHM)
	}
	task := plugin.Task{ID: "task_1", TimeHM: timeHM, CommandText: commandText, Enabled: true}
	t.tasks = append(t.tasks, task)
	return task, nil
}
func (t *fakeTasks) Remove(id string) bool {
	t.removed = id
	return id == "task_1"
}
func (t *fakeTasks) SetEnabled(id string, enabled bool) bool {
	if t.toggled == nil {
		t.toggled = map[string]bool{}
	}
	t.toggled[id] = enabled
	return id == "task_1"
}
func (t *fakeTasks) RunNow(_ context.Context, id string) (string, error) {
	if id != "task_1" {
		return "", fmt.Errorf("task %s not found", id)
	}
	t.ranID = id
	return "ran", nil
}

func newTestContext(t *testing.T, args ...string) (*plugin.Context, *fakeBot, *fakeFramework, *fakeTasks) {
	t.Helper()
	registry := plugin.NewRegistry()
	require.NoError(t, New().Setup(registry))

	bot := &fakeBot{loggedIn: true}
	fw := &fakeFramework{registry: registry, downloadDir: t.TempDir()}
	tasks := &fakeTasks{}
	ctx := &plugin.Context{
		Ctx:       context.Background(),
		Args:      args,
		IsCommand: true,
		Bot:       bot,
		Framework: fw,
		Tasks:     tasks,
	}
	return ctx, bot, fw, tasks
}

func TestStartAndHelp(t *testing.T) {
	ctx, _, _, _ := newTestContext(t)

	menu, err := cmdStart(ctx)
	require.NoError(t, err)
	assert.Contains(t, menu, "/help")
	assert.Contains(t, menu, "#ping#")
	assert.False(t, strings.HasPrefix(menu, "\n"))

	help, err := cmdHelp(ctx)
	require.NoError(t, err)
	assert.Contains(t, help, "/status")
	assert.Contains(t, help, "/task")
	// Hidden commands stay out of the listing.
	assert.NotContains(t, help, "/ping")
	assert.NotContains(t, help, "/reload")
}

func TestEchoAndPing(t *testing.T) {
	ctx, _, fw, _ := newTestContext(t)

	cmd, ok := fw.registry.Lookup("ping")
	require.True(t, ok)
	out, err := cmd.Handler(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	ctx.Args = []string{"a", "b", "c"}
	cmd, ok = fw.registry.Lookup("echo")
	require.True(t, ok)
	out, err = cmd.Handler(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a b c", out)
}

func TestStatus(t *testing.T) {
	ctx, _, _, tasks := newTestContext(t)
	tasks.tasks = []plugin.Task{{ID: "task_1"}, {ID: "task_2"}}

	out, err := cmdStatus(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "server=lab")
	assert.Contains(t, out, "uptime=42s")
	assert.Contains(t, out, "wechat_logged_in=true")
	assert.Contains(t, out, "tasks=2")
	assert.Contains(t, out, fmt.Sprintf("pid=%d", os.Getpid()))
}

func TestSettingsAboutVersion(t *testing.T) {
	ctx, _, fw, _ := newTestContext(t)

	out, err := cmdSettings(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "server=lab")
	assert.Contains(t, out, "download_dir="+fw.downloadDir)
	assert.Contains(t, out, "chat_mode=false")
	assert.Contains(t, out, "chat_webhook=off")

	fw.chatWebhook = true
	out, err = cmdSettings(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "chat_webhook=on")

	out, err = cmdAbout(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "FileHelper Bot")
	assert.Contains(t, out, "/help")

	out, err = cmdVersion(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "runtime="+runtime.Version())
	assert.Contains(t, out, runtime.GOOS+"/"+runtime.GOARCH)
}

func TestChatCommand(t *testing.T) {
	ctx, _, fw, _ := newTestContext(t)

	out, err := cmdChat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chat_mode=false, webhook=off", out)

	for _, word := range []string{"on", "enable", "1"} {
		ctx.Args = []string{word}
		out, err = cmdChat(ctx)
		require.NoError(t, err)
		assert.Equal(t, "chat mode enabled", out)
		assert.True(t, fw.chatMode)
		fw.chatMode = false
	}

	fw.chatMode = true
	fw.chatWebhook = true
	ctx.Args = []string{"status"}
	out, err = cmdChat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chat_mode=true, webhook=on", out)

	ctx.Args = []string{"off"}
	out, err = cmdChat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chat mode disabled", out)
	assert.False(t, fw.chatMode)

	ctx.Args = []string{"sideways"}
	out, err = cmdChat(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "usage:")
}

func TestAsk(t *testing.T) {
	ctx, _, fw, _ := newTestContext(t)

	out, err := cmdAsk(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "usage:")
	assert.Empty(t, fw.chatReplies)

	ctx.Args = []string{"what", "time", "is", "it"}
	out, err = cmdAsk(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer: what time is it", out)
	assert.Equal(t, []string{"what time is it"}, fw.chatReplies)
}

func TestHTTPGet(t *testing.T) {
	ctx, _, fw, _ := newTestContext(t)

	out, err := cmdHTTPGet(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "usage:")

	ctx.Args = []string{"https://example.com/x"}
	out, err = cmdHTTPGet(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "not allowed")

	fw.allowAll = true
	fw.fetchStatus = 200
	fw.fetchBody = "hello body"
	out, err = cmdHTTPGet(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "status=200")
	assert.Contains(t, out, "url=https://example.com/x")
	assert.Contains(t, out, "hello body")

	fw.fetchBody = strings.Repeat("x", 2000)
	out, err = cmdHTTPGet(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "...<truncated>")
	assert.Less(t, len(out), 1400)

	fw.fetchErr = fmt.Errorf("connection refused")
	out, err = cmdHTTPGet(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "request failed")
}

func TestSendFile(t *testing.T) {
	ctx, bot, fw, _ := newTestContext(t)

	out, err := cmdSendFile(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "usage:")

	// Relative names resolve under the download dir.
	name := "report.pdf"
	full := filepath.Join(fw.downloadDir, name)
	require.NoError(t, os.WriteFile(full, []byte("pdf"), 0o644))

	ctx.Args = []string{name}
	out, err = cmdSendFile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "file sent", out)
	assert.Equal(t, []string{full}, bot.sentFiles)

	ctx.Args = []string{"missing.bin"}
	out, err = cmdSendFile(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "file not found")

	bot.failSend = true
	ctx.Args = []string{name}
	out, err = cmdSendFile(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "file send failed")
}

func TestTaskCommand(t *testing.T) {
	ctx, _, _, tasks := newTestContext(t)

	out, err := cmdTask(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "/task add")

	ctx.Args = []string{"list"}
	out, err = cmdTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no scheduled tasks", out)

	ctx.Args = []string{"add", "09:30", "/status", "now"}
	out, err = cmdTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task added: task_1", out)

	ctx.Args = []string{"add", "nope", "/status"}
	out, err = cmdTask(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "add failed")

	ctx.Args = []string{"list"}
	out, err = cmdTask(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "- task_1 [on] 09:30 -> /status now")

	ctx.Args = []string{"off", "task_1"}
	out, err = cmdTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task updated", out)
	assert.Equal(t, false, tasks.toggled["task_1"])

	ctx.Args = []string{"run", "task_1"}
	out, err = cmdTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task executed", out)
	assert.Equal(t, "task_1", tasks.ranID)

	ctx.Args = []string{"run", "task_9"}
	out, err = cmdTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task not found", out)

	ctx.Args = []string{"del", "task_1"}
	out, err = cmdTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task removed", out)

	ctx.Args = []string{"rm", "task_9"}
	out, err = cmdTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task not found", out)
}

func TestPluginsAndReload(t *testing.T) {
	ctx, _, fw, _ := newTestContext(t)

	out, err := cmdPlugins(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "loaded: 1 plugins")
	assert.Contains(t, out, "plugins: builtin")
	assert.NotContains(t, out, "load errors")

	out, err = cmdReload(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "reloaded 1 plugins")
	assert.True(t, fw.reloaded)
}

func TestSetupRegistersAliases(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, New().Setup(registry))

	for alias, canonical := range map[string]string{
		"menu":   "start",
		"h":      "help",
		"?":      "help",
		"ver":    "version",
		"stat":   "status",
		"info":   "status",
		"plugin": "plugins",
	} {
		cmd, ok := registry.Lookup(alias)
		require.True(t, ok, alias)
		assert.Equal(t, canonical, cmd.Name)
	}
}
