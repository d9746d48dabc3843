// Package plugin holds the extension registry: commands, prioritized
// message handlers, HTTP routes and lifecycle hooks. Plugins are compiled
// in and register themselves against a Registry during load.
package plugin

import (
	"context"
	"net/http"

	"filehelper/internal/store"
	"filehelper/internal/wechat"
)

// Bot is the slice of the protocol engine plugins are allowed to touch.
type Bot interface {
	SendText(ctx context.Context, text string) (string, error)
	SendFile(ctx context.Context, path string) (string, error)
	Download(ctx context.Context, msgID, savePath string) error
	IsLoggedIn() bool
	UserName() string
	UIN() string
	LoginStatusDetail() map[string]any
	DebugSnapshot() map[string]any
}

// Framework is the dispatcher surface available to plugins.
type Framework interface {
	Dispatch(ctx context.Context, msg wechat.Message, allowChat bool) string
	ExecuteCommandText(ctx context.Context, text, source string) string
	ChatReply(ctx context.Context, text string, msg wechat.Message) string
	ChatMode() bool
	SetChatMode(enabled bool)
	ChatWebhookConfigured() bool
	Store() *store.Store
	Uptime() float64
	ServerLabel() string
	DownloadDir() string
	IsURLAllowed(url string) bool
	FetchURL(ctx context.Context, url string) (status int, body string, err error)
	PluginStatus() map[string]any
	ReloadPlugins() map[string]any
	State() map[string]any
}

// TaskRunner lets plugins drive the scheduler.
type TaskRunner interface {
	List() []Task
	Add(timeHM, commandText, description string) (Task, error)
	Remove(id string) bool
	SetEnabled(id string, enabled bool) bool
	RunNow(ctx context.Context, id string) (string, error)
}

// Task mirrors one scheduler entry for plugin and API consumption.
type Task struct {
	ID          string `json:"task_id"`
	TimeHM      string `json:"time_hm"`
	CommandText string `json:"command_text"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
	LastRunDate string `json:"last_run_date,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Context is handed to every command and message handler invocation.
type Context struct {
	Ctx       context.Context
	Text      string
	Command   string
	Args      []string
	Msg       wechat.Message
	MsgID     string
	IsCommand bool
	ReplyTo   string

	Bot       Bot
	Framework Framework
	Tasks     TaskRunner
}

// HandlerFunc processes a context and returns the reply text. An empty
// reply means "not handled" and lets dispatch continue.
type HandlerFunc func(*Context) (string, error)

// Command is a registered slash command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Aliases     []string
	Hidden      bool
	Handler     HandlerFunc
}

// MessageHandler sees every dispatched message before command lookup.
// Higher priority runs first; the first non-empty reply wins.
type MessageHandler struct {
	Name     string
	Priority int
	Handler  HandlerFunc
}

// Route is an HTTP endpoint contributed by a plugin, mounted at boot.
type Route struct {
	Method  string
	Path    string
	Name    string
	Tags    []string
	Handler http.HandlerFunc
}

// Plugin is one compiled-in extension.
type Plugin interface {
	Name() string
	Setup(reg *Registry) error
}
