// Package config centralizes every environment-driven setting of the bridge.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	AppName = "wx-filehelper-bot"
	Version = "2.0.0"

	// EnvFileName is the optional dotenv file loaded from the working directory.
	EnvFileName = ".env"
)

// Settings holds the resolved configuration. Values come from environment
// variables with the documented defaults; load once at boot and pass by
// pointer.
type Settings struct {
	Host string
	Port int

	// Upstream entry host of the file transfer assistant web client.
	WechatEntryHost string

	DownloadDir       string
	FileDateSubdir    bool
	AutoDownload      bool
	FileRetentionDays int
	MaxUploadSize     int64

	MessageDBPath string
	PluginsDir    string
	TaskFile      string
	SessionFile   string

	HeartbeatInterval    int
	ReconnectDelay       int
	MaxReconnectAttempts int

	MessageWebhookURL     string
	MessageWebhookTimeout int

	ChatbotEnabled    bool
	ChatbotWebhookURL string
	ChatbotTimeout    int

	HTTPAllowlist []string

	TraceEnabled bool
	TraceRedact  bool
	TraceMaxBody int
	TraceDir     string

	ServerLabel      string
	LoginCallbackURL string
}

// LoadEnvFile loads a .env file from the working directory if present.
// Errors are ignored since the file is optional.
func LoadEnvFile() {
	_ = godotenv.Load(EnvFileName)
}

// Load reads the environment into a Settings value and creates the
// directories the runtime needs.
func Load() (*Settings, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	s := &Settings{
		Host: envStr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8000),

		WechatEntryHost: envStr("WECHAT_ENTRY_HOST", "szfilehelper.weixin.qq.com"),

		DownloadDir:       envStr("DOWNLOAD_DIR", filepath.Join(cwd, "downloads")),
		FileDateSubdir:    envBool("FILE_DATE_SUBDIR", true),
		AutoDownload:      envBool("AUTO_DOWNLOAD", true),
		FileRetentionDays: envInt("FILE_RETENTION_DAYS", 0),
		MaxUploadSize:     int64(envInt("MAX_UPLOAD_SIZE", 25*1024*1024)),

		MessageDBPath: envStr("MESSAGE_DB_PATH", filepath.Join(cwd, "messages.db")),
		PluginsDir:    envStr("PLUGINS_DIR", filepath.Join(cwd, "plugins")),
		TaskFile:      envStr("ROBOT_TASK_FILE", filepath.Join(cwd, "scheduled_tasks.json")),
		SessionFile:   envStr("WECHAT_SESSION_FILE", filepath.Join(cwd, "state.json")),

		HeartbeatInterval:    envInt("HEARTBEAT_INTERVAL", 30),
		ReconnectDelay:       envInt("RECONNECT_DELAY", 5),
		MaxReconnectAttempts: envInt("MAX_RECONNECT_ATTEMPTS", 10),

		MessageWebhookURL:     strings.TrimSpace(os.Getenv("MESSAGE_WEBHOOK_URL")),
		MessageWebhookTimeout: envInt("MESSAGE_WEBHOOK_TIMEOUT", 10),

		ChatbotEnabled:    envBool("CHATBOT_ENABLED", false),
		ChatbotWebhookURL: strings.TrimSpace(os.Getenv("CHATBOT_WEBHOOK_URL")),
		ChatbotTimeout:    envInt("CHATBOT_TIMEOUT", 20),

		HTTPAllowlist: envList("ROBOT_HTTP_ALLOWLIST"),

		TraceEnabled: envBool("WECHAT_TRACE_ENABLED", true),
		TraceRedact:  envBool("WECHAT_TRACE_REDACT", true),
		TraceMaxBody: envInt("WECHAT_TRACE_MAX_BODY", 4096),
		TraceDir:     envStr("WECHAT_TRACE_DIR", filepath.Join(cwd, "trace_logs")),

		ServerLabel:      serverLabel(),
		LoginCallbackURL: strings.TrimSpace(os.Getenv("LOGIN_CALLBACK_URL")),
	}

	for _, dir := range []string{s.DownloadDir, s.PluginsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if s.TraceEnabled {
		if err := os.MkdirAll(s.TraceDir, 0o755); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// EnsureRuntimeFiles creates runtime files that must exist before the
// background loops start, currently just the empty task snapshot.
func (s *Settings) EnsureRuntimeFiles() error {
	if _, err := os.Stat(s.TaskFile); os.IsNotExist(err) {
		return os.WriteFile(s.TaskFile, []byte("[]"), 0o644)
	}
	return nil
}

func serverLabel() string {
	if v := strings.TrimSpace(os.Getenv("ROBOT_SERVER_LABEL")); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
