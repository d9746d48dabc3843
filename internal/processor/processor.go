// Package processor dispatches normalized messages through the plugin
// registry and exposes Telegram-styled send/update helpers on top of the
// message store.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"filehelper/internal/plugin"
	"filehelper/internal/store"
	"filehelper/internal/wechat"
)

// Options wires a Processor.
type Options struct {
	ServerLabel           string
	DownloadDir           string
	ChatEnabled           bool
	ChatWebhookURL        string
	ChatTimeout           time.Duration
	MessageWebhookURL     string
	MessageWebhookTimeout time.Duration
	HTTPAllowlist         []string
}

// Processor is the dispatcher. It implements plugin.Framework.
type Processor struct {
	opts      Options
	bot       plugin.Bot
	store     *store.Store
	registry  *plugin.Registry
	loader    *plugin.Loader
	client    *resty.Client
	startedAt time.Time

	mu                sync.Mutex
	chatEnabled       bool
	messageWebhookURL string
	tasks             plugin.TaskRunner
}

func New(opts Options, bot plugin.Bot, st *store.Store, registry *plugin.Registry, loader *plugin.Loader) *Processor {
	return &Processor{
		opts:              opts,
		bot:               bot,
		store:             st,
		registry:          registry,
		loader:            loader,
		client:            resty.New().SetTimeout(30 * time.Second),
		startedAt:         time.Now(),
		chatEnabled:       opts.ChatEnabled,
		messageWebhookURL: opts.MessageWebhookURL,
	}
}

// SetTasks installs the scheduler handle after construction; the scheduler
// itself dispatches through this processor.
func (p *Processor) SetTasks(tasks plugin.TaskRunner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = tasks
}

// Tasks returns the scheduler handle.
func (p *Processor) Tasks() plugin.TaskRunner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks
}

// Store exposes the message store to plugins.
func (p *Processor) Store() *store.Store { return p.store }

// Loader exposes plugin load status.
func (p *Processor) Loader() *plugin.Loader { return p.loader }

// Registry exposes the command table, used by /help to render it.
func (p *Processor) Registry() *plugin.Registry { return p.registry }

// ServerLabel identifies this deployment in replies and webhook payloads.
func (p *Processor) ServerLabel() string { return p.opts.ServerLabel }

// DownloadDir is where relative /sendfile paths resolve.
func (p *Processor) DownloadDir() string { return p.opts.DownloadDir }

// ChatWebhookConfigured reports whether chat fallback goes to a webhook.
func (p *Processor) ChatWebhookConfigured() bool { return p.opts.ChatWebhookURL != "" }

// PluginStatus reports loader state.
func (p *Processor) PluginStatus() map[string]any { return p.loader.Status() }

// ReloadPlugins re-runs plugin setup and returns the new status.
func (p *Processor) ReloadPlugins() map[string]any {
	p.loader.Reload()
	return p.loader.Status()
}

// FetchURL performs an allowlisted outbound GET and returns status plus
// body text.
func (p *Processor) FetchURL(ctx context.Context, rawURL string) (int, string, error) {
	resp, err := p.client.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode(), resp.String(), nil
}

// Uptime is seconds since construction.
func (p *Processor) Uptime() float64 { return time.Since(p.startedAt).Seconds() }

// ChatMode reports whether unmatched text falls through to the chat
// backend.
func (p *Processor) ChatMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chatEnabled
}

// SetChatMode toggles the chat fallback.
func (p *Processor) SetChatMode(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chatEnabled = enabled
}

// MessageWebhookURL returns the current message push target.
func (p *Processor) MessageWebhookURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messageWebhookURL
}

// SetMessageWebhookURL changes the push target at runtime; empty disables.
func (p *Processor) SetMessageWebhookURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messageWebhookURL = strings.TrimSpace(url)
}

// Process handles one incoming message end to end: persist, webhook push,
// then dispatch. The returned string is the reply to send back, empty for
// none.
func (p *Processor) Process(ctx context.Context, msg wechat.Message) string {
	p.saveToStore(msg)
	p.pushToWebhook(ctx, msg)

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return ""
	}
	if strings.EqualFold(text, "#ping#") {
		return "Pong!"
	}
	return p.Dispatch(ctx, msg, true)
}

// Dispatch runs the text of msg through message handlers, then the command
// table, then optionally the chat fallback.
func (p *Processor) Dispatch(ctx context.Context, msg wechat.Message, allowChat bool) string {
	raw := strings.TrimSpace(msg.Text)
	if raw == "" {
		return ""
	}

	isCommand := strings.HasPrefix(raw, "/")
	if isCommand {
		raw = strings.TrimSpace(raw[1:])
	}
	if raw == "" {
		return ""
	}

	parts := strings.Fields(raw)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	pctx := &plugin.Context{
		Ctx:       ctx,
		Text:      msg.Text,
		Command:   cmd,
		Args:      args,
		Msg:       msg,
		MsgID:     msg.ID,
		IsCommand: isCommand,
		ReplyTo:   msg.ReplyToID,
		Bot:       p.bot,
		Framework: p,
		Tasks:     p.Tasks(),
	}

	for _, h := range p.registry.Handlers() {
		reply, err := h.Handler(pctx)
		if err != nil {
			log.Error().Err(err).Str("handler", h.Name).Msg("message handler failed")
			continue
		}
		if reply != "" {
			return reply
		}
	}

	if command, ok := p.registry.Lookup(cmd); ok {
		reply, err := command.Handler(pctx)
		if err != nil {
			log.Error().Err(err).Str("command", cmd).Msg("command failed")
			return fmt.Sprintf("command failed: %v", err)
		}
		return reply
	}

	if allowChat && p.ChatMode() {
		return p.ChatReply(ctx, raw, msg)
	}
	return ""
}

// ExecuteCommandText runs arbitrary command text on behalf of a scheduled
// task or API caller. The chat fallback stays off: text that matches no
// handler or command returns empty instead of a chat reply.
func (p *Processor) ExecuteCommandText(ctx context.Context, text, source string) string {
	return p.Dispatch(ctx, wechat.Message{ID: source, Text: text}, false)
}

// State is the framework state document.
func (p *Processor) State() map[string]any {
	state := map[string]any{
		"server_label":            p.opts.ServerLabel,
		"chat_enabled":            p.ChatMode(),
		"chat_webhook_enabled":    p.opts.ChatWebhookURL != "",
		"message_webhook_enabled": p.MessageWebhookURL() != "",
		"uptime_seconds":          int(p.Uptime()),
		"plugins":                 p.loader.Status(),
	}
	if tasks := p.Tasks(); tasks != nil {
		list := tasks.List()
		enabled := 0
		for _, t := range list {
			if t.Enabled {
				enabled++
			}
		}
		state["task_count"] = len(list)
		state["enabled_task_count"] = enabled
	}
	if stats, err := p.store.GetStats(); err == nil {
		state["message_store"] = stats
	}
	return state
}

func (p *Processor) saveToStore(msg wechat.Message) {
	if msg.ID == "" {
		return
	}
	raw, _ := json.Marshal(msg)
	_, err := p.store.SaveMessage(store.StoredMessage{
		MsgID:     msg.ID,
		Type:      msg.Kind,
		Text:      msg.Text,
		IsMine:    msg.IsMine,
		FileName:  msg.FileName,
		FilePath:  msg.FilePath,
		FileSize:  msg.FileSize,
		ReplyToID: msg.ReplyToID,
		RawData:   string(raw),
	})
	if err != nil {
		log.Error().Err(err).Str("msg_id", msg.ID).Msg("message persist failed")
	}
}

// pushToWebhook POSTs a Telegram-shaped envelope for every processed
// message. Failures are logged and swallowed.
func (p *Processor) pushToWebhook(ctx context.Context, msg wechat.Message) {
	target := p.MessageWebhookURL()
	if target == "" {
		return
	}

	maxID, err := p.store.MaxID()
	if err != nil {
		log.Warn().Err(err).Msg("max id lookup for webhook failed")
	}
	message := map[string]any{
		"message_id": msg.ID,
		"date":       time.Now().Unix(),
		"text":       msg.Text,
		"type":       msg.Kind,
	}
	if msg.FileName != "" {
		message["document"] = map[string]any{
			"file_name": msg.FileName,
			"file_path": msg.FilePath,
		}
	}

	timeout := p.opts.MessageWebhookTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = p.client.R().
		SetContext(wctx).
		SetBody(map[string]any{"update_id": maxID, "message": message}).
		Post(target)
	if err != nil {
		log.Warn().Err(err).Msg("webhook push failed")
	}
}

// ChatReply forwards unmatched text to the chat webhook when configured,
// falling back to canned responses.
func (p *Processor) ChatReply(ctx context.Context, text string, msg wechat.Message) string {
	if p.opts.ChatWebhookURL != "" {
		from := msg.ID
		if from == "" {
			from = "filehelper"
		}

		timeout := p.opts.ChatTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := p.client.R().
			SetContext(wctx).
			SetBody(map[string]any{
				"message":   text,
				"from":      from,
				"timestamp": time.Now().Unix(),
				"server":    p.opts.ServerLabel,
			}).
			Post(p.opts.ChatWebhookURL)
		if err != nil {
			return fmt.Sprintf("chat webhook request failed: %v", err)
		}
		if resp.IsError() {
			return fmt.Sprintf("chat webhook error: status=%d", resp.StatusCode())
		}

		body := resp.String()
		if strings.Contains(resp.Header().Get("Content-Type"), "application/json") {
			for _, key := range []string{"reply", "content", "text", "message"} {
				if value := gjson.Get(body, key); value.Exists() && value.String() != "" {
					return value.String()
				}
			}
			return body
		}
		if len(body) > 1800 {
			body = body[:1800]
		}
		return body
	}

	normalized := strings.TrimSpace(text)
	switch normalized {
	case "你好", "hello", "hi", "嗨":
		return "你好，我在线。你可以用 /help 查看命令。"
	}
	if strings.HasPrefix(normalized, "状态") {
		if command, ok := p.registry.Lookup("status"); ok {
			reply, err := command.Handler(&plugin.Context{
				Ctx:       ctx,
				Text:      normalized,
				Command:   "status",
				Msg:       msg,
				MsgID:     msg.ID,
				Bot:       p.bot,
				Framework: p,
				Tasks:     p.Tasks(),
			})
			if err == nil {
				return reply
			}
		}
	}
	return "已收到。可开启 CHATBOT_WEBHOOK_URL 接入你的服务器智能回复。"
}

// GetUpdates maps stored rows into Telegram getUpdates envelopes.
func (p *Processor) GetUpdates(offset int64, limit int) ([]map[string]any, error) {
	msgs, err := p.store.GetUpdates(store.UpdatesQuery{Offset: offset, Limit: limit})
	if err != nil {
		return nil, err
	}

	updates := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		message := map[string]any{
			"message_id":  m.MsgID,
			"date":        m.Timestamp,
			"text":        m.Text,
			"type":        m.Type,
			"is_from_bot": m.IsMine,
		}
		if m.FileName != "" {
			message["document"] = map[string]any{
				"file_name": m.FileName,
				"file_path": m.FilePath,
				"file_size": m.FileSize,
			}
		}
		if m.ReplyToID != "" {
			message["reply_to_message_id"] = m.ReplyToID
		}
		updates = append(updates, map[string]any{
			"update_id": m.ID,
			"message":   message,
		})
	}
	return updates, nil
}

// SendMessage delivers text upstream and records the sent row. The result
// follows the Telegram sendMessage envelope.
func (p *Processor) SendMessage(ctx context.Context, text, replyTo string) map[string]any {
	_, err := p.bot.SendText(ctx, text)
	if err != nil {
		log.Warn().Err(err).Msg("send message failed")
		return map[string]any{"ok": false, "error": err.Error()}
	}

	msgID := "sent_" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if _, serr := p.store.SaveMessage(store.StoredMessage{
		MsgID:     msgID,
		Type:      "text",
		Text:      text,
		IsMine:    true,
		ReplyToID: replyTo,
	}); serr != nil {
		log.Warn().Err(serr).Msg("sent message persist failed")
	}

	result := map[string]any{
		"message_id": msgID,
		"date":       time.Now().Unix(),
		"text":       text,
	}
	if replyTo != "" {
		result["reply_to_message_id"] = replyTo
	}
	return map[string]any{"ok": true, "result": result}
}

// SendDocument uploads a local file upstream and records the sent row.
func (p *Processor) SendDocument(ctx context.Context, filePath, replyTo string) map[string]any {
	info, err := os.Stat(filePath)
	if err != nil {
		return map[string]any{"ok": false, "error": "file not found"}
	}

	if _, err := p.bot.SendFile(ctx, filePath); err != nil {
		log.Warn().Err(err).Msg("send document failed")
		return map[string]any{"ok": false, "error": err.Error()}
	}

	name := filepath.Base(filePath)
	msgID := "sent_" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if _, serr := p.store.SaveMessage(store.StoredMessage{
		MsgID:     msgID,
		Type:      "file",
		Text:      "[File: " + name + "]",
		IsMine:    true,
		FileName:  name,
		FilePath:  filePath,
		FileSize:  info.Size(),
		ReplyToID: replyTo,
	}); serr != nil {
		log.Warn().Err(serr).Msg("sent document persist failed")
	}

	result := map[string]any{
		"message_id": msgID,
		"date":       time.Now().Unix(),
		"document": map[string]any{
			"file_name": name,
			"file_size": info.Size(),
		},
	}
	if replyTo != "" {
		result["reply_to_message_id"] = replyTo
	}
	return map[string]any{"ok": true, "result": result}
}

// IsURLAllowed gates outbound fetches initiated from chat commands. With
// an allowlist configured only listed hosts pass; otherwise only
// private-network style hosts are allowed.
func (p *Processor) IsURLAllowed(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false
	}

	if len(p.opts.HTTPAllowlist) > 0 {
		for _, allowed := range p.opts.HTTPAllowlist {
			if host == strings.ToLower(allowed) {
				return true
			}
		}
		return false
	}

	switch {
	case host == "localhost" || host == "127.0.0.1":
		return true
	case strings.HasSuffix(host, ".local"):
		return true
	case strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "192.168.") || strings.HasPrefix(host, "172."):
		return true
	}
	return false
}
