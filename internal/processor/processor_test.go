package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filehelper/internal/plugin"
	"filehelper/internal/store"
	"filehelper/internal/wechat"
)

type fakeBot struct {
	sentTexts []string
	sentFiles []string
	failSend  bool
}

func (b *fakeBot) SendText(_ context.Context, text string) (string, error) {
	if b.failSend {
		return "", fmt.Errorf("not logged in")
	}
	b.sentTexts = append(b.sentTexts, text)
	return "up-1", nil
}

func (b *fakeBot) SendFile(_ context.Context, path string) (string, error) {
	if b.failSend {
		return "", fmt.Errorf("not logged in")
	}
	b.sentFiles = append(b.sentFiles, path)
	return "up-2", nil
}

func (b *fakeBot) Download(context.Context, string, string) error { return nil }
func (b *fakeBot) IsLoggedIn() bool                               { return !b.failSend }
func (b *fakeBot) UserName() string                               { return "@self" }
func (b *fakeBot) UIN() string                                    { return "777" }
func (b *fakeBot) LoginStatusDetail() map[string]any              { return map[string]any{} }
func (b *fakeBot) DebugSnapshot() map[string]any                  { return map[string]any{} }

func newTestProcessor(t *testing.T, opts Options) (*Processor, *fakeBot, *plugin.Registry) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := plugin.NewRegistry()
	loader := plugin.NewLoader(registry)
	bot := &fakeBot{}
	p := New(opts, bot, st, registry, loader)
	return p, bot, registry
}

func TestProcessPersistsAndPings(t *testing.T) {
	p, _, _ := newTestProcessor(t, Options{})
	ctx := context.Background()

	reply := p.Process(ctx, wechat.Message{ID: "m1", Kind: "text", Text: "#PING#"})
	assert.Equal(t, "Pong!", reply)

	stored, err := p.Store().GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "#PING#", stored.Text)

	// Empty text persists but produces no reply.
	reply = p.Process(ctx, wechat.Message{ID: "m2", Kind: "image", Text: ""})
	assert.Empty(t, reply)
	stored, err = p.Store().GetMessage("m2")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestDispatchHandlerShortCircuit(t *testing.T) {
	p, _, registry := newTestProcessor(t, Options{})

	var order []string
	registry.OnMessage(plugin.MessageHandler{Name: "first", Priority: 100, Handler: func(*plugin.Context) (string, error) {
		order = append(order, "first")
		return "", nil
	}})
	registry.OnMessage(plugin.MessageHandler{Name: "second", Priority: 50, Handler: func(*plugin.Context) (string, error) {
		order = append(order, "second")
		return "intercepted", nil
	}})
	registry.OnMessage(plugin.MessageHandler{Name: "third", Priority: 1, Handler: func(*plugin.Context) (string, error) {
		order = append(order, "third")
		return "never", nil
	}})

	reply := p.Dispatch(context.Background(), wechat.Message{ID: "m1", Text: "anything"}, false)
	assert.Equal(t, "intercepted", reply)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatchCommand(t *testing.T) {
	p, _, registry := newTestProcessor(t, Options{})

	registry.AddCommand(plugin.Command{Name: "echo", Handler: func(ctx *plugin.Context) (string, error) {
		assert.True(t, ctx.IsCommand)
		assert.Equal(t, []string{"a", "b"}, ctx.Args)
		return "echo: " + ctx.Args[0], nil
	}})
	registry.AddCommand(plugin.Command{Name: "broken", Handler: func(*plugin.Context) (string, error) {
		return "", fmt.Errorf("boom")
	}})

	reply := p.Dispatch(context.Background(), wechat.Message{ID: "m1", Text: "/Echo a b"}, false)
	assert.Equal(t, "echo: a", reply)

	reply = p.Dispatch(context.Background(), wechat.Message{ID: "m2", Text: "/broken"}, false)
	assert.Contains(t, reply, "command failed")

	// Unknown command, no chat fallback allowed.
	reply = p.Dispatch(context.Background(), wechat.Message{ID: "m3", Text: "/nope"}, false)
	assert.Empty(t, reply)
}

func TestChatFallbackCanned(t *testing.T) {
	p, _, _ := newTestProcessor(t, Options{ChatEnabled: true})

	reply := p.Dispatch(context.Background(), wechat.Message{ID: "m1", Text: "hello"}, true)
	assert.Contains(t, reply, "/help")

	reply = p.Dispatch(context.Background(), wechat.Message{ID: "m2", Text: "random words"}, true)
	assert.Contains(t, reply, "CHATBOT_WEBHOOK_URL")

	// Chat mode off: nothing comes back.
	p.SetChatMode(false)
	reply = p.Dispatch(context.Background(), wechat.Message{ID: "m3", Text: "random words"}, true)
	assert.Empty(t, reply)
}

func TestChatWebhookReplyExtraction(t *testing.T) {
	var gotPayload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"other":"x","reply":"from webhook"}`)
	}))
	defer ts.Close()

	p, _, _ := newTestProcessor(t, Options{
		ChatEnabled:    true,
		ChatWebhookURL: ts.URL,
		ServerLabel:    "lab",
	})

	reply := p.Dispatch(context.Background(), wechat.Message{ID: "m1", Text: "what is up"}, true)
	assert.Equal(t, "from webhook", reply)
	assert.Equal(t, "what is up", gotPayload["message"])
	assert.Equal(t, "m1", gotPayload["from"])
	assert.Equal(t, "lab", gotPayload["server"])
}

func TestChatWebhookPlainTextAndErrors(t *testing.T) {
	var status int
	var body string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, body)
	}))
	defer ts.Close()

	p, _, _ := newTestProcessor(t, Options{ChatEnabled: true, ChatWebhookURL: ts.URL})

	body = "plain reply"
	reply := p.Dispatch(context.Background(), wechat.Message{ID: "m1", Text: "hi there"}, true)
	assert.Equal(t, "plain reply", reply)

	status = http.StatusBadGateway
	reply = p.Dispatch(context.Background(), wechat.Message{ID: "m2", Text: "hi there"}, true)
	assert.Contains(t, reply, "status=502")
}

func TestMessageWebhookEnvelope(t *testing.T) {
	var payload map[string]any
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		close(done)
	}))
	defer ts.Close()

	p, _, _ := newTestProcessor(t, Options{MessageWebhookURL: ts.URL})

	p.Process(context.Background(), wechat.Message{
		ID: "m1", Kind: "file", Text: "[File: a.pdf]", FileName: "a.pdf", FilePath: "/tmp/a.pdf",
	})
	<-done

	message := payload["message"].(map[string]any)
	assert.Equal(t, "m1", message["message_id"])
	assert.Equal(t, "file", message["type"])
	doc := message["document"].(map[string]any)
	assert.Equal(t, "a.pdf", doc["file_name"])
	// The row was persisted before the push, so update_id reflects it.
	assert.Equal(t, float64(1), payload["update_id"])
}

func TestGetUpdatesEnvelope(t *testing.T) {
	p, _, _ := newTestProcessor(t, Options{})

	p.Process(context.Background(), wechat.Message{ID: "m1", Kind: "text", Text: "one"})
	p.Process(context.Background(), wechat.Message{ID: "m2", Kind: "file", Text: "[File: x]", FileName: "x"})

	updates, err := p.GetUpdates(0, 100)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	first := updates[0]["message"].(map[string]any)
	assert.Equal(t, "m1", first["message_id"])
	assert.Equal(t, "one", first["text"])
	_, hasDoc := first["document"]
	assert.False(t, hasDoc)

	second := updates[1]["message"].(map[string]any)
	_, hasDoc = second["document"]
	assert.True(t, hasDoc)

	// Offset paging consumes the first row.
	updates, err = p.GetUpdates(updates[0]["update_id"].(int64), 100)
	require.NoError(t, err)
	require.Len(t, updates, 1)
}

func TestSendMessageEnvelope(t *testing.T) {
	p, bot, _ := newTestProcessor(t, Options{})

	out := p.SendMessage(context.Background(), "hi", "orig-1")
	assert.Equal(t, true, out["ok"])
	result := out["result"].(map[string]any)
	assert.Equal(t, "hi", result["text"])
	assert.Equal(t, "orig-1", result["reply_to_message_id"])
	assert.Equal(t, []string{"hi"}, bot.sentTexts)

	// The sent row lands in the store marked as ours.
	msgs, err := p.Store().GetLatest(1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsMine)

	bot.failSend = true
	out = p.SendMessage(context.Background(), "hi", "")
	assert.Equal(t, false, out["ok"])
}

func TestSendDocumentEnvelope(t *testing.T) {
	p, bot, _ := newTestProcessor(t, Options{})

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))

	out := p.SendDocument(context.Background(), path, "")
	assert.Equal(t, true, out["ok"])
	result := out["result"].(map[string]any)
	doc := result["document"].(map[string]any)
	assert.Equal(t, "doc.pdf", doc["file_name"])
	assert.Equal(t, int64(5), doc["file_size"])
	assert.Equal(t, []string{path}, bot.sentFiles)

	out = p.SendDocument(context.Background(), filepath.Join(t.TempDir(), "absent"), "")
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "file not found", out["error"])
}

func TestExecuteCommandText(t *testing.T) {
	p, _, registry := newTestProcessor(t, Options{})
	registry.AddCommand(plugin.Command{Name: "version", Handler: func(*plugin.Context) (string, error) {
		return "v1", nil
	}})

	assert.Equal(t, "v1", p.ExecuteCommandText(context.Background(), "/version", "api"))
}

func TestExecuteCommandTextSkipsChatFallback(t *testing.T) {
	p, _, _ := newTestProcessor(t, Options{ChatEnabled: true})

	// A scheduled task whose command no longer exists must stay silent
	// instead of sending a chat reply upstream every day.
	assert.Empty(t, p.ExecuteCommandText(context.Background(), "/no_such_command at all", "task:task_1"))
	assert.Empty(t, p.ExecuteCommandText(context.Background(), "free text question", "api_execute"))
}

func TestIsURLAllowed(t *testing.T) {
	p, _, _ := newTestProcessor(t, Options{})

	assert.True(t, p.IsURLAllowed("http://localhost:8000/hook"))
	assert.True(t, p.IsURLAllowed("http://192.168.1.5/x"))
	assert.True(t, p.IsURLAllowed("https://nas.local/x"))
	assert.False(t, p.IsURLAllowed("https://example.com/x"))
	assert.False(t, p.IsURLAllowed("ftp://localhost/x"))

	allow, _, _ := newTestProcessor(t, Options{HTTPAllowlist: []string{"example.com"}})
	assert.True(t, allow.IsURLAllowed("https://example.com/x"))
	assert.False(t, allow.IsURLAllowed("http://localhost/x"))
}
