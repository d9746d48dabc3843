// Package httpapi serves the bridge's REST surface: the Telegram-compatible
// /bot endpoints, the login and trace extensions, and every route the
// plugins contribute.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"filehelper/config"
	"filehelper/internal/background"
	"filehelper/internal/plugin"
	"filehelper/internal/processor"
	"filehelper/internal/store"
	"filehelper/internal/wechat"
)

// Engine is the protocol surface the HTTP handlers need.
type Engine interface {
	LoginQR(ctx context.Context) ([]byte, error)
	LoginStatusDetail() map[string]any
	CheckLogin(ctx context.Context, poll bool) bool
	IsLoggedIn() bool
	HasAuth() bool
	UIN() string
	SendText(ctx context.Context, text string) (string, error)
	SendFile(ctx context.Context, path string) (string, error)
	LatestMessages(ctx context.Context, limit int) ([]wechat.Message, error)
	SaveSession() error
	DebugSnapshot() map[string]any
	Trace() *wechat.Recorder
}

// Server mounts every route and owns the listener lifecycle.
type Server struct {
	cfg       *config.Settings
	engine    Engine
	proc      *processor.Processor
	store     *store.Store
	registry  *plugin.Registry
	stability *background.State
	router    chi.Router
}

func New(cfg *config.Settings, engine Engine, proc *processor.Processor, st *store.Store, registry *plugin.Registry, stability *background.State) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		proc:      proc,
		store:     st,
		registry:  registry,
		stability: stability,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the composed router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/qr", s.handleQR)
	r.Get("/login/status", s.handleLoginStatus)
	r.Post("/send", s.handleSendSimple)
	r.Post("/upload", s.handleUpload)
	r.Get("/messages", s.handleMessages)
	r.Post("/save_session", s.handleSaveSession)
	r.Post("/wechat/session/save", s.handleSaveSession)

	r.Get("/wechat/trace/status", s.handleTraceStatus)
	r.Get("/wechat/trace/recent", s.handleTraceRecent)
	r.Post("/wechat/trace/clear", s.handleTraceClear)

	r.Get("/files", s.handleFiles)

	r.Route("/bot", func(r chi.Router) {
		r.Get("/getUpdates", s.handleGetUpdates)
		r.Post("/sendMessage", s.handleSendMessage)
		r.Post("/sendDocument", s.handleSendDocument)
		r.Post("/sendPhoto", s.handleSendPhoto)
		r.Get("/getMe", s.handleGetMe)
		r.Get("/getChat", s.handleGetChat)
		r.Post("/setWebhook", s.handleSetWebhook)
		r.Post("/deleteWebhook", s.handleDeleteWebhook)
		r.Get("/getWebhookInfo", s.handleGetWebhookInfo)
		r.Get("/getFile", s.handleGetFile)
	})

	fileServer := http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.DownloadDir)))
	r.Get("/static/*", fileServer.ServeHTTP)

	for _, route := range s.registry.Routes() {
		r.Method(route.Method, route.Path, route.Handler)
		log.Debug().Str("method", route.Method).Str("path", route.Path).Str("name", route.Name).Msg("plugin route mounted")
	}
	return r
}

// accessLogger is a zerolog request logger in the chi middleware shape.
func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// === extensions ===

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   config.AppName,
		"version":   config.Version,
		"backend":   "direct-protocol",
		"logged_in": s.engine.CheckLogin(r.Context(), false),
		"login":     s.engine.LoginStatusDetail(),
		"framework": s.proc.State(),
		"stability": s.stability.Overview(),
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if s.engine.HasAuth() && s.engine.IsLoggedIn() {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "Already logged in")
		return
	}

	png, err := s.engine.LoginQR(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(png) == 0 {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "Already logged in")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) handleLoginStatus(w http.ResponseWriter, r *http.Request) {
	if queryBool(r, "auto_poll", true) {
		s.engine.CheckLogin(r.Context(), true)
	}
	writeJSON(w, http.StatusOK, s.engine.LoginStatusDetail())
}

func (s *Server) handleSendSimple(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Content == "" {
		writeDetail(w, http.StatusBadRequest, "content is required")
		return
	}
	if !s.engine.CheckLogin(r.Context(), false) {
		writeDetail(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if _, err := s.engine.SendText(r.Context(), payload.Content); err != nil {
		writeDetail(w, http.StatusInternalServerError, "send_text failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": map[string]any{"text": payload.Content}})
}

// handleUpload receives a multipart file, stages it in a temp file and
// forwards it upstream.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.engine.CheckLogin(r.Context(), false) {
		writeDetail(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "upload_*"+filepath.Ext(header.Filename))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	tmp.Close()

	if _, err := s.engine.SendFile(r.Context(), tmpPath); err != nil {
		writeDetail(w, http.StatusInternalServerError, "send_file failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "filename": header.Filename})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	msgs, err := s.engine.LatestMessages(r.Context(), limit)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []wechat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": msgs})
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	err := s.engine.SaveSession()
	if err != nil {
		log.Warn().Err(err).Msg("session save failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": err == nil})
}

func (s *Server) handleTraceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Trace().Status())
}

func (s *Server) handleTraceRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	rows, err := s.engine.Trace().Recent(limit)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(rows), "rows": rows})
}

func (s *Server) handleTraceClear(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Trace().Clear(); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	files, err := s.store.GetFiles(limit, offset)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []store.StoredFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": files})
}

// === Telegram-compatible endpoints ===

func (s *Server) handleGetUpdates(w http.ResponseWriter, r *http.Request) {
	offset := int64(queryInt(r, "offset", 0))
	limit := queryInt(r, "limit", 100)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	updates, err := s.proc.GetUpdates(offset, limit)
	if err != nil {
		writeJSON(w, http.StatusOK, tgError(500, err.Error()))
		return
	}
	if updates == nil {
		updates = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": updates})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.engine.CheckLogin(r.Context(), false) {
		writeJSON(w, http.StatusOK, tgError(401, "Unauthorized"))
		return
	}

	var payload struct {
		Text             string          `json:"text"`
		ReplyToMessageID json.RawMessage `json:"reply_to_message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Text == "" {
		writeJSON(w, http.StatusOK, tgError(400, "Bad Request: text is required"))
		return
	}

	writeJSON(w, http.StatusOK, s.proc.SendMessage(r.Context(), payload.Text, rawToString(payload.ReplyToMessageID)))
}

func (s *Server) handleSendDocument(w http.ResponseWriter, r *http.Request) {
	s.sendAttachment(w, r, "document")
}

func (s *Server) handleSendPhoto(w http.ResponseWriter, r *http.Request) {
	s.sendAttachment(w, r, "photo")
}

// sendAttachment implements sendDocument and sendPhoto, both of which
// resolve to a file upload plus an optional caption message.
func (s *Server) sendAttachment(w http.ResponseWriter, r *http.Request, field string) {
	if !s.engine.CheckLogin(r.Context(), false) {
		writeJSON(w, http.StatusOK, tgError(401, "Unauthorized"))
		return
	}

	var payload struct {
		Document         string          `json:"document"`
		Photo            string          `json:"photo"`
		FilePath         string          `json:"file_path"`
		Caption          string          `json:"caption"`
		ReplyToMessageID json.RawMessage `json:"reply_to_message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusOK, tgError(400, "Bad Request: invalid body"))
		return
	}

	path := payload.Document
	if field == "photo" {
		path = payload.Photo
	}
	if path == "" {
		path = payload.FilePath
	}
	if path == "" {
		writeJSON(w, http.StatusOK, tgError(400, "Bad Request: "+field+" is required"))
		return
	}

	result := s.proc.SendDocument(r.Context(), path, rawToString(payload.ReplyToMessageID))
	if ok, _ := result["ok"].(bool); ok && payload.Caption != "" {
		s.proc.SendMessage(r.Context(), payload.Caption, "")
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"result": map[string]any{
			"id":                          s.numericUIN(),
			"is_bot":                      true,
			"first_name":                  "文件传输助手",
			"username":                    "filehelper",
			"can_join_groups":             false,
			"can_read_all_group_messages": false,
			"supports_inline_queries":     false,
		},
	})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"result": map[string]any{
			"id":         s.numericUIN(),
			"type":       "private",
			"first_name": "文件传输助手",
			"username":   "filehelper",
		},
	})
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL string `json:"url"`
	}
	// TG clients send either a JSON body or a url query parameter.
	_ = json.NewDecoder(r.Body).Decode(&payload)
	if payload.URL == "" {
		payload.URL = r.URL.Query().Get("url")
	}

	s.proc.SetMessageWebhookURL(payload.URL)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": true, "description": "Webhook was set"})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	s.proc.SetMessageWebhookURL("")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": true})
}

func (s *Server) handleGetWebhookInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"result": map[string]any{
			"url":                    s.proc.MessageWebhookURL(),
			"has_custom_certificate": false,
			"pending_update_count":   0,
			"max_connections":        40,
			"ip_address":             nil,
		},
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("file_id")
	if fileID == "" {
		writeJSON(w, http.StatusOK, tgError(400, "Bad Request: file_id is required"))
		return
	}

	row, err := s.store.GetFileByMsgID(fileID)
	if err != nil || row == nil {
		writeJSON(w, http.StatusOK, tgError(400, "Bad Request: file not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"result": map[string]any{
			"file_id":        row.MsgID,
			"file_unique_id": row.MsgID,
			"file_size":      row.FileSize,
			"file_path":      row.FilePath,
		},
	})
}

// === helpers ===

func (s *Server) numericUIN() int64 {
	n, err := strconv.ParseInt(s.engine.UIN(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func tgError(code int, description string) map[string]any {
	return map[string]any{"ok": false, "error_code": code, "description": description}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string, def bool) bool {
	switch r.URL.Query().Get(key) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// rawToString renders a reply_to_message_id that may arrive as either a
// JSON string or a number.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var num int64
	if err := json.Unmarshal(raw, &num); err == nil {
		return strconv.FormatInt(num, 10)
	}
	return ""
}
