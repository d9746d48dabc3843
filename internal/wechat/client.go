// Package wechat implements a stateful client for the web protocol behind
// the file transfer assistant: QR login, long-poll sync, message send,
// media upload/download, session persistence and redaction-aware tracing.
package wechat

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	mmwebAppID = "wx_webfilehelper"

	// toUserName is the only conversation this client speaks to.
	toUserName = "filehelper"

	lang = "zh_CN"

	// qrcodeHost serves the login QR PNG for a given uuid.
	qrcodeHost = "login.weixin.qq.com"

	// uuidMaxAge is how long a login uuid stays scannable.
	uuidMaxAge = 240 * time.Second

	msgCacheCap = 200
	rawByIDCap  = 500
	seenIDsCap  = 5000
	sentIDsCap  = 200
)

// Options configures a protocol engine.
type Options struct {
	EntryHost        string
	StatePath        string
	LoginCallbackURL string
	Trace            TraceOptions
}

// Engine is the protocol client. All exported methods are safe for
// concurrent use; session state and the bounded caches sit behind one
// mutex, and send operations are additionally serialized.
type Engine struct {
	opts     Options
	client   *resty.Client
	recorder *Recorder

	mu     sync.Mutex
	sendMu sync.Mutex

	// scheme is https in production; tests point it at plain-http fakes.
	scheme     string
	entryHost  string
	loginHost  string
	fileHost   string
	qrcodeHost string

	deviceID string
	uuid     string
	uuidTS   time.Time

	skey       string
	sid        string
	uin        string
	passTicket string
	userName   string

	synckey  syncKey
	loggedIn bool

	lastLoginCode    int
	lastLoginMessage string

	loginCallbackSent bool

	// Cookies observed on responses, kept so the session file can record
	// them with domain/path/expires (the stdlib jar does not enumerate).
	cookieRecords map[string]sessionCookie

	msgCache *msgRing
	rawByID  *limitedMap[addMsg]
	seenIDs  *limitedSet
	sentIDs  *limitedSet
}

// NewEngine builds an engine around a resty client with a cookie jar and the
// trace recorder installed as its transport.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		opts:             opts,
		scheme:           "https",
		entryHost:        opts.EntryHost,
		qrcodeHost:       qrcodeHost,
		deviceID:         genDeviceID(),
		lastLoginMessage: "init",
		cookieRecords:    make(map[string]sessionCookie),
		msgCache:         newMsgRing(msgCacheCap),
		rawByID:          newLimitedMap[addMsg](rawByIDCap),
		seenIDs:          newLimitedSet(seenIDsCap),
		sentIDs:          newLimitedSet(sentIDsCap),
	}
	e.loginHost, e.fileHost = resolveHosts(e.entryHost)

	e.recorder = NewRecorder(opts.Trace, http.DefaultTransport)

	client := resty.New().
		SetTimeout(40 * time.Second).
		SetTransport(e.recorder).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("mmweb_appid", mmwebAppID)
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		e.recordCookies(resp)
		return nil
	})
	e.client = client
	return e
}

// resolveHosts maps the entry host to its login and file hosts. Unknown
// entries fall back to the wx.qq.com pair.
func resolveHosts(host string) (loginHost, fileHost string) {
	switch {
	case strings.Contains(host, "cmfilehelper.weixin"):
		return "login.wx8.qq.com", "file.wx8.qq.com"
	case strings.Contains(host, "szfilehelper.weixin.qq.com"):
		return "login.wx2.qq.com", "file.wx2.qq.com"
	default:
		return "login.wx.qq.com", "file.wx.qq.com"
	}
}

// Start loads the persisted session and probes the cached credentials
// without polling the login host.
func (e *Engine) Start(ctx context.Context) error {
	if e.recorder.Enabled() {
		if err := e.recorder.EnsureDir(); err != nil {
			return fmt.Errorf("trace dir: %w", err)
		}
	}
	if err := e.LoadSession(); err != nil {
		log.Warn().Err(err).Msg("could not load session, starting fresh")
	}
	e.CheckLogin(ctx, false)
	return nil
}

// Stop flushes the trace buffer and persists the session.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.recorder.Flush(); err != nil {
		log.Warn().Err(err).Msg("trace flush on stop failed")
	}
	if err := e.SaveSession(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// RunTraceFlusher periodically drains the trace buffer to disk. It blocks
// until the context is cancelled.
func (e *Engine) RunTraceFlusher(ctx context.Context) {
	e.recorder.Run(ctx)
}

// Trace exposes the recorder for the trace inspection endpoints.
func (e *Engine) Trace() *Recorder { return e.recorder }

// IsLoggedIn reports the cached login flag without touching the network.
func (e *Engine) IsLoggedIn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loggedIn
}

// SetLoggedOut clears the login flag. Supervision calls this when a
// heartbeat observes a loginout retcode.
func (e *Engine) SetLoggedOut() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loggedIn = false
	e.lastLoginMessage = "logged_out"
}

// UIN returns the numeric user id as a string, empty before login.
func (e *Engine) UIN() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uin
}

// UserName returns the upstream identifier assigned to the robot itself.
func (e *Engine) UserName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userName
}

// SelfSent reports whether the engine produced the given upstream id.
func (e *Engine) SelfSent(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sentIDs.Has(id)
}

// hasAuthLocked reports whether all four tokens are present. Callers must
// hold e.mu.
func (e *Engine) hasAuthLocked() bool {
	return e.skey != "" && e.sid != "" && e.uin != "" && e.passTicket != ""
}

// HasAuth reports whether the engine holds a complete credential set.
func (e *Engine) HasAuth() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasAuthLocked()
}

// DebugSnapshot is a small JSON-ready view of the engine used by the
// overview endpoint.
func (e *Engine) DebugSnapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"mode":         "direct_protocol",
		"entry_host":   e.entryHost,
		"login_host":   e.loginHost,
		"file_host":    e.fileHost,
		"is_logged_in": e.loggedIn,
		"uin":          e.uin,
		"user_name":    e.userName,
		"has_uuid":     e.uuid != "",
	}
}

func (e *Engine) recordCookies(resp *resty.Response) {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}
	host := ""
	if u, err := url.Parse(resp.Request.URL); err == nil {
		host = u.Hostname()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = host
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		rec := sessionCookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: domain,
			Path:   path,
		}
		if !c.Expires.IsZero() {
			rec.Expires = c.Expires.Unix()
		}
		e.cookieRecords[c.Name] = rec
	}
}

// cookieValue returns the most recently observed value for a cookie name.
func (e *Engine) cookieValue(name string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.cookieRecords[name]; ok {
		return rec.Value
	}
	return ""
}

func (e *Engine) baseRequestLocked() baseRequest {
	uin, _ := strconv.ParseInt(e.uin, 10, 64)
	return baseRequest{
		Uin:      uin,
		Sid:      e.sid,
		Skey:     e.skey,
		DeviceID: e.deviceID,
	}
}

// handleError folds transport errors and non-2xx statuses into one error,
// since resty leaves error statuses with a nil error.
func handleError(resp *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return resp, err
	}
	if resp.IsError() {
		return resp, fmt.Errorf("request failed: %s %s (status: %d)",
			resp.Request.Method, resp.Request.URL, resp.StatusCode())
	}
	return resp, nil
}

func genDeviceID() string {
	b := make([]byte, 15)
	for i := range b {
		b[i] = byte('0' + rand.Intn(10))
	}
	return string(b)
}

// genMsgID produces a client message id: millisecond timestamp plus three
// random digits, matching what the web client sends.
func genMsgID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + strconv.Itoa(100+rand.Intn(900))
}

func randomString(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// regexGroup returns the first capture group of pattern in text, or "".
func regexGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
