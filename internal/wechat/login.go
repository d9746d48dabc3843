package wechat

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	uuidRe     = regexp.MustCompile(`window\.QRLogin\.uuid\s*=\s*"([^"]+)"`)
	codeRe     = regexp.MustCompile(`window\.code\s*=\s*(\d+)`)
	redirectRe = regexp.MustCompile(`window\.redirect_uri\s*=\s*"([^"]+)"`)

	skeyXMLRe       = regexp.MustCompile(`(?s)<skey>(.*?)</skey>`)
	sidXMLRe        = regexp.MustCompile(`(?s)<wxsid>(.*?)</wxsid>`)
	uinXMLRe        = regexp.MustCompile(`(?s)<wxuin>(.*?)</wxuin>`)
	passTicketXMLRe = regexp.MustCompile(`(?s)<pass_ticket>(.*?)</pass_ticket>`)
)

func (e *Engine) urlFor(host, path string) string {
	e.mu.Lock()
	scheme := e.scheme
	e.mu.Unlock()
	return scheme + "://" + host + path
}

// LoginQR returns the PNG bytes of a scannable login QR code, minting a new
// uuid when none exists or the current one is older than its scan window.
// An already-authenticated engine returns nil bytes.
func (e *Engine) LoginQR(ctx context.Context) ([]byte, error) {
	if e.CheckLogin(ctx, false) {
		return nil, nil
	}

	e.mu.Lock()
	stale := e.uuid == "" || time.Since(e.uuidTS) > uuidMaxAge
	e.mu.Unlock()
	if stale {
		if err := e.freshUUID(ctx); err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.lastLoginMessage = "qr_ready"
		e.mu.Unlock()
	}

	e.mu.Lock()
	uuid := e.uuid
	host := e.qrcodeHost
	e.mu.Unlock()

	resp, err := handleError(e.client.R().
		SetContext(ctx).
		Get(e.urlFor(host, "/qrcode/"+url.PathEscape(uuid))))
	if err != nil {
		return nil, fmt.Errorf("fetch qr: %w", err)
	}
	return resp.Body(), nil
}

// freshUUID calls jslogin and stores the minted uuid with its timestamp.
func (e *Engine) freshUUID(ctx context.Context) error {
	e.mu.Lock()
	entryHost := e.entryHost
	loginHost := e.loginHost
	scheme := e.scheme
	e.mu.Unlock()

	redirectURI := url.QueryEscape(scheme + "://" + entryHost + "/cgi-bin/mmwebwx-bin/webwxnewloginpage")
	target := fmt.Sprintf("%s://%s/jslogin?appid=%s&redirect_uri=%s&fun=new&lang=%s&_=%d",
		scheme, loginHost, mmwebAppID, redirectURI, lang, time.Now().UnixMilli())

	resp, err := handleError(e.client.R().SetContext(ctx).Get(target))
	if err != nil {
		return fmt.Errorf("jslogin: %w", err)
	}

	uuid := regexGroup(uuidRe, resp.String())
	if uuid == "" {
		return fmt.Errorf("jslogin: no uuid in response %q", clip(resp.String(), 200))
	}

	e.mu.Lock()
	e.uuid = uuid
	e.uuidTS = time.Now()
	e.mu.Unlock()
	log.Info().Str("uuid", uuid).Msg("login uuid minted")
	return nil
}

// pollLoginOnce asks the login host once whether the current uuid has been
// scanned. It returns the upstream status code; 200 means authorized and the
// handoff has already been completed.
func (e *Engine) pollLoginOnce(ctx context.Context) int {
	e.mu.Lock()
	uuid := e.uuid
	loginHost := e.loginHost
	scheme := e.scheme
	e.mu.Unlock()
	if uuid == "" {
		return 0
	}

	now := time.Now()
	target := fmt.Sprintf("%s://%s/cgi-bin/mmwebwx-bin/login?loginicon=true&uuid=%s&tip=1&r=%d&_=%d&appid=%s",
		scheme, loginHost, url.QueryEscape(uuid), ^now.Unix(), now.UnixMilli(), mmwebAppID)

	resp, err := handleError(e.client.R().SetContext(ctx).Get(target))
	if err != nil {
		log.Warn().Err(err).Msg("login poll failed")
		return 0
	}
	body := resp.String()

	code, _ := strconv.Atoi(regexGroup(codeRe, body))

	e.mu.Lock()
	e.lastLoginCode = code
	e.mu.Unlock()

	switch code {
	case loginCodeAuthorized:
		if redirect := regexGroup(redirectRe, body); redirect != "" {
			if err := e.completeLogin(ctx, redirect); err != nil {
				log.Error().Err(err).Msg("login handoff failed")
			}
		}
		e.setLoginMessage("authorized")
	case loginCodeScanned:
		e.setLoginMessage("scanned_wait_confirm")
	case loginCodeWaitingScan:
		e.setLoginMessage("qr_wait_scan")
	default:
		// 400, 500 and unparseable bodies all mean the uuid is dead.
		e.mu.Lock()
		e.uuid = ""
		e.lastLoginMessage = "qr_expired"
		e.mu.Unlock()
	}
	return code
}

func (e *Engine) setLoginMessage(msg string) {
	e.mu.Lock()
	e.lastLoginMessage = msg
	e.mu.Unlock()
}

// completeLogin follows the authorized redirect: it re-homes the engine onto
// the handed-off entry host, exchanges the ticket for the four session tokens
// and runs webwxinit. Token extraction is all-or-nothing.
func (e *Engine) completeLogin(ctx context.Context, redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("parse redirect: %w", err)
	}
	query := parsed.Query()

	e.mu.Lock()
	domain := parsed.Host
	if domain == "" {
		domain = e.entryHost
	}
	e.entryHost = domain
	e.loginHost, e.fileHost = resolveHosts(domain)
	uuid := e.uuid
	e.mu.Unlock()

	if query.Get("uuid") != "" {
		uuid = query.Get("uuid")
	}
	langParam := query.Get("lang")
	if langParam == "" {
		langParam = lang
	}

	resp, err := handleError(e.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fun":     "new",
			"version": "v2",
			"ticket":  query.Get("ticket"),
			"uuid":    uuid,
			"lang":    langParam,
			"scan":    query.Get("scan"),
		}).
		Get(e.urlFor(domain, "/cgi-bin/mmwebwx-bin/webwxnewloginpage")))
	if err != nil {
		return fmt.Errorf("webwxnewloginpage: %w", err)
	}

	xml := resp.String()
	skey := regexGroup(skeyXMLRe, xml)
	sid := regexGroup(sidXMLRe, xml)
	uin := regexGroup(uinXMLRe, xml)
	passTicket := regexGroup(passTicketXMLRe, xml)
	if skey == "" || sid == "" || uin == "" || passTicket == "" {
		return fmt.Errorf("webwxnewloginpage: missing auth fields")
	}

	e.mu.Lock()
	e.skey = skey
	e.sid = sid
	e.uin = uin
	e.passTicket = passTicket
	e.mu.Unlock()

	if err := e.webwxinit(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.loggedIn = true
	e.lastLoginCode = loginCodeAuthorized
	e.lastLoginMessage = "logged_in"
	e.loginCallbackSent = false
	e.mu.Unlock()
	log.Info().Str("entry_host", domain).Msg("login complete")
	return nil
}

// webwxinit fetches the robot's own identity and the initial sync cursor.
func (e *Engine) webwxinit(ctx context.Context) error {
	e.mu.Lock()
	entryHost := e.entryHost
	passTicket := e.passTicket
	base := e.baseRequestLocked()
	e.mu.Unlock()

	var out initResponse
	_, err := handleError(e.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"r":           strconv.FormatInt(^time.Now().UnixMilli(), 10),
			"lang":        lang,
			"pass_ticket": passTicket,
		}).
		SetBody(map[string]any{"BaseRequest": base}).
		SetResult(&out).
		ForceContentType("application/json").
		Post(e.urlFor(entryHost, "/cgi-bin/mmwebwx-bin/webwxinit")))
	if err != nil {
		return fmt.Errorf("webwxinit: %w", err)
	}
	if out.BaseResponse.Ret != 0 {
		return fmt.Errorf("webwxinit: ret %d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}

	e.mu.Lock()
	if out.User.UserName != "" {
		e.userName = out.User.UserName
	}
	if out.User.Uin != 0 {
		e.uin = strconv.FormatInt(out.User.Uin, 10)
	}
	e.synckey = out.SyncKey
	e.mu.Unlock()
	return nil
}

// CheckLogin reports whether the engine is authenticated. With poll=false it
// only inspects cached tokens; with poll=true it verifies them against the
// sync host and, failing that, polls the login host for a QR scan.
func (e *Engine) CheckLogin(ctx context.Context, poll bool) bool {
	if e.HasAuth() {
		if !poll {
			e.mu.Lock()
			e.loggedIn = true
			e.lastLoginCode = loginCodeAuthorized
			switch e.lastLoginMessage {
			case "init", "need_qr", "qr_expired":
				e.lastLoginMessage = "logged_in_cached"
			}
			e.mu.Unlock()
			return true
		}

		status := e.SyncCheck(ctx)
		if status == SyncHasMsg {
			if _, err := e.webwxsync(ctx); err != nil {
				log.Warn().Err(err).Msg("sync during login check failed")
			}
		}
		// SyncResync covers transport blips; the session stays valid
		// until the host answers loginout.
		if status != SyncLoginOut {
			e.mu.Lock()
			e.loggedIn = true
			e.lastLoginCode = loginCodeAuthorized
			e.lastLoginMessage = "logged_in"
			e.mu.Unlock()
			e.notifyLoginCallback(ctx)
			return true
		}
	}

	hasUUID := false
	e.mu.Lock()
	hasUUID = e.uuid != ""
	e.mu.Unlock()

	if poll && hasUUID {
		if e.pollLoginOnce(ctx) == loginCodeAuthorized {
			e.mu.Lock()
			e.loggedIn = true
			e.lastLoginMessage = "logged_in"
			e.mu.Unlock()
			e.notifyLoginCallback(ctx)
			if err := e.SaveSession(); err != nil {
				log.Warn().Err(err).Msg("session save after login failed")
			}
			return true
		}
	}

	e.mu.Lock()
	e.loggedIn = false
	if e.uuid == "" {
		e.lastLoginMessage = "need_qr"
	}
	e.mu.Unlock()
	return false
}

// LoginStatusDetail is the JSON body of the login status endpoint.
func (e *Engine) LoginStatusDetail() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var uuidAge any
	if !e.uuidTS.IsZero() {
		uuidAge = int(time.Since(e.uuidTS).Seconds())
	}
	trace := e.recorder.Status()
	return map[string]any{
		"logged_in":        e.loggedIn,
		"code":             e.lastLoginCode,
		"status":           e.lastLoginMessage,
		"has_uuid":         e.uuid != "",
		"uuid":             e.uuid,
		"uuid_age_seconds": uuidAge,
		"entry_host":       e.entryHost,
		"login_host":       e.loginHost,
		"trace_enabled":    trace.Enabled,
		"trace_file":       trace.File,
	}
}

// notifyLoginCallback posts a one-shot login event to the configured URL.
// The flag rearms on every fresh login handoff.
func (e *Engine) notifyLoginCallback(ctx context.Context) {
	e.mu.Lock()
	if e.opts.LoginCallbackURL == "" || e.loginCallbackSent || !e.loggedIn {
		e.mu.Unlock()
		return
	}
	payload := map[string]any{
		"event":      "login_success",
		"uin":        e.uin,
		"user_name":  e.userName,
		"entry_host": e.entryHost,
		"ts":         time.Now().Unix(),
	}
	callbackURL := e.opts.LoginCallbackURL
	e.mu.Unlock()

	resp, err := e.client.R().SetContext(ctx).SetBody(payload).Post(callbackURL)
	if err != nil || resp.IsError() {
		log.Warn().Err(err).Str("url", callbackURL).Msg("login callback failed")
		return
	}
	e.mu.Lock()
	e.loginCallbackSent = true
	e.mu.Unlock()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
