package wechat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// sessionCookie is the persisted form of one cookie.
type sessionCookie struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Domain  string `json:"domain"`
	Path    string `json:"path"`
	Expires int64  `json:"expires,omitempty"`
}

// sessionState is the single JSON document written to the state file.
// Indented UTF-8 to aid diagnostics.
type sessionState struct {
	EntryHost  string          `json:"entry_host"`
	DeviceID   string          `json:"device_id"`
	UUID       string          `json:"uuid"`
	Skey       string          `json:"skey"`
	Sid        string          `json:"sid"`
	Uin        string          `json:"uin"`
	PassTicket string          `json:"pass_ticket"`
	UserName   string          `json:"user_name"`
	SyncKey    syncKey         `json:"synckey"`
	Cookies    []sessionCookie `json:"cookies"`
}

// SaveSession writes the current authentication state to the state file.
func (e *Engine) SaveSession() error {
	e.mu.Lock()
	state := sessionState{
		EntryHost:  e.entryHost,
		DeviceID:   e.deviceID,
		UUID:       e.uuid,
		Skey:       e.skey,
		Sid:        e.sid,
		Uin:        e.uin,
		PassTicket: e.passTicket,
		UserName:   e.userName,
		SyncKey:    e.synckey,
	}
	for _, c := range e.cookieRecords {
		state.Cookies = append(state.Cookies, c)
	}
	e.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(e.opts.StatePath, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// LoadSession restores tokens, the sync cursor and cookies from the state
// file. A missing file is not an error.
func (e *Engine) LoadSession() error {
	data, err := os.ReadFile(e.opts.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session: %w", err)
	}

	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse session: %w", err)
	}

	e.mu.Lock()
	if state.EntryHost != "" {
		e.entryHost = state.EntryHost
		e.loginHost, e.fileHost = resolveHosts(state.EntryHost)
	}
	if state.DeviceID != "" {
		e.deviceID = state.DeviceID
	}
	e.uuid = state.UUID
	e.skey = state.Skey
	e.sid = state.Sid
	e.uin = state.Uin
	e.passTicket = state.PassTicket
	e.userName = state.UserName
	e.synckey = state.SyncKey
	for _, c := range state.Cookies {
		e.cookieRecords[c.Name] = c
	}
	cookies := make([]sessionCookie, 0, len(e.cookieRecords))
	for _, c := range e.cookieRecords {
		cookies = append(cookies, c)
	}
	e.mu.Unlock()

	e.restoreJar(cookies)
	log.Info().Str("path", e.opts.StatePath).Msg("session loaded")
	return nil
}

// restoreJar pushes persisted cookies back into the HTTP client's jar so
// they ride along on the next requests.
func (e *Engine) restoreJar(cookies []sessionCookie) {
	jar := e.client.GetClient().Jar
	if jar == nil {
		return
	}
	byDomain := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" {
			continue
		}
		hc := &http.Cookie{
			Name:  c.Name,
			Value: c.Value,
			Path:  c.Path,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(c.Expires, 0)
		}
		byDomain[domain] = append(byDomain[domain], hc)
	}
	for domain, dc := range byDomain {
		u := &url.URL{Scheme: "https", Host: domain, Path: "/"}
		jar.SetCookies(u, dc)
	}
}
