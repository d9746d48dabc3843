package wechat

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	retcodeRe  = regexp.MustCompile(`retcode\s*:\s*"?(\d+)"?`)
	selectorRe = regexp.MustCompile(`selector\s*:\s*"?(\d+)"?`)
)

// SyncCheck performs one synccheck round and classifies the outcome.
// Transport failures map to SyncResync so supervision retries instead of
// discarding the session.
func (e *Engine) SyncCheck(ctx context.Context) SyncStatus {
	e.mu.Lock()
	if e.skey == "" || e.sid == "" || e.uin == "" {
		e.mu.Unlock()
		return SyncLoginOut
	}
	entryHost := e.entryHost
	params := map[string]string{
		"r":           strconv.FormatInt(time.Now().UnixMilli(), 10),
		"skey":        e.skey,
		"sid":         e.sid,
		"uin":         e.uin,
		"deviceid":    e.deviceID,
		"synckey":     formatSynccheckKey(e.synckey),
		"mmweb_appid": mmwebAppID,
	}
	e.mu.Unlock()

	resp, err := handleError(e.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(e.urlFor(entryHost, "/cgi-bin/mmwebwx-bin/synccheck")))
	if err != nil {
		log.Warn().Err(err).Msg("synccheck failed")
		return SyncResync
	}
	body := resp.String()

	retcode := regexGroup(retcodeRe, body)
	selector := regexGroup(selectorRe, body)

	if retcode != "0" {
		return SyncLoginOut
	}
	if selector != "" && selector != "0" {
		return SyncHasMsg
	}
	return SyncWait
}

// webwxsync drains pending messages, advances the sync cursor and returns
// the normalized new messages.
func (e *Engine) webwxsync(ctx context.Context) ([]Message, error) {
	e.mu.Lock()
	entryHost := e.entryHost
	params := map[string]string{
		"sid":         e.sid,
		"skey":        e.skey,
		"pass_ticket": e.passTicket,
	}
	payload := map[string]any{
		"BaseRequest": e.baseRequestLocked(),
		"SyncKey":     e.synckey,
		"rr":          ^time.Now().UnixMilli(),
	}
	e.mu.Unlock()

	var out syncResponse
	_, err := handleError(e.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetBody(payload).
		SetResult(&out).
		ForceContentType("application/json").
		Post(e.urlFor(entryHost, "/cgi-bin/mmwebwx-bin/webwxsync")))
	if err != nil {
		return nil, fmt.Errorf("webwxsync: %w", err)
	}
	if out.BaseResponse.Ret != 0 {
		return nil, fmt.Errorf("webwxsync: ret %d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if out.SyncKey != nil && len(out.SyncKey.List) > 0 {
		e.synckey = *out.SyncKey
	}
	normalized := e.normalizeLocked(out.AddMsgList)
	if len(normalized) > 0 {
		e.msgCache.Append(normalized...)
	}
	return normalized, nil
}

// normalizeLocked filters and flattens raw upstream records. Callers must
// hold e.mu. Every accepted record is remembered for dedup and raw lookup
// even when its type is not normalizable.
func (e *Engine) normalizeLocked(raw []addMsg) []Message {
	var out []Message
	for _, item := range raw {
		if item.MsgID == "" {
			continue
		}
		if e.seenIDs.Has(item.MsgID) || e.sentIDs.Has(item.MsgID) {
			continue
		}
		// Only traffic in the assistant conversation is of interest.
		if item.FromUserName != toUserName && item.ToUserName != toUserName {
			continue
		}

		isMine := item.FromUserName != toUserName

		var msg *Message
		switch {
		case item.MsgType == 1:
			msg = &Message{
				ID:     item.MsgID,
				Kind:   KindText,
				Text:   html.UnescapeString(item.Content),
				IsMine: isMine,
			}
		case item.MsgType == 3:
			// FileName stays empty when upstream gives none; download
			// naming falls back on the message id.
			msg = &Message{
				ID:       item.MsgID,
				Kind:     KindImage,
				Text:     "[Image]",
				FileName: item.FileName,
				IsMine:   isMine,
			}
		case item.MsgType == 49 && item.AppMsgType == 6:
			text := "[File]"
			if item.FileName != "" {
				text = "[File: " + item.FileName + "]"
			}
			msg = &Message{
				ID:       item.MsgID,
				Kind:     KindFile,
				Text:     text,
				FileName: item.FileName,
				IsMine:   isMine,
			}
		}

		e.seenIDs.Add(item.MsgID)
		e.rawByID.Set(item.MsgID, item)

		if msg != nil {
			if size, err := strconv.ParseInt(item.FileSize, 10, 64); err == nil {
				msg.FileSize = size
			}
			out = append(out, *msg)
		}
	}
	return out
}

// LatestMessages ensures the engine is current and returns up to limit
// newest messages from the in-memory cache, oldest first.
func (e *Engine) LatestMessages(ctx context.Context, limit int) ([]Message, error) {
	if !e.IsLoggedIn() {
		if !e.CheckLogin(ctx, true) {
			return nil, nil
		}
	} else if !e.HasAuth() {
		e.SetLoggedOut()
		return nil, nil
	}

	switch e.SyncCheck(ctx) {
	case SyncHasMsg:
		if _, err := e.webwxsync(ctx); err != nil {
			return nil, err
		}
	case SyncLoginOut:
		e.SetLoggedOut()
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.msgCache.Tail(limit), nil
}

// rawByIDLookup returns the cached raw record for a message id.
func (e *Engine) rawByIDLookup(id string) (addMsg, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rawByID.Get(id)
}

// formatSynccheckKey flattens the cursor into the key_val|key_val form the
// synccheck endpoint expects.
func formatSynccheckKey(key syncKey) string {
	pairs := make([]string, 0, len(key.List))
	for _, item := range key.List {
		pairs = append(pairs, strconv.Itoa(item.Key)+"_"+strconv.Itoa(item.Val))
	}
	return strings.Join(pairs, "|")
}
