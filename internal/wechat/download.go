package wechat

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Download fetches the attachment behind a previously synced message and
// writes it to savePath. Only image and file messages carry content; the
// raw record must still be in the bounded cache.
func (e *Engine) Download(ctx context.Context, msgID, savePath string) error {
	if !e.CheckLogin(ctx, false) {
		return ErrNotLoggedIn
	}

	raw, ok := e.rawByIDLookup(msgID)
	if !ok {
		return fmt.Errorf("message %s not in cache", msgID)
	}

	e.mu.Lock()
	entryHost := e.entryHost
	fileHost := e.fileHost
	skey := e.skey
	sid := e.sid
	uin := e.uin
	passTicket := e.passTicket
	e.mu.Unlock()

	var target string
	switch {
	case raw.MsgType == 3:
		target = fmt.Sprintf("%s/cgi-bin/mmwebwx-bin/webwxgetmsgimg?MsgID=%s&skey=%s&type=slave&mmweb_appid=%s",
			e.urlFor(entryHost, ""), url.QueryEscape(raw.MsgID), url.QueryEscape(skey), mmwebAppID)
	case raw.MsgType == 49 && raw.AppMsgType == 6:
		target = fmt.Sprintf("%s/cgi-bin/mmwebwx-bin/webwxgetmedia?sender=%s&mediaid=%s&encryfilename=%s&fromuser=%s&pass_ticket=%s&webwx_data_ticket=%s&sid=%s&mmweb_appid=%s",
			e.urlFor(fileHost, ""),
			url.QueryEscape(raw.FromUserName),
			url.QueryEscape(raw.MediaID),
			url.QueryEscape(raw.EncryFileName),
			url.QueryEscape(uin),
			url.QueryEscape(passTicket),
			url.QueryEscape(e.cookieValue("webwx_data_ticket")),
			url.QueryEscape(sid),
			mmwebAppID)
	default:
		return fmt.Errorf("message %s has no downloadable content", msgID)
	}

	resp, err := handleError(e.client.R().SetContext(ctx).Get(target))
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(savePath), 0o755); err != nil {
		return fmt.Errorf("download dir: %w", err)
	}
	if err := os.WriteFile(savePath, resp.Body(), 0o644); err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	return nil
}
