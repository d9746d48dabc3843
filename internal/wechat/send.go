package wechat

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// MaxUploadBytes is the hard cap on outbound attachments; the upload
// endpoint rejects anything larger.
const MaxUploadBytes = 25 * 1024 * 1024

// ErrNotLoggedIn is returned by send and download operations when the
// engine has no usable session.
var ErrNotLoggedIn = fmt.Errorf("not logged in")

// SendText delivers a text message to the assistant conversation. The
// returned id is the upstream MsgID of the sent message.
func (e *Engine) SendText(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("empty message")
	}
	if !e.CheckLogin(ctx, false) {
		return "", ErrNotLoggedIn
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	passTicket := e.passTicket
	e.mu.Unlock()

	path := fmt.Sprintf("/cgi-bin/mmwebwx-bin/webwxsendmsg?lang=%s&pass_ticket=%s",
		lang, url.QueryEscape(passTicket))
	return e.postMessage(ctx, path, map[string]any{"Type": 1, "Content": text})
}

// SendFile uploads a local file and delivers it: images go out as picture
// messages, everything else as an app message with an attachment block.
func (e *Engine) SendFile(ctx context.Context, filePath string) (string, error) {
	if !e.CheckLogin(ctx, false) {
		return "", ErrNotLoggedIn
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("stat upload: %w", err)
	}
	if info.Size() > MaxUploadBytes {
		return "", fmt.Errorf("file %s exceeds the %d MiB upload cap", filepath.Base(filePath), MaxUploadBytes/(1024*1024))
	}

	mimeType := mime.TypeByExtension(filepath.Ext(filePath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	mediaType := "doc"
	if strings.HasPrefix(mimeType, "image/") {
		mediaType = "pic"
	}

	fileMD5, err := md5File(filePath)
	if err != nil {
		return "", err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	mediaID, err := e.uploadMedia(ctx, filePath, info.Size(), mimeType, mediaType, fileMD5)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	passTicket := e.passTicket
	e.mu.Unlock()

	if mediaType == "pic" {
		path := fmt.Sprintf("/cgi-bin/mmwebwx-bin/webwxsendmsgimg?fun=async&f=json&pass_ticket=%s",
			url.QueryEscape(passTicket))
		return e.postMessage(ctx, path, map[string]any{"MediaId": mediaID, "Type": 3, "Content": ""})
	}

	path := fmt.Sprintf("/cgi-bin/mmwebwx-bin/webwxsendappmsg?fun=async&f=json&lang=%s&pass_ticket=%s",
		lang, url.QueryEscape(passTicket))
	xml := buildAppMsgXML(filepath.Base(filePath), info.Size(), mediaID)
	return e.postMessage(ctx, path, map[string]any{"Type": 6, "Content": xml})
}

// postMessage wraps msg fields in the standard send envelope, POSTs them to
// the entry host and records the returned id as self-sent.
func (e *Engine) postMessage(ctx context.Context, path string, fields map[string]any) (string, error) {
	e.mu.Lock()
	entryHost := e.entryHost
	base := e.baseRequestLocked()
	userName := e.userName
	e.mu.Unlock()

	clientMsgID := genMsgID()
	msg := map[string]any{
		"ClientMsgId":  clientMsgID,
		"LocalID":      clientMsgID,
		"FromUserName": userName,
		"ToUserName":   toUserName,
	}
	for k, v := range fields {
		msg[k] = v
	}

	var out sendResponse
	_, err := handleError(e.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"BaseRequest": base,
			"Msg":         msg,
			"Scene":       0,
		}).
		SetResult(&out).
		ForceContentType("application/json").
		Post(e.urlFor(entryHost, path)))
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	if out.BaseResponse.Ret != 0 {
		return "", fmt.Errorf("send: ret %d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}

	if out.MsgID != "" {
		e.mu.Lock()
		e.sentIDs.Add(out.MsgID)
		e.mu.Unlock()
	}
	return out.MsgID, nil
}

// uploadMedia pushes the file to the file host in one multipart request and
// returns the upstream media id.
func (e *Engine) uploadMedia(ctx context.Context, filePath string, size int64, mimeType, mediaType, fileMD5 string) (string, error) {
	e.mu.Lock()
	fileHost := e.fileHost
	base := e.baseRequestLocked()
	userName := e.userName
	passTicket := e.passTicket
	e.mu.Unlock()

	dataTicket := e.cookieValue("webwx_data_ticket")
	if dataTicket == "" {
		log.Warn().Msg("webwx_data_ticket cookie missing, upload will likely fail")
	}

	uploadReq, err := json.Marshal(map[string]any{
		"UploadType":    2,
		"BaseRequest":   base,
		"ClientMediaId": genMsgID(),
		"TotalLen":      size,
		"StartPos":      0,
		"DataLen":       size,
		"MediaType":     4,
		"FromUserName":  userName,
		"ToUserName":    toUserName,
		"FileMd5":       fileMD5,
	})
	if err != nil {
		return "", fmt.Errorf("marshal upload request: %w", err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	target := fmt.Sprintf("%s/cgi-bin/mmwebwx-bin/webwxuploadmedia?f=json&random=%s",
		e.urlFor(fileHost, ""), randomString(4))

	var out uploadResponse
	_, err = handleError(e.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"name":               filepath.Base(filePath),
			"type":               mimeType,
			"lastModifiedDate":   "Thu Jan 01 1970 08:00:00 GMT+0800",
			"size":               strconv.FormatInt(size, 10),
			"mediatype":          mediaType,
			"uploadmediarequest": string(uploadReq),
			"webwx_data_ticket":  dataTicket,
			"pass_ticket":        passTicket,
		}).
		SetFileReader("filename", filepath.Base(filePath), f).
		SetResult(&out).
		ForceContentType("application/json").
		Post(target))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if out.BaseResponse.Ret != 0 {
		return "", fmt.Errorf("upload: ret %d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}
	if out.MediaID == "" {
		return "", fmt.Errorf("upload: empty media id")
	}
	return out.MediaID, nil
}

// buildAppMsgXML is the attachment envelope for non-image files.
func buildAppMsgXML(fileName string, fileSize int64, mediaID string) string {
	ext := strings.TrimPrefix(filepath.Ext(fileName), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("<appmsg appid='wxeb7ec651dd0aefa9' sdkver=''><title>%s</title>"+
		"<des></des><action></action><type>6</type><content></content><url></url>"+
		"<lowurl></lowurl><appattach><totallen>%d</totallen><attachid>%s</attachid>"+
		"<fileext>%s</fileext></appattach><extinfo></extinfo></appmsg>",
		fileName, fileSize, mediaID, ext)
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for md5: %w", err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
