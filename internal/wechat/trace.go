package wechat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	traceFileName   = "wechat_http_trace.jsonl"
	traceBufferCap  = 100
	traceFlushEvery = 2 * time.Second
)

// Precompiled redaction patterns. URL-style patterns must run before
// JSON-style patterns so a quoted credential inside a JSON body is matched
// exactly once.
var urlRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(pass_ticket\s*[=:]\s*)([^&\s"',;]+)`),
	regexp.MustCompile(`(?i)(webwx_data_ticket\s*[=:]\s*)([^&\s"',;]+)`),
	regexp.MustCompile(`(?i)(skey\s*[=:]\s*)([^&\s"',;]+)`),
	regexp.MustCompile(`(?i)(sid\s*[=:]\s*)([^&\s"',;]+)`),
	regexp.MustCompile(`(?i)(wxsid\s*[=:]\s*)([^&\s"',;]+)`),
	regexp.MustCompile(`(?i)(deviceid\s*[=:]\s*)([^&\s"',;]+)`),
	regexp.MustCompile(`(?i)(uin\s*[=:]\s*)([^&\s"',;]+)`),
	regexp.MustCompile(`(?i)(aeskey\s*[=:]\s*)([^&\s"',;]+)`),
	regexp.MustCompile(`(?i)(signature\s*[=:]\s*)([^&\s"',;]+)`),
}

var jsonRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)("pass_ticket"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`(?i)("webwx_data_ticket"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`(?i)("Skey"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`(?i)("Sid"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`(?i)("DeviceID"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`(?i)("Signature"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`(?i)("AESKey"\s*:\s*")[^"]*(")`),
}

// TraceOptions configures the request/response recorder.
type TraceOptions struct {
	Enabled bool
	Redact  bool
	MaxBody int
	Dir     string
}

// TraceStatus describes the recorder and its log file.
type TraceStatus struct {
	Enabled   bool   `json:"enabled"`
	Redact    bool   `json:"redact"`
	MaxBody   int    `json:"max_body"`
	File      string `json:"file"`
	Exists    bool   `json:"exists"`
	SizeBytes int64  `json:"size_bytes"`
}

type traceRecord struct {
	Event       string            `json:"event"`
	ID          string            `json:"id"`
	TS          int64             `json:"ts"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	BodyPreview string            `json:"body_preview,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	DurationMS  int64             `json:"duration_ms,omitempty"`
}

// Recorder is an http.RoundTripper that captures a redacted record of every
// outbound exchange into a bounded buffer, periodically flushed to an
// append-only JSON Lines file.
type Recorder struct {
	opts TraceOptions
	base http.RoundTripper
	seq  atomic.Int64

	mu  sync.Mutex
	buf []string
}

// NewRecorder wraps base with tracing. A disabled recorder passes requests
// through untouched.
func NewRecorder(opts TraceOptions, base http.RoundTripper) *Recorder {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Recorder{opts: opts, base: base}
}

func (r *Recorder) Enabled() bool { return r.opts.Enabled }

func (r *Recorder) logFile() string {
	return filepath.Join(r.opts.Dir, traceFileName)
}

// EnsureDir creates the trace directory.
func (r *Recorder) EnsureDir() error {
	return os.MkdirAll(r.opts.Dir, 0o755)
}

// RoundTrip implements http.RoundTripper. It emits one request record
// before the exchange and one response record after, sharing an id.
func (r *Recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	if !r.opts.Enabled {
		return r.base.RoundTrip(req)
	}

	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), r.seq.Add(1))
	start := time.Now()

	r.append(traceRecord{
		Event:       "request",
		ID:          id,
		TS:          time.Now().UnixMilli(),
		Method:      req.Method,
		URL:         r.sanitize(req.URL.String()),
		Headers:     r.sanitizeHeaders(req.Header),
		BodyPreview: r.requestBodyPreview(req),
	})

	resp, err := r.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	r.append(traceRecord{
		Event:       "response",
		ID:          id,
		TS:          time.Now().UnixMilli(),
		Method:      req.Method,
		URL:         r.sanitize(req.URL.String()),
		Headers:     r.sanitizeHeaders(resp.Header),
		BodyPreview: r.responseBodyPreview(resp),
		StatusCode:  resp.StatusCode,
		DurationMS:  time.Since(start).Milliseconds(),
	})
	return resp, nil
}

func (r *Recorder) append(rec traceRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, string(line))
	if len(r.buf) > traceBufferCap {
		r.buf = r.buf[len(r.buf)-traceBufferCap:]
	}
}

// Run flushes the buffer on a fixed cadence until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	if !r.opts.Enabled {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(traceFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				log.Warn().Err(err).Msg("final trace flush failed")
			}
			return
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				log.Warn().Err(err).Msg("trace flush failed")
			}
		}
	}
}

// Flush drains the buffer into the log file in one write.
func (r *Recorder) Flush() error {
	if !r.opts.Enabled {
		return nil
	}
	r.mu.Lock()
	lines := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(lines) == 0 {
		return nil
	}
	if err := r.EnsureDir(); err != nil {
		return err
	}
	f, err := os.OpenFile(r.logFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	return err
}

// Status reports the recorder configuration and log file size.
func (r *Recorder) Status() TraceStatus {
	st := TraceStatus{
		Enabled: r.opts.Enabled,
		Redact:  r.opts.Redact,
		MaxBody: r.opts.MaxBody,
		File:    r.logFile(),
	}
	if info, err := os.Stat(r.logFile()); err == nil {
		st.Exists = true
		st.SizeBytes = info.Size()
	}
	return st
}

// Recent returns up to limit parsed records from the tail of the log file.
// Unparseable lines come back as {"raw": line}.
func (r *Recorder) Recent(limit int) ([]map[string]any, error) {
	if !r.opts.Enabled {
		return nil, nil
	}
	f, err := os.Open(r.logFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if limit < 1 {
		limit = 1
	} else if limit > 1000 {
		limit = 1000
	}

	var tail []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > limit {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	records := make([]map[string]any, 0, len(tail))
	for _, line := range tail {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			rec = map[string]any{"raw": line}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Clear removes the log file.
func (r *Recorder) Clear() error {
	err := os.Remove(r.logFile())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (r *Recorder) sanitize(text string) string {
	if !r.opts.Redact {
		return text
	}
	for _, re := range urlRedactPatterns {
		text = re.ReplaceAllString(text, "${1}***")
	}
	for _, re := range jsonRedactPatterns {
		text = re.ReplaceAllString(text, "${1}***${2}")
	}
	return text
}

func (r *Recorder) sanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		switch strings.ToLower(key) {
		case "cookie", "set-cookie", "authorization":
			out[key] = "***"
		default:
			out[key] = r.sanitize(strings.Join(values, ", "))
		}
	}
	return out
}

func (r *Recorder) requestBodyPreview(req *http.Request) string {
	ct := req.Header.Get("Content-Type")
	if strings.Contains(ct, "multipart/form-data") {
		return "<<multipart omitted>>"
	}
	if req.Body == nil {
		return ""
	}
	if req.GetBody == nil {
		return "<<stream omitted>>"
	}
	rc, err := req.GetBody()
	if err != nil {
		return "<<stream omitted>>"
	}
	defer rc.Close()
	payload, err := io.ReadAll(io.LimitReader(rc, int64(r.opts.MaxBody)+1))
	if err != nil {
		return "<<stream omitted>>"
	}
	return r.bytesPreview(payload, req.ContentLength, ct)
}

// responseBodyPreview peeks at a textual response body and reinstalls the
// consumed bytes so the caller still sees the full stream. Binary bodies
// are never read.
func (r *Recorder) responseBodyPreview(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	if !isTextualContentType(ct) {
		if ct == "" {
			ct = "unknown"
		}
		return fmt.Sprintf("<<binary %s omitted>>", ct)
	}
	if resp.Body == nil {
		return ""
	}
	peeked, err := io.ReadAll(io.LimitReader(resp.Body, int64(r.opts.MaxBody)+1))
	if err != nil {
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(peeked))
		return fmt.Sprintf("<<read error: %v>>", err)
	}
	resp.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(peeked), resp.Body),
		closer: resp.Body,
	}
	return r.bytesPreview(peeked, resp.ContentLength, ct)
}

// bytesPreview clips payload to the configured size cap and appends a
// truncation note. payload may carry one extra probe byte beyond the cap.
func (r *Recorder) bytesPreview(payload []byte, contentLength int64, ct string) string {
	if len(payload) == 0 {
		return ""
	}
	truncated := false
	if len(payload) > r.opts.MaxBody {
		payload = payload[:r.opts.MaxBody]
		truncated = true
	}
	text := string(payload)
	suffix := ""
	if truncated {
		if contentLength > int64(len(payload)) {
			suffix = fmt.Sprintf(" ...<truncated %d bytes>", contentLength-int64(len(payload)))
		} else {
			suffix = " ...<truncated>"
		}
	}
	return r.sanitize(text + suffix)
}

func isTextualContentType(ct string) bool {
	value := strings.ToLower(ct)
	for _, word := range []string{"json", "text", "xml", "javascript", "html", "x-www-form-urlencoded"} {
		if strings.Contains(value, word) {
			return true
		}
	}
	return false
}

// replayBody pairs a multi-reader with the original body's closer.
type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }
