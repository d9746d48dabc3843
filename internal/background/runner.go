package background

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"filehelper/internal/store"
	"filehelper/internal/wechat"
)

// Ingestion pacing. The poll interval snaps back to the floor whenever a
// message arrives and stretches toward the ceiling while the chat is idle.
const (
	pollFloor   = 500 * time.Millisecond
	pollCeiling = 3 * time.Second
	pollGrowth  = 1.2

	pollBatch = 12
	seenCap   = 5000

	// Echoes of our own recent replies come back through sync with fresh
	// ids; the text ring filters them out.
	replyRingCap = 20
)

// engineAPI is the slice of the protocol engine the loops drive.
type engineAPI interface {
	LatestMessages(ctx context.Context, limit int) ([]wechat.Message, error)
	SyncCheck(ctx context.Context) wechat.SyncStatus
	CheckLogin(ctx context.Context, poll bool) bool
	IsLoggedIn() bool
	SetLoggedOut()
	LoadSession() error
	SaveSession() error
	SendText(ctx context.Context, text string) (string, error)
	Download(ctx context.Context, msgID, savePath string) error
}

// DispatchFunc hands an inbound message to the command processor and
// returns the reply text, empty for none.
type DispatchFunc func(ctx context.Context, msg wechat.Message) string

// Options configures the background loops.
type Options struct {
	DownloadDir          string
	AutoDownload         bool
	FileDateSubdir       bool
	HeartbeatInterval    int
	ReconnectDelay       int
	MaxReconnectAttempts int
	FileRetentionDays    int
}

// Runner owns the ingestion loop.
type Runner struct {
	engine   engineAPI
	store    *store.Store
	dispatch DispatchFunc
	state    *State
	opts     Options

	seen      map[string]struct{}
	seenOrder []string

	recentReplies []string
}

func NewRunner(engine engineAPI, st *store.Store, dispatch DispatchFunc, state *State, opts Options) *Runner {
	return &Runner{
		engine:   engine,
		store:    st,
		dispatch: dispatch,
		state:    state,
		opts:     opts,
		seen:     make(map[string]struct{}),
	}
}

// Run polls the engine for new messages until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	delay := pollFloor
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		fresh, err := r.poll(ctx)
		if err != nil {
			r.state.RecordError("ingest", err)
			delay = pollCeiling
			continue
		}
		if fresh {
			delay = pollFloor
		} else {
			delay = time.Duration(float64(delay) * pollGrowth)
			if delay > pollCeiling {
				delay = pollCeiling
			}
		}
	}
}

// poll runs one ingestion round and reports whether anything new arrived.
// While logged out it keeps polling the login host, so a QR scan completes
// without any HTTP client driving the status endpoint.
func (r *Runner) poll(ctx context.Context) (bool, error) {
	if !r.engine.IsLoggedIn() {
		if !r.engine.CheckLogin(ctx, true) {
			return false, nil
		}
		r.state.ResetReconnects()
	}

	msgs, err := r.engine.LatestMessages(ctx, pollBatch)
	if err != nil {
		return false, err
	}

	fresh := false
	for _, msg := range msgs {
		if !r.markSeen(dedupKey(msg)) {
			continue
		}
		fresh = true
		r.state.MarkMessage()

		if msg.IsMine || r.isRecentReply(msg.Text) {
			continue
		}

		if r.opts.AutoDownload && (msg.Kind == wechat.KindImage || msg.Kind == wechat.KindFile) {
			r.autoDownload(ctx, &msg)
		}

		reply := r.dispatch(ctx, msg)
		if reply == "" {
			continue
		}
		if _, err := r.engine.SendText(ctx, reply); err != nil {
			r.state.RecordError("reply_send", err)
			continue
		}
		r.rememberReply(reply)
	}
	return fresh, nil
}

// autoDownload fetches the attachment next to the message and records a
// file row. Failures are logged and leave the message without a path.
func (r *Runner) autoDownload(ctx context.Context, msg *wechat.Message) {
	dir := r.opts.DownloadDir
	if r.opts.FileDateSubdir {
		dir = filepath.Join(dir, time.Now().Format("2006-01-02"))
	}

	name := msg.FileName
	if name == "" {
		name = "download_" + msg.ID
	}
	if msg.Kind == wechat.KindImage && filepath.Ext(name) == "" {
		name += ".jpg"
	}
	savePath := filepath.Join(dir, name)

	if err := r.engine.Download(ctx, msg.ID, savePath); err != nil {
		log.Warn().Err(err).Str("msg_id", msg.ID).Msg("auto download failed")
		r.state.RecordError("auto_download", err)
		return
	}

	msg.FilePath = savePath
	if info, err := os.Stat(savePath); err == nil {
		msg.FileSize = info.Size()
	}

	if _, err := r.store.SaveFile(store.StoredFile{
		MsgID:      msg.ID,
		FileName:   name,
		FilePath:   savePath,
		FileSize:   msg.FileSize,
		Downloaded: true,
	}); err != nil {
		log.Warn().Err(err).Str("msg_id", msg.ID).Msg("file row save failed")
	}
}

// markSeen reports true for first sightings and keeps the set bounded.
func (r *Runner) markSeen(key string) bool {
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	r.seenOrder = append(r.seenOrder, key)
	if len(r.seenOrder) > seenCap {
		evict := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, evict)
	}
	return true
}

func (r *Runner) rememberReply(text string) {
	r.recentReplies = append(r.recentReplies, text)
	if len(r.recentReplies) > replyRingCap {
		r.recentReplies = r.recentReplies[len(r.recentReplies)-replyRingCap:]
	}
}

func (r *Runner) isRecentReply(text string) bool {
	if text == "" {
		return false
	}
	for _, reply := range r.recentReplies {
		if reply == text {
			return true
		}
	}
	return false
}

func dedupKey(msg wechat.Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	return msg.Kind + ":" + strings.TrimSpace(msg.Text)
}
