package background

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"filehelper/internal/store"
	"filehelper/internal/wechat"
)

// Supervisor keeps the login session alive: periodic synccheck heartbeats,
// reconnect with exponential backoff on loss, session snapshots and file
// retention sweeps.
type Supervisor struct {
	engine engineAPI
	store  *store.Store
	state  *State
	opts   Options
}

func NewSupervisor(engine engineAPI, st *store.Store, state *State, opts Options) *Supervisor {
	return &Supervisor{engine: engine, store: st, state: state, opts: opts}
}

// RunHeartbeat probes the upstream every HeartbeatInterval seconds and
// triggers reconnection when the session drops.
func (s *Supervisor) RunHeartbeat(ctx context.Context) {
	interval := time.Duration(s.opts.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.state.MarkHeartbeat()
		if !s.engine.IsLoggedIn() {
			continue
		}

		if s.engine.SyncCheck(ctx) == wechat.SyncLoginOut {
			log.Warn().Msg("heartbeat lost session, reconnecting")
			s.engine.SetLoggedOut()
			s.reconnect(ctx)
		}
	}
}

// reconnect retries session restore with exponential backoff seeded at
// ReconnectDelay, giving up after MaxReconnectAttempts.
func (s *Supervisor) reconnect(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.opts.ReconnectDelay) * time.Second
	bo.MaxElapsedTime = 0

	attempt := func() error {
		n := s.state.IncReconnect()
		if err := s.engine.LoadSession(); err != nil {
			log.Debug().Err(err).Msg("session reload failed")
		}
		if s.engine.CheckLogin(ctx, true) {
			log.Info().Int("attempts", n).Msg("session recovered")
			s.state.ResetReconnects()
			return nil
		}
		return fmt.Errorf("reconnect attempt %d failed", n)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(s.opts.MaxReconnectAttempts)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		log.Error().Err(err).Msg("reconnect attempts exhausted, QR login required")
		s.state.RecordError("reconnect", err)
	}
}

// RunSessionSaver snapshots the session to disk every minute while logged in.
func (s *Supervisor) RunSessionSaver(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.engine.IsLoggedIn() {
			continue
		}
		if err := s.engine.SaveSession(); err != nil {
			log.Warn().Err(err).Msg("session snapshot failed")
		}
	}
}

// RunRetention deletes rows and files older than FileRetentionDays once an
// hour. A zero retention disables the sweep.
func (s *Supervisor) RunRetention(ctx context.Context) {
	if s.opts.FileRetentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.sweep()
	}
}

func (s *Supervisor) sweep() {
	days := s.opts.FileRetentionDays
	if n, err := s.store.CleanupOldFiles(days, true); err != nil {
		s.state.RecordError("retention_files", err)
	} else if n > 0 {
		log.Info().Int64("removed", n).Msg("retention removed files")
	}
	if n, err := s.store.CleanupOldMessages(days); err != nil {
		s.state.RecordError("retention_messages", err)
	} else if n > 0 {
		log.Info().Int64("removed", n).Msg("retention removed messages")
	}
}
