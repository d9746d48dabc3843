// Package background runs the long-lived loops around the protocol engine:
// message ingestion, heartbeat supervision, session persistence and file
// retention.
package background

import (
	"sync"
	"time"
)

const errorRingCap = 20

// State collects the stability counters exposed by /health and /stability.
type State struct {
	mu sync.Mutex

	reconnectAttempts int
	lastHeartbeat     int64
	lastMessageTime   int64
	totalMessages     int64
	errors            []map[string]string

	heartbeatInterval int
	reconnectDelay    int
	maxReconnects     int
	retentionDays     int
}

func NewState(heartbeatInterval, reconnectDelay, maxReconnects, retentionDays int) *State {
	return &State{
		heartbeatInterval: heartbeatInterval,
		reconnectDelay:    reconnectDelay,
		maxReconnects:     maxReconnects,
		retentionDays:     retentionDays,
	}
}

func (s *State) MarkHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now().Unix()
}

func (s *State) MarkMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessageTime = time.Now().Unix()
	s.totalMessages++
}

func (s *State) IncReconnect() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts++
	return s.reconnectAttempts
}

func (s *State) ResetReconnects() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = 0
}

// RecordError appends to the bounded error ring, oldest entries dropped.
func (s *State) RecordError(context string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, map[string]string{
		"time":    time.Now().Format(time.RFC3339),
		"context": context,
		"error":   err.Error(),
	})
	if len(s.errors) > errorRingCap {
		s.errors = s.errors[len(s.errors)-errorRingCap:]
	}
}

// Snapshot renders the full stability payload.
func (s *State) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]map[string]string, len(s.errors))
	copy(errs, s.errors)
	return map[string]any{
		"reconnect_attempts":     s.reconnectAttempts,
		"max_reconnect_attempts": s.maxReconnects,
		"last_heartbeat":         s.lastHeartbeat,
		"last_message_time":      s.lastMessageTime,
		"total_messages":         s.totalMessages,
		"recent_errors":          errs,
		"config": map[string]any{
			"heartbeat_interval":  s.heartbeatInterval,
			"reconnect_delay":     s.reconnectDelay,
			"file_retention_days": s.retentionDays,
		},
	}
}

// Overview is the compact form embedded in the service root payload.
func (s *State) Overview() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"reconnect_attempts": s.reconnectAttempts,
		"last_heartbeat":     s.lastHeartbeat,
		"total_messages":     s.totalMessages,
		"recent_errors":      len(s.errors),
	}
}
