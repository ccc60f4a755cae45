package mcp

import (
	"context"
	"maps"
	"time"
)

// Session is the transport-independent record of one server
// connection. It is created on connect; Active is cleared on disconnect
// but the record stays queryable until purged.
type Session struct {
	ID           string            `json:"session_id"`
	Server       string            `json:"server"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Active       bool              `json:"active"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// clone returns a copy safe to hand to callers.
func (s *Session) clone() Session {
	out := *s
	out.Metadata = maps.Clone(s.Metadata)
	return out
}

// expired reports whether the session has been idle longer than ttl.
func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(s.LastActivity) > ttl
}

// SessionRecorder persists session snapshots. It is called on connect
// and disconnect; failures are logged and never fail the operation.
type SessionRecorder interface {
	RecordSession(ctx context.Context, s Session) error
}
