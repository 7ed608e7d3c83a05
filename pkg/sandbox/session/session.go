// Package session provides persistent sandbox sessions whose state
// survives across queries. Sessions expire after fifteen minutes of
// inactivity and are isolated per backend: an in-memory database for
// sqlite, a dedicated schema for postgresql, a dedicated database for
// mariadb and mongodb, and a key prefix for redis.
package session

import (
	"sync"
	"time"

	"github.com/queryforge/queryforge/pkg/sandbox"
	"github.com/queryforge/queryforge/pkg/sandbox/executor"
)

// Session is one live sandbox session.
type Session struct {
	ID        string
	Backend   sandbox.Backend
	SchemaSQL string
	SeedSQL   string

	// IsolationID is the schema name, database name, or key prefix that
	// separates this session's data from every other session's.
	IsolationID string

	// UserID is the owner; empty means unowned (first caller wins).
	UserID string

	Executor executor.Executor

	CreatedAt  time.Time
	LastUsedAt time.Time

	// execMu serializes queries on the same session; different sessions
	// run in parallel.
	execMu sync.Mutex
}

// expired reports whether the session has been idle past the TTL.
func (s *Session) expired(now time.Time) bool {
	return now.Sub(s.LastUsedAt) > sandbox.SessionTTL
}

// ownedBy reports whether userID may use this session.
func (s *Session) ownedBy(userID string) bool {
	if s.UserID == "" {
		return true
	}
	return userID != "" && s.UserID == userID
}
