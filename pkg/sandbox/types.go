// Package sandbox holds the shared types of the sandbox execution core:
// backend kinds, query requests, and the normalized tabular result every
// executor produces.
package sandbox

import (
	"fmt"
	"time"
)

// Backend identifies one of the supported storage engines.
type Backend string

// Supported backend kinds.
const (
	BackendSQLite     Backend = "sqlite"
	BackendPostgreSQL Backend = "postgresql"
	BackendMariaDB    Backend = "mariadb"
	BackendMongoDB    Backend = "mongodb"
	BackendRedis      Backend = "redis"
)

// Backends lists all supported backend kinds in presentation order.
var Backends = []Backend{
	BackendSQLite,
	BackendPostgreSQL,
	BackendMariaDB,
	BackendMongoDB,
	BackendRedis,
}

// ParseBackend converts a request string into a Backend.
func ParseBackend(s string) (Backend, error) {
	b := Backend(s)
	for _, known := range Backends {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("unsupported backend kind: %q", s)
}

// Relational reports whether the backend speaks SQL.
func (b Backend) Relational() bool {
	return b == BackendSQLite || b == BackendPostgreSQL || b == BackendMariaDB
}

// Hard limits of the execution core.
const (
	// MaxResultRows caps the number of rows returned to the client.
	MaxResultRows = 1000

	// MaxSessions caps the number of concurrently live sessions.
	MaxSessions = 100

	// SessionTTL is the idle lifetime of a session.
	SessionTTL = 15 * time.Minute

	// CleanupInterval is how often the expiry sweep runs.
	CleanupInterval = 60 * time.Second

	// MaxQueryTime clamps every per-request timeout.
	MaxQueryTime = 30 * time.Second

	// DefaultQueryTimeout applies when the request carries no timeout.
	DefaultQueryTimeout = 10 * time.Second

	// HealthCheckInterval is how often backend availability is probed.
	HealthCheckInterval = 60 * time.Second

	// HealthCheckTimeout bounds a single availability probe.
	HealthCheckTimeout = 10 * time.Second
)

// QueryResult is the normalized tabular result shared by all backends.
// Non-tabular backend results are wrapped into a single-column or
// key/value two-column form before they reach this type.
type QueryResult struct {
	Success         bool     `json:"success"`
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowCount        int      `json:"row_count"`
	AffectedRows    int64    `json:"affected_rows"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	ErrorMessage    string   `json:"error_message"`
	Truncated       bool     `json:"truncated"`
}

// Failure builds a success=false result carrying the given message.
func Failure(format string, args ...any) *QueryResult {
	return &QueryResult{Success: false, ErrorMessage: fmt.Sprintf(format, args...)}
}

// OK builds an empty success result (used for no-op schema/seed loads).
func OK() *QueryResult {
	return &QueryResult{Success: true}
}

// ExecutionRequest describes one query submission. Immutable once built.
type ExecutionRequest struct {
	Backend   Backend
	Query     string
	SchemaSQL string
	SeedSQL   string
	Timeout   time.Duration

	// SessionID selects session mode when non-empty.
	SessionID string

	// UserID is the authenticated owner; required in session mode.
	UserID string
}

// ClampTimeout returns the effective timeout for the request, bounded
// by MaxQueryTime and defaulted when unset.
func (r *ExecutionRequest) ClampTimeout() time.Duration {
	t := r.Timeout
	if t <= 0 {
		t = DefaultQueryTimeout
	}
	if t > MaxQueryTime {
		t = MaxQueryTime
	}
	return t
}
