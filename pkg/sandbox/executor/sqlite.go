package executor

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // database/sql driver

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

// SQLite runs queries on an in-memory database. The database lives on
// a single pinned connection (an in-memory sqlite database is
// per-connection state), so every instance is fully isolated and the
// memory is released on Disconnect. No server or file I/O involved.
type SQLite struct {
	db   *sql.DB
	conn *sql.Conn
}

// NewSQLite builds an unconnected in-memory adapter.
func NewSQLite() *SQLite {
	return &SQLite{}
}

// Connect creates the in-memory database and pins its connection.
func (e *SQLite) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return errors.NewConnectionFailedError("failed to create SQLite database", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return errors.NewConnectionFailedError("failed to create SQLite database", err)
	}
	e.db = db
	e.conn = conn
	return nil
}

// Disconnect closes the pinned connection; memory is released with it.
func (e *SQLite) Disconnect() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	if e.db != nil {
		_ = e.db.Close()
		e.db = nil
	}
}

// IsConnected reports whether the database is usable.
func (e *SQLite) IsConnected(ctx context.Context) bool {
	if e.conn == nil {
		return false
	}
	return e.conn.PingContext(ctx) == nil
}

// Execute runs one SQL statement under the given timeout.
func (e *SQLite) Execute(ctx context.Context, query string, timeout time.Duration) (*sandbox.QueryResult, error) {
	if e.conn == nil {
		return nil, errNotConnected()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := runStatement(ctx, e.conn, query)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.NewQueryTimeoutError(fmt.Sprintf("query exceeded %s timeout", timeout), err)
		}
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "syntax error") || strings.Contains(msg, "near") {
			return nil, errors.NewQuerySyntaxError(err.Error(), err)
		}
		// Constraint violations and the like are query failures, not
		// infrastructure errors.
		return sandbox.Failure("%s", err.Error()), nil
	}
	return result, nil
}

// InitSchema runs the schema script.
func (e *SQLite) InitSchema(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Schema initialization failed")
}

// LoadSeed runs the seed script.
func (e *SQLite) LoadSeed(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Data loading failed")
}

func (e *SQLite) runScript(ctx context.Context, text, failPrefix string) *sandbox.QueryResult {
	if strings.TrimSpace(text) == "" {
		return sandbox.OK()
	}
	if e.conn == nil {
		return sandbox.Failure("%s: not connected to database", failPrefix)
	}
	for _, stmt := range SplitStatements(text) {
		if _, err := e.conn.ExecContext(ctx, stmt); err != nil {
			return sandbox.Failure("%s: %v", failPrefix, err)
		}
	}
	return sandbox.OK()
}

// Reset drops every user table. Errors are ignored.
func (e *SQLite) Reset(ctx context.Context) {
	if e.conn == nil {
		return
	}

	rows, err := e.conn.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			tables = append(tables, name)
		}
	}
	_ = rows.Close()

	for _, table := range tables {
		_, _ = e.conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))
	}
}
