// Package executor contains the per-backend query adapters. Every
// adapter speaks its native protocol and produces the shared
// sandbox.QueryResult tabular shape.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

// Executor is the contract every backend adapter implements.
//
// Execute returns a typed error only for timeout, syntax, and
// not-connected conditions; other query failures come back as a
// success=false QueryResult. Reset and Disconnect are best effort.
type Executor interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected(ctx context.Context) bool
	Execute(ctx context.Context, query string, timeout time.Duration) (*sandbox.QueryResult, error)
	InitSchema(ctx context.Context, text string) *sandbox.QueryResult
	LoadSeed(ctx context.Context, text string) *sandbox.QueryResult
	Reset(ctx context.Context)
}

// Options carries connection parameters for an adapter. Zero values
// are fine for backends that do not need a field.
type Options struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// KeyPrefix isolates a redis session inside the shared keyspace.
	KeyPrefix string

	// SearchPath pins a postgres session to its schema.
	SearchPath string
}

// New builds the adapter for the given backend kind.
func New(backend sandbox.Backend, opts Options) (Executor, error) {
	switch backend {
	case sandbox.BackendSQLite:
		return NewSQLite(), nil
	case sandbox.BackendPostgreSQL:
		return NewPostgres(opts), nil
	case sandbox.BackendMariaDB:
		return NewMariaDB(opts), nil
	case sandbox.BackendMongoDB:
		return NewMongo(opts), nil
	case sandbox.BackendRedis:
		return NewRedis(opts), nil
	default:
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("unsupported backend kind: %q", backend), nil)
	}
}

// errNotConnected is the shared "execute before connect" failure.
func errNotConnected() error {
	return errors.NewConnectionFailedError("not connected to database", nil)
}

// returnsRows reports whether a SQL statement produces a result set.
// database/sql has no cursor.description equivalent, so the statement
// kind is sniffed from its first keyword (plus RETURNING clauses).
func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range []string{
		"SELECT", "WITH", "SHOW", "EXPLAIN", "PRAGMA",
		"VALUES", "TABLE ", "DESCRIBE", "DESC ",
	} {
		if strings.HasPrefix(q, kw) {
			return true
		}
	}
	return strings.Contains(q, "RETURNING")
}

// normalizeValue converts driver values into the JSON-friendly forms
// shared by all backends: byte slices become strings and timestamps
// become ISO-8601 strings.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// collectRows drains a result set into the shared tabular shape,
// truncating at the row cap.
func collectRows(rows *sql.Rows, elapsed time.Duration) (*sandbox.QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]any
	truncated := false
	for rows.Next() {
		if len(out) >= sandbox.MaxResultRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &sandbox.QueryResult{
		Success:         true,
		Columns:         columns,
		Rows:            out,
		RowCount:        len(out),
		ExecutionTimeMs: elapsed.Milliseconds(),
		Truncated:       truncated,
	}, nil
}

// runStatement executes one SQL statement on a pinned connection,
// choosing the query or exec path by statement kind.
func runStatement(ctx context.Context, conn *sql.Conn, query string) (*sandbox.QueryResult, error) {
	start := time.Now()
	if returnsRows(query) {
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collectRows(rows, time.Since(start))
	}

	res, err := conn.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil || affected < 0 {
		affected = 0
	}
	return &sandbox.QueryResult{
		Success:         true,
		AffectedRows:    affected,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// firstLine trims a multi-line backend error down to its first line.
func firstLine(msg string) string {
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		return msg[:idx]
	}
	return msg
}
