package executor

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

const (
	pgErrQueryCanceled = "57014"
	pgErrSyntaxClass   = "42"
)

// Postgres runs queries against a PostgreSQL server. The adapter pins
// one connection so session state (search_path, statement_timeout)
// survives between calls.
type Postgres struct {
	opts Options
	db   *sql.DB
	conn *sql.Conn
}

// NewPostgres builds an unconnected adapter.
func NewPostgres(opts Options) *Postgres {
	return &Postgres{opts: opts}
}

func (e *Postgres) dsn() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(e.opts.User, e.opts.Password),
		Host:   fmt.Sprintf("%s:%d", e.opts.Host, e.opts.Port),
		Path:   "/" + e.opts.Database,
	}
	q := url.Values{}
	q.Set("connect_timeout", "10")
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect establishes and pins the connection, applying the session
// search_path when one is configured.
func (e *Postgres) Connect(ctx context.Context) error {
	db, err := sql.Open("pgx", e.dsn())
	if err != nil {
		return errors.NewConnectionFailedError("failed to connect to PostgreSQL", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return errors.NewConnectionFailedError("failed to connect to PostgreSQL", err)
	}
	if e.opts.SearchPath != "" {
		stmt := fmt.Sprintf(`SET search_path TO %q`, e.opts.SearchPath)
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			_ = db.Close()
			return errors.NewConnectionFailedError("failed to apply search_path", err)
		}
	}
	e.db = db
	e.conn = conn
	return nil
}

// Disconnect closes the pinned connection.
func (e *Postgres) Disconnect() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	if e.db != nil {
		_ = e.db.Close()
		e.db = nil
	}
}

// IsConnected reports whether the connection is alive.
func (e *Postgres) IsConnected(ctx context.Context) bool {
	if e.conn == nil {
		return false
	}
	return e.conn.PingContext(ctx) == nil
}

// Execute runs one SQL statement under the given timeout.
func (e *Postgres) Execute(ctx context.Context, query string, timeout time.Duration) (*sandbox.QueryResult, error) {
	if e.conn == nil {
		return nil, errNotConnected()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// statement_timeout is normally pinned at the student role; setting
	// it here is the fallback for admin connections. Failures are fine.
	_, _ = e.conn.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", timeout.Milliseconds()))

	result, err := runStatement(ctx, e.conn, query)
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			return nil, errors.NewQueryTimeoutError(fmt.Sprintf("query exceeded %s timeout", timeout), err)
		case stderrors.As(err, &pgErr) && pgErr.Code == pgErrQueryCanceled:
			return nil, errors.NewQueryTimeoutError(fmt.Sprintf("query exceeded %s timeout", timeout), err)
		case stderrors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, pgErrSyntaxClass):
			return nil, errors.NewQuerySyntaxError(pgErr.Message, err)
		default:
			return sandbox.Failure("%s", firstLine(err.Error())), nil
		}
	}
	return result, nil
}

// InitSchema runs the schema script.
func (e *Postgres) InitSchema(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Schema initialization failed")
}

// LoadSeed runs the seed script.
func (e *Postgres) LoadSeed(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Data loading failed")
}

func (e *Postgres) runScript(ctx context.Context, text, failPrefix string) *sandbox.QueryResult {
	if strings.TrimSpace(text) == "" {
		return sandbox.OK()
	}
	if e.conn == nil {
		return sandbox.Failure("%s: not connected to database", failPrefix)
	}
	for _, stmt := range SplitStatements(text) {
		if _, err := e.conn.ExecContext(ctx, stmt); err != nil {
			return sandbox.Failure("%s: %v", failPrefix, firstLine(err.Error()))
		}
	}
	return sandbox.OK()
}

// Reset drops every table and sequence in the connection's current
// schema. Errors are ignored.
func (e *Postgres) Reset(ctx context.Context) {
	if e.conn == nil {
		return
	}

	for _, name := range e.listNames(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = current_schema()`) {
		_, _ = e.conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q CASCADE`, name))
	}
	for _, name := range e.listNames(ctx, `
		SELECT sequencename FROM pg_sequences
		WHERE schemaname = current_schema()`) {
		_, _ = e.conn.ExecContext(ctx, fmt.Sprintf(`DROP SEQUENCE IF EXISTS %q CASCADE`, name))
	}
}

func (e *Postgres) listNames(ctx context.Context, query string) []string {
	rows, err := e.conn.QueryContext(ctx, query)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			names = append(names, name)
		}
	}
	return names
}
