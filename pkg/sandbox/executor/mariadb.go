package executor

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

const (
	mysqlErrQueryTimeout = 3024 // ER_QUERY_TIMEOUT
	mysqlErrParse        = 1064 // ER_PARSE_ERROR
)

// MariaDB runs queries against a MariaDB (or MySQL) server on a pinned
// connection, so per-session variables like max_execution_time stick.
type MariaDB struct {
	opts Options
	db   *sql.DB
	conn *sql.Conn
}

// NewMariaDB builds an unconnected adapter.
func NewMariaDB(opts Options) *MariaDB {
	return &MariaDB{opts: opts}
}

func (e *MariaDB) dsn() string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", e.opts.Host, e.opts.Port)
	cfg.DBName = e.opts.Database
	cfg.User = e.opts.User
	cfg.Passwd = e.opts.Password
	cfg.Timeout = 10 * time.Second
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 30 * time.Second
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// Connect establishes and pins the connection.
func (e *MariaDB) Connect(ctx context.Context) error {
	db, err := sql.Open("mysql", e.dsn())
	if err != nil {
		return errors.NewConnectionFailedError("failed to connect to MariaDB", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return errors.NewConnectionFailedError("failed to connect to MariaDB", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return errors.NewConnectionFailedError("failed to connect to MariaDB", err)
	}
	e.db = db
	e.conn = conn
	return nil
}

// Disconnect closes the pinned connection.
func (e *MariaDB) Disconnect() {
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
func (e *MariaDB) IsConnected(ctx context.Context) bool {
	if e.conn == nil {
		return false
	}
	return e.conn.PingContext(ctx) == nil
}

// Execute runs one SQL statement under the given timeout.
func (e *MariaDB) Execute(ctx context.Context, query string, timeout time.Duration) (*sandbox.QueryResult, error) {
	if e.conn == nil {
		return nil, errNotConnected()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Server-side timeout in milliseconds; applies to the next SELECTs
	// on this connection.
	if _, err := e.conn.ExecContext(ctx, fmt.Sprintf("SET max_execution_time = %d", timeout.Milliseconds())); err != nil {
		return sandbox.Failure("%s", mysqlMessage(err)), nil
	}

	result, err := runStatement(ctx, e.conn, query)
	if err != nil {
		var myErr *mysql.MySQLError
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			return nil, errors.NewQueryTimeoutError(fmt.Sprintf("query exceeded %s timeout", timeout), err)
		case stderrors.As(err, &myErr) && (myErr.Number == mysqlErrQueryTimeout ||
			strings.Contains(strings.ToLower(myErr.Message), "max_execution_time")):
			return nil, errors.NewQueryTimeoutError(fmt.Sprintf("query exceeded %s timeout", timeout), err)
		case stderrors.As(err, &myErr) && myErr.Number == mysqlErrParse:
			return nil, errors.NewQuerySyntaxError(myErr.Message, err)
		default:
			return sandbox.Failure("%s", mysqlMessage(err)), nil
		}
	}
	return result, nil
}

// mysqlMessage extracts the server message from a driver error.
func mysqlMessage(err error) string {
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		return myErr.Message
	}
	return err.Error()
}

// InitSchema runs the schema script.
func (e *MariaDB) InitSchema(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Schema initialization failed")
}

// LoadSeed runs the seed script.
func (e *MariaDB) LoadSeed(ctx context.Context, text string) *sandbox.QueryResult {
	return e.runScript(ctx, text, "Data loading failed")
}

func (e *MariaDB) runScript(ctx context.Context, text, failPrefix string) *sandbox.QueryResult {
	if strings.TrimSpace(text) == "" {
		return sandbox.OK()
	}
	if e.conn == nil {
		return sandbox.Failure("%s: not connected to database", failPrefix)
	}
	for _, stmt := range SplitStatements(text) {
		if _, err := e.conn.ExecContext(ctx, stmt); err != nil {
			return sandbox.Failure("%s: %v", failPrefix, mysqlMessage(err))
		}
	}
	return sandbox.OK()
}

// Reset drops every table in the current database with foreign key
// checks off. Errors are ignored.
func (e *MariaDB) Reset(ctx context.Context) {
	if e.conn == nil {
		return
	}

	if _, err := e.conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return
	}
	defer func() {
		_, _ = e.conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1")
	}()

	rows, err := e.conn.QueryContext(ctx, "SHOW TABLES")
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
		_, _ = e.conn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table))
	}
}
