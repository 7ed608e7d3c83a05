package session

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/logger"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

// Per-session isolation needs privileged statements (CREATE SCHEMA,
// CREATE DATABASE, GRANT) that the student role deliberately cannot
// run, so provisioning opens short-lived admin connections.

func openPG(ep sandbox.Endpoint) (*sql.DB, error) {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(ep.User, ep.Password),
		Host:   fmt.Sprintf("%s:%d", ep.Host, ep.Port),
		Path:   "/" + ep.Database,
	}
	q := url.Values{}
	q.Set("connect_timeout", "10")
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return sql.Open("pgx", u.String())
}

func openMariaDB(ep sandbox.Endpoint) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	cfg.DBName = ep.Database
	cfg.User = ep.User
	cfg.Passwd = ep.Password
	cfg.Timeout = 10 * time.Second
	return sql.Open("mysql", cfg.FormatDSN())
}

// createPGSchema creates the session schema and, when a student role
// is configured, grants it full access there.
func createPGSchema(ctx context.Context, admin sandbox.Endpoint, schema, studentUser string) error {
	db, err := openPG(admin)
	if err != nil {
		return errors.NewCreationFailedError("failed to open admin connection", err)
	}
	defer db.Close()

	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema),
	}
	if studentUser != "" {
		stmts = append(stmts,
			fmt.Sprintf(`GRANT ALL ON SCHEMA %q TO %q`, schema, studentUser),
			fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %q GRANT ALL ON TABLES TO %q`, schema, studentUser),
			fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %q GRANT ALL ON SEQUENCES TO %q`, schema, studentUser),
		)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.NewCreationFailedError(fmt.Sprintf("failed to provision schema %s", schema), err)
		}
	}
	return nil
}

// dropPGSchema removes a session schema. Best effort.
func dropPGSchema(ctx context.Context, admin sandbox.Endpoint, schema string) {
	db, err := openPG(admin)
	if err != nil {
		logger.Warnf("failed to drop PG schema %s: %v", schema, err)
		return
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schema)); err != nil {
		logger.Warnf("failed to drop PG schema %s: %v", schema, err)
	}
}

// createMariaDBDatabase creates the session database as root and
// grants the admin and student users access to it.
func createMariaDBDatabase(ctx context.Context, root sandbox.Endpoint, dbName, adminUser, studentUser string) error {
	db, err := openMariaDB(root)
	if err != nil {
		return errors.NewCreationFailedError("failed to open root connection", err)
	}
	defer db.Close()

	stmts := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'", dbName, adminUser),
	}
	if studentUser != "" {
		stmts = append(stmts,
			fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'", dbName, studentUser))
	}
	stmts = append(stmts, "FLUSH PRIVILEGES")

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.NewCreationFailedError(fmt.Sprintf("failed to provision database %s", dbName), err)
		}
	}
	return nil
}

// dropMariaDBDatabase removes a session database. Best effort.
func dropMariaDBDatabase(ctx context.Context, root sandbox.Endpoint, dbName string) {
	db, err := openMariaDB(root)
	if err != nil {
		logger.Warnf("failed to drop MariaDB database %s: %v", dbName, err)
		return
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbName)); err != nil {
		logger.Warnf("failed to drop MariaDB database %s: %v", dbName, err)
	}
}
