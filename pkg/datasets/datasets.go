// Package datasets stores the named schema/seed bundles users can load
// into a sandbox.
package datasets

import (
	"context"
	"database/sql"
	stderr "errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

// Dataset is one loadable schema/seed bundle bound to a backend kind.
type Dataset struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Backend     sandbox.Backend `json:"database_type"`
	SchemaSQL   string          `json:"schema_sql"`
	SeedSQL     string          `json:"seed_sql"`
	IsDefault   bool            `json:"is_default"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Store is the dataset catalog.
type Store interface {
	// Create inserts a dataset, assigning an ID when empty.
	Create(ctx context.Context, d *Dataset) error

	// Get returns a dataset by ID or a not-found error.
	Get(ctx context.Context, id string) (*Dataset, error)

	// List returns datasets ordered by name, optionally filtered by
	// backend kind (empty backend means all).
	List(ctx context.Context, backend sandbox.Backend) ([]*Dataset, error)

	// Update rewrites a dataset in place.
	Update(ctx context.Context, d *Dataset) error

	// Delete removes a dataset. Deleting an unknown ID is an error.
	Delete(ctx context.Context, id string) error

	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	backend     TEXT NOT NULL,
	schema_sql  TEXT NOT NULL,
	seed_sql    TEXT NOT NULL DEFAULT '',
	is_default  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_datasets_backend ON datasets (backend);
`

// SQLiteStore keeps the catalog in a local sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the catalog at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewInternalError("failed to open dataset store", err)
	}
	// The sqlite driver does not tolerate concurrent writers on one file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.NewInternalError("failed to migrate dataset store", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a dataset, assigning an ID when empty.
func (s *SQLiteStore) Create(ctx context.Context, d *Dataset) error {
	if d.Name == "" {
		return errors.NewInvalidArgumentError("dataset name is required", nil)
	}
	if _, err := sandbox.ParseBackend(string(d.Backend)); err != nil {
		return errors.NewInvalidArgumentError(err.Error(), nil)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, name, description, backend, schema_sql, seed_sql, is_default, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Description, string(d.Backend), d.SchemaSQL, d.SeedSQL,
		boolToInt(d.IsDefault), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return errors.NewInternalError("failed to create dataset", err)
	}
	return nil
}

// Get returns a dataset by ID or a not-found error.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, backend, schema_sql, seed_sql, is_default, created_at, updated_at
		 FROM datasets WHERE id = ?`, id)
	d, err := scanDataset(row.Scan)
	if stderr.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("Dataset not found")
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load dataset", err)
	}
	return d, nil
}

// List returns datasets ordered by name, optionally filtered by backend.
func (s *SQLiteStore) List(ctx context.Context, backend sandbox.Backend) ([]*Dataset, error) {
	query := `SELECT id, name, description, backend, schema_sql, seed_sql, is_default, created_at, updated_at
		 FROM datasets`
	args := []any{}
	if backend != "" {
		query += ` WHERE backend = ?`
		args = append(args, string(backend))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternalError("failed to list datasets", err)
	}
	defer rows.Close()

	out := []*Dataset{}
	for rows.Next() {
		d, err := scanDataset(rows.Scan)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan dataset", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to list datasets", err)
	}
	return out, nil
}

// Update rewrites a dataset in place.
func (s *SQLiteStore) Update(ctx context.Context, d *Dataset) error {
	if _, err := sandbox.ParseBackend(string(d.Backend)); err != nil {
		return errors.NewInvalidArgumentError(err.Error(), nil)
	}
	d.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE datasets SET name = ?, description = ?, backend = ?, schema_sql = ?, seed_sql = ?, is_default = ?, updated_at = ?
		 WHERE id = ?`,
		d.Name, d.Description, string(d.Backend), d.SchemaSQL, d.SeedSQL,
		boolToInt(d.IsDefault), d.UpdatedAt.Format(time.RFC3339Nano), d.ID)
	if err != nil {
		return errors.NewInternalError("failed to update dataset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("Dataset not found")
	}
	return nil
}

// Delete removes a dataset.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return errors.NewInternalError("failed to delete dataset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("Dataset not found")
	}
	return nil
}

func scanDataset(scan func(dest ...any) error) (*Dataset, error) {
	var (
		d                    Dataset
		backend              string
		isDefault            int
		createdAt, updatedAt string
	)
	err := scan(&d.ID, &d.Name, &d.Description, &backend, &d.SchemaSQL, &d.SeedSQL, &isDefault, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	d.Backend = sandbox.Backend(backend)
	d.IsDefault = isDefault != 0
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
