package datasets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "datasets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	d := &Dataset{
		Name:      "Library",
		Backend:   sandbox.BackendSQLite,
		SchemaSQL: "CREATE TABLE books (id INTEGER PRIMARY KEY, title TEXT)",
		SeedSQL:   "INSERT INTO books (title) VALUES ('SICP')",
	}
	require.NoError(t, store.Create(ctx, d))
	require.NotEmpty(t, d.ID)

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Library", got.Name)
	assert.Equal(t, sandbox.BackendSQLite, got.Backend)
	assert.Equal(t, d.SchemaSQL, got.SchemaSQL)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Create(ctx, &Dataset{Backend: sandbox.BackendSQLite})
	assert.True(t, errors.IsInvalidArgument(err))

	err = store.Create(ctx, &Dataset{Name: "x", Backend: "oracle"})
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestListFiltersByBackend(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Dataset{Name: "zoo", Backend: sandbox.BackendSQLite, SchemaSQL: "CREATE TABLE a (x INT)"}))
	require.NoError(t, store.Create(ctx, &Dataset{Name: "alpha", Backend: sandbox.BackendSQLite, SchemaSQL: "CREATE TABLE b (x INT)"}))
	require.NoError(t, store.Create(ctx, &Dataset{Name: "cache", Backend: sandbox.BackendRedis, SeedSQL: "SET k v"}))

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Ordered by name.
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zoo", all[2].Name)

	sqlite, err := store.List(ctx, sandbox.BackendSQLite)
	require.NoError(t, err)
	assert.Len(t, sqlite, 2)

	mongo, err := store.List(ctx, sandbox.BackendMongoDB)
	require.NoError(t, err)
	assert.Empty(t, mongo)
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	d := &Dataset{Name: "v1", Backend: sandbox.BackendSQLite, SchemaSQL: "CREATE TABLE t (x INT)"}
	require.NoError(t, store.Create(ctx, d))

	d.Name = "v2"
	d.SeedSQL = "INSERT INTO t VALUES (1)"
	require.NoError(t, store.Update(ctx, d))

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
	assert.Equal(t, "INSERT INTO t VALUES (1)", got.SeedSQL)

	err = store.Update(ctx, &Dataset{ID: "missing", Name: "x", Backend: sandbox.BackendSQLite})
	assert.True(t, errors.IsNotFound(err))
}

func TestDelete(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	d := &Dataset{Name: "doomed", Backend: sandbox.BackendRedis}
	require.NoError(t, store.Create(ctx, d))
	require.NoError(t, store.Delete(ctx, d.ID))

	_, err := store.Get(ctx, d.ID)
	assert.True(t, errors.IsNotFound(err))

	err = store.Delete(ctx, d.ID)
	assert.True(t, errors.IsNotFound(err))
}
