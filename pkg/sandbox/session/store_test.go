package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryforge/queryforge/pkg/sandbox"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store, mr := newRedisStore(t)
	ctx := context.Background()

	meta := &Metadata{
		SessionID:   "sess-1",
		Backend:     sandbox.BackendSQLite,
		SchemaSQL:   "CREATE TABLE t (id INTEGER)",
		SeedSQL:     "INSERT INTO t VALUES (1)",
		IsolationID: "s_abcdef123456",
		UserID:      "user-42",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Save(ctx, meta))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, meta.Backend, loaded.Backend)
	assert.Equal(t, meta.SchemaSQL, loaded.SchemaSQL)
	assert.Equal(t, meta.UserID, loaded.UserID)

	// Record carries the session TTL.
	ttl := mr.TTL("session:sess-1")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, sandbox.SessionTTL)
}

func TestRedisStoreLoadMissing(t *testing.T) {
	t.Parallel()
	store, _ := newRedisStore(t)

	meta, err := store.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestRedisStoreTouchRefreshesTTL(t *testing.T) {
	t.Parallel()
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Metadata{SessionID: "sess-2", Backend: sandbox.BackendRedis}))
	mr.FastForward(10 * time.Minute)

	require.NoError(t, store.Touch(ctx, "sess-2"))
	assert.Equal(t, sandbox.SessionTTL, mr.TTL("session:sess-2"))
}

func TestRedisStoreDelete(t *testing.T) {
	t.Parallel()
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Metadata{SessionID: "sess-3", Backend: sandbox.BackendSQLite}))
	require.NoError(t, store.Delete(ctx, "sess-3"))

	meta, err := store.Load(ctx, "sess-3")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	meta, err := store.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, meta)

	require.NoError(t, store.Save(ctx, &Metadata{SessionID: "a", Backend: sandbox.BackendMongoDB, UserID: "u1"}))
	loaded, err := store.Load(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "u1", loaded.UserID)

	// Load returns a copy; mutating it does not affect the store.
	loaded.UserID = "evil"
	again, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "u1", again.UserID)

	require.NoError(t, store.Delete(ctx, "a"))
	gone, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
