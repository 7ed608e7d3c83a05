package pool

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryforge/queryforge/pkg/sandbox"
	"github.com/queryforge/queryforge/pkg/sandbox/session"
	"github.com/queryforge/queryforge/pkg/sandbox/validator"
)

func newTestPool(t *testing.T, endpoints sandbox.Endpoints) *Pool {
	t.Helper()
	manager := session.NewManager(endpoints, session.NewMemoryStore())
	p := New(endpoints, manager)
	t.Cleanup(p.Stop)
	return p
}

func redisEndpoints(t *testing.T, mr *miniredis.Miniredis) sandbox.Endpoints {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return sandbox.Endpoints{
		Redis: sandbox.Endpoint{Host: mr.Host(), Port: port},
	}
}

func TestExecuteStatelessSQLite(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, sandbox.Endpoints{})

	res := p.ExecuteStateless(context.Background(), &sandbox.ExecutionRequest{
		Backend:   sandbox.BackendSQLite,
		Query:     "SELECT name FROM students ORDER BY name",
		SchemaSQL: "CREATE TABLE students (id INTEGER PRIMARY KEY, name TEXT)",
		SeedSQL:   "INSERT INTO students (name) VALUES ('Ada'), ('Grace')",
	})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, []string{"name"}, res.Columns)
	assert.Equal(t, 2, res.RowCount)
}

func TestExecuteStatelessIsIsolated(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, sandbox.Endpoints{})
	ctx := context.Background()

	res := p.ExecuteStateless(ctx, &sandbox.ExecutionRequest{
		Backend:   sandbox.BackendSQLite,
		Query:     "INSERT INTO t VALUES (1)",
		SchemaSQL: "CREATE TABLE t (id INTEGER)",
	})
	require.True(t, res.Success, res.ErrorMessage)

	// The next stateless run starts from scratch.
	res = p.ExecuteStateless(ctx, &sandbox.ExecutionRequest{
		Backend: sandbox.BackendSQLite,
		Query:   "SELECT * FROM t",
	})
	require.False(t, res.Success)
}

func TestExecuteStatelessBlockedQuery(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, sandbox.Endpoints{})

	res := p.ExecuteStateless(context.Background(), &sandbox.ExecutionRequest{
		Backend: sandbox.BackendSQLite,
		Query:   "ATTACH DATABASE '/etc/passwd' AS pwn",
	})
	require.False(t, res.Success)
	assert.Equal(t, validator.MsgFileRead, res.ErrorMessage)
}

func TestExecuteStatelessTruncation(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, sandbox.Endpoints{})

	res := p.ExecuteStateless(context.Background(), &sandbox.ExecutionRequest{
		Backend: sandbox.BackendSQLite,
		Query: `WITH RECURSIVE seq(n) AS (
			SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < 2000
		) SELECT n FROM seq`,
		Timeout: 20 * time.Second,
	})
	require.True(t, res.Success, res.ErrorMessage)
	assert.True(t, res.Truncated)
	assert.Equal(t, sandbox.MaxResultRows, res.RowCount)
}

func TestExecuteStatelessSchemaFailureShortCircuits(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, sandbox.Endpoints{})

	res := p.ExecuteStateless(context.Background(), &sandbox.ExecutionRequest{
		Backend:   sandbox.BackendSQLite,
		Query:     "SELECT 1",
		SchemaSQL: "CREATE TABLE broken (",
	})
	require.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "Schema initialization failed")
}

func TestExecuteStatelessRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	p := newTestPool(t, redisEndpoints(t, mr))

	res := p.ExecuteStateless(context.Background(), &sandbox.ExecutionRequest{
		Backend: sandbox.BackendRedis,
		Query:   "GET seeded",
		SeedSQL: "SET seeded yes",
	})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, [][]any{{"yes"}}, res.Rows)
}

func TestExecuteInSessionKeepsState(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, sandbox.Endpoints{})
	ctx := context.Background()

	req := func(query string) *sandbox.ExecutionRequest {
		return &sandbox.ExecutionRequest{
			Backend:   sandbox.BackendSQLite,
			Query:     query,
			SchemaSQL: "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)",
			SessionID: "pool-sess",
			UserID:    "u1",
		}
	}

	res := p.ExecuteInSession(ctx, req("INSERT INTO notes (body) VALUES ('first')"))
	require.True(t, res.Success, res.ErrorMessage)

	res = p.ExecuteInSession(ctx, req("SELECT COUNT(*) FROM notes"))
	require.True(t, res.Success, res.ErrorMessage)
	assert.EqualValues(t, 1, res.Rows[0][0])
}

func TestResetSessionStartsFresh(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, sandbox.Endpoints{})
	ctx := context.Background()

	req := func(query string) *sandbox.ExecutionRequest {
		return &sandbox.ExecutionRequest{
			Backend:   sandbox.BackendSQLite,
			Query:     query,
			SchemaSQL: "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)",
			SeedSQL:   "INSERT INTO notes (body) VALUES ('seeded')",
			SessionID: "reset-sess",
			UserID:    "u1",
		}
	}

	res := p.ExecuteInSession(ctx, req("INSERT INTO notes (body) VALUES ('extra')"))
	require.True(t, res.Success, res.ErrorMessage)

	p.ResetSession(ctx, "reset-sess")

	// The recreated session holds only the seed data again.
	res = p.ExecuteInSession(ctx, req("SELECT COUNT(*) FROM notes"))
	require.True(t, res.Success, res.ErrorMessage)
	assert.EqualValues(t, 1, res.Rows[0][0])
}

func TestResetUnknownSessionIsNoOp(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, sandbox.Endpoints{})
	p.ResetSession(context.Background(), "never-existed")
}

func TestIsAvailable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	p := newTestPool(t, redisEndpoints(t, mr))

	// SQLite needs no probe.
	assert.True(t, p.IsAvailable(sandbox.BackendSQLite))
	// Unprobed server backends report unavailable.
	assert.False(t, p.IsAvailable(sandbox.BackendRedis))

	p.checkAvailability(context.Background())
	assert.True(t, p.IsAvailable(sandbox.BackendRedis))
	assert.False(t, p.IsAvailable(sandbox.BackendPostgreSQL))
}

func TestGetStats(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	p := newTestPool(t, redisEndpoints(t, mr))
	ctx := context.Background()

	p.checkAvailability(ctx)
	res := p.ExecuteInSession(ctx, &sandbox.ExecutionRequest{
		Backend:   sandbox.BackendSQLite,
		Query:     "SELECT 1",
		SessionID: "stats-sess",
		UserID:    "u1",
	})
	require.True(t, res.Success, res.ErrorMessage)

	stats := p.GetStats()
	assert.False(t, stats.Running) // Start was never called
	assert.True(t, stats.Availability[sandbox.BackendSQLite])
	assert.True(t, stats.Availability[sandbox.BackendRedis])
	assert.Equal(t, 1, stats.Sessions)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	p := newTestPool(t, redisEndpoints(t, mr))
	ctx := context.Background()

	p.Start(ctx)
	assert.True(t, p.Running())
	assert.True(t, p.IsAvailable(sandbox.BackendRedis))

	p.Stop()
	assert.False(t, p.Running())
	// Stop is idempotent.
	p.Stop()
}
