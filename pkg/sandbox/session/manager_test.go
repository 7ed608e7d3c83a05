package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
	"github.com/queryforge/queryforge/pkg/sandbox/executor"
)

const (
	testSchema = "CREATE TABLE counters (name TEXT PRIMARY KEY, value INTEGER)"
	testSeed   = "INSERT INTO counters VALUES ('hits', 0)"
)

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m := NewManager(sandbox.Endpoints{}, store)
	t.Cleanup(m.Stop)
	return m
}

func redisEndpoints(t *testing.T, mr *miniredis.Miniredis) sandbox.Endpoints {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return sandbox.Endpoints{
		Redis: sandbox.Endpoint{Host: mr.Host(), Port: port},
	}
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "sess-1", sandbox.BackendSQLite, testSchema, testSeed, "u1")
	require.NoError(t, err)
	second, err := m.GetOrCreate(ctx, "sess-1", sandbox.BackendSQLite, "", "", "u1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, m.Count())
}

func TestSessionStatePersistsAcrossQueries(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "sess-state", sandbox.BackendSQLite, testSchema, testSeed, "u1")
	require.NoError(t, err)

	res := m.Execute(ctx, "sess-state", "UPDATE counters SET value = value + 1 WHERE name = 'hits'", time.Second, "u1")
	require.True(t, res.Success, res.ErrorMessage)

	res = m.Execute(ctx, "sess-state", "SELECT value FROM counters WHERE name = 'hits'", time.Second, "u1")
	require.True(t, res.Success, res.ErrorMessage)
	require.Equal(t, 1, res.RowCount)
	assert.EqualValues(t, 1, res.Rows[0][0])
}

func TestOwnershipFirstOwnerWins(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "sess-owned", sandbox.BackendSQLite, "", "", "alice")
	require.NoError(t, err)

	_, err = m.GetOrCreate(ctx, "sess-owned", sandbox.BackendSQLite, "", "", "bob")
	require.Error(t, err)
	assert.True(t, errors.IsNotOwner(err))

	res := m.Execute(ctx, "sess-owned", "SELECT 1", time.Second, "bob")
	require.False(t, res.Success)
	assert.Equal(t, "Session belongs to another user.", res.ErrorMessage)
}

func TestExecuteOnMissingSessionReportsExpired(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)

	res := m.Execute(context.Background(), "never-created", "SELECT 1", time.Second, "u1")
	require.False(t, res.Success)
	assert.Equal(t, ExpiredMessage, res.ErrorMessage)
}

func TestBackendSwitchReplacesSession(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	m := NewManager(redisEndpoints(t, mr), nil)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "sess-switch", sandbox.BackendSQLite, testSchema, "", "u1")
	require.NoError(t, err)

	second, err := m.GetOrCreate(ctx, "sess-switch", sandbox.BackendRedis, "", "", "u1")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, sandbox.BackendRedis, second.Backend)
	assert.Equal(t, 1, m.Count())
}

func TestSessionCap(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < sandbox.MaxSessions; i++ {
		_, err := m.GetOrCreate(ctx, "cap-"+strconv.Itoa(i), sandbox.BackendSQLite, "", "", "u1")
		require.NoError(t, err)
	}

	_, err := m.GetOrCreate(ctx, "cap-overflow", sandbox.BackendSQLite, "", "", "u1")
	require.Error(t, err)
	assert.True(t, errors.IsTooManySessions(err))

	// Existing sessions are still reachable at the cap.
	_, err = m.GetOrCreate(ctx, "cap-0", sandbox.BackendSQLite, "", "", "u1")
	assert.NoError(t, err)
}

func TestExpirySweep(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.GetOrCreate(ctx, "sess-exp", sandbox.BackendSQLite, testSchema, "", "u1")
	require.NoError(t, err)

	// Not yet expired.
	m.now = func() time.Time { return base.Add(sandbox.SessionTTL - time.Second) }
	m.CleanupExpired(ctx)
	assert.Equal(t, 1, m.Count())

	// Past the TTL.
	m.now = func() time.Time { return base.Add(sandbox.SessionTTL + time.Second) }
	m.CleanupExpired(ctx)
	assert.Equal(t, 0, m.Count())

	res := m.Execute(ctx, "sess-exp", "SELECT 1", time.Second, "u1")
	require.False(t, res.Success)
	assert.Equal(t, ExpiredMessage, res.ErrorMessage)
}

func TestActivityRefreshesExpiry(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.GetOrCreate(ctx, "sess-touch", sandbox.BackendSQLite, "", "", "u1")
	require.NoError(t, err)

	// Activity at t+10m pushes the deadline out.
	m.now = func() time.Time { return base.Add(10 * time.Minute) }
	res := m.Execute(ctx, "sess-touch", "SELECT 1", time.Second, "u1")
	require.True(t, res.Success)

	m.now = func() time.Time { return base.Add(20 * time.Minute) }
	m.CleanupExpired(ctx)
	assert.Equal(t, 1, m.Count())
}

func TestDestroyRemovesSession(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	m := NewManager(redisEndpoints(t, mr), nil)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "sess-destroy", sandbox.BackendRedis, "", "SET greeting hello", "u1")
	require.NoError(t, err)

	res := m.Execute(ctx, "sess-destroy", "GET greeting", time.Second, "u1")
	require.True(t, res.Success)
	require.Equal(t, [][]any{{"hello"}}, res.Rows)

	m.Destroy(ctx, "sess-destroy")
	assert.Equal(t, 0, m.Count())

	// The session's keys are gone from the shared keyspace.
	_, err = mr.Get(s.IsolationID + ":greeting")
	assert.Error(t, err)
}

func TestRedisSessionsShareServerButNotKeys(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	m := NewManager(redisEndpoints(t, mr), nil)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "sess-r1", sandbox.BackendRedis, "", "", "u1")
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "sess-r2", sandbox.BackendRedis, "", "", "u2")
	require.NoError(t, err)

	res := m.Execute(ctx, "sess-r1", "SET color red", time.Second, "u1")
	require.True(t, res.Success)
	res = m.Execute(ctx, "sess-r2", "SET color blue", time.Second, "u2")
	require.True(t, res.Success)

	res = m.Execute(ctx, "sess-r1", "GET color", time.Second, "u1")
	require.True(t, res.Success)
	assert.Equal(t, [][]any{{"red"}}, res.Rows)

	res = m.Execute(ctx, "sess-r2", "GET color", time.Second, "u2")
	require.True(t, res.Success)
	assert.Equal(t, [][]any{{"blue"}}, res.Rows)
}

func TestRebuildFromMetadata(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	ctx := context.Background()

	store1 := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	m1 := NewManager(sandbox.Endpoints{}, store1)
	_, err := m1.GetOrCreate(ctx, "sess-rebuild", sandbox.BackendSQLite, testSchema, testSeed, "alice")
	require.NoError(t, err)

	// A second process (fresh manager, same store) picks the session up
	// from metadata and replays schema and seed.
	store2 := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	m2 := NewManager(sandbox.Endpoints{}, store2)
	t.Cleanup(m2.Stop)

	s, err := m2.GetOrCreate(ctx, "sess-rebuild", sandbox.BackendSQLite, "", "", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.UserID)

	res := m2.Execute(ctx, "sess-rebuild", "SELECT value FROM counters WHERE name = 'hits'", time.Second, "alice")
	require.True(t, res.Success, res.ErrorMessage)
	require.Equal(t, 1, res.RowCount)

	// Ownership survives the rebuild.
	res = m2.Execute(ctx, "sess-rebuild", "SELECT 1", time.Second, "mallory")
	require.False(t, res.Success)
}

// stubExecutor stands in for a live backend in concurrency tests. When
// entered/release are set, Execute blocks between them; otherwise it
// sleeps briefly so overlapping calls show up in maxActive.
type stubExecutor struct {
	entered chan struct{}
	release chan struct{}

	enterOnce sync.Once

	mu           sync.Mutex
	active       int
	maxActive    int
	disconnected bool
}

func (s *stubExecutor) Connect(context.Context) error    { return nil }
func (s *stubExecutor) IsConnected(context.Context) bool { return true }
func (s *stubExecutor) Reset(context.Context)            {}

func (s *stubExecutor) InitSchema(context.Context, string) *sandbox.QueryResult {
	return sandbox.OK()
}

func (s *stubExecutor) LoadSeed(context.Context, string) *sandbox.QueryResult {
	return sandbox.OK()
}

func (s *stubExecutor) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

func (s *stubExecutor) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func (s *stubExecutor) Execute(context.Context, string, time.Duration) (*sandbox.QueryResult, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()

	if s.entered != nil {
		s.enterOnce.Do(func() { close(s.entered) })
		<-s.release
	} else {
		time.Sleep(2 * time.Millisecond)
	}

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return sandbox.OK(), nil
}

func injectSession(t *testing.T, m *Manager, id string, exec executor.Executor) *Session {
	t.Helper()
	s := &Session{
		ID:         id,
		Backend:    sandbox.BackendSQLite,
		Executor:   exec,
		CreatedAt:  m.now(),
		LastUsedAt: m.now(),
	}
	won, _ := m.register(s)
	require.True(t, won)
	return s
}

func TestSameSessionQueriesSerialize(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	stub := &stubExecutor{}
	injectSession(t, m, "sess-serial", stub)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := m.Execute(ctx, "sess-serial", "SELECT 1", time.Second, "u1")
			require.True(t, res.Success)
		}()
	}
	wg.Wait()

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, 1, stub.maxActive)
}

func TestConcurrentIncrementsAllLand(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "sess-incr", sandbox.BackendSQLite, testSchema, testSeed, "u1")
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := m.Execute(ctx, "sess-incr", "UPDATE counters SET value = value + 1 WHERE name = 'hits'", time.Second, "u1")
			require.True(t, res.Success, res.ErrorMessage)
		}()
	}
	wg.Wait()

	res := m.Execute(ctx, "sess-incr", "SELECT value FROM counters WHERE name = 'hits'", time.Second, "u1")
	require.True(t, res.Success, res.ErrorMessage)
	require.Equal(t, 1, res.RowCount)
	assert.EqualValues(t, workers, res.Rows[0][0])
}

func TestSessionsExecuteInParallel(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	a := &stubExecutor{entered: make(chan struct{}), release: make(chan struct{})}
	b := &stubExecutor{entered: make(chan struct{}), release: make(chan struct{})}
	injectSession(t, m, "sess-par-a", a)
	injectSession(t, m, "sess-par-b", b)

	aDone := make(chan struct{})
	go func() {
		m.Execute(ctx, "sess-par-a", "SELECT 1", time.Second, "u1")
		close(aDone)
	}()
	<-a.entered

	// With the first session's query still running, the second
	// session's query enters and completes.
	bDone := make(chan struct{})
	go func() {
		m.Execute(ctx, "sess-par-b", "SELECT 1", time.Second, "u2")
		close(bDone)
	}()
	<-b.entered
	close(b.release)
	<-bDone

	select {
	case <-aDone:
		t.Fatal("first session's query finished before release")
	default:
	}
	close(a.release)
	<-aDone
}

func TestDestroyWaitsForInFlightQuery(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	stub := &stubExecutor{entered: make(chan struct{}), release: make(chan struct{})}
	injectSession(t, m, "sess-inflight", stub)

	execDone := make(chan *sandbox.QueryResult, 1)
	go func() {
		execDone <- m.Execute(ctx, "sess-inflight", "SELECT 1", time.Second, "u1")
	}()
	<-stub.entered

	destroyDone := make(chan struct{})
	go func() {
		m.Destroy(ctx, "sess-inflight")
		close(destroyDone)
	}()

	// The session leaves the table right away, but its executor is not
	// torn down under the running query.
	assert.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, stub.Disconnected())

	close(stub.release)
	<-destroyDone
	res := <-execDone
	assert.True(t, res.Success)
	assert.True(t, stub.Disconnected())
}

func TestConcurrentCreateEnforcesOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		m := newTestManager(t, nil)

		results := make([]error, 2)
		var wg sync.WaitGroup
		for j, user := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(j int, user string) {
				defer wg.Done()
				_, results[j] = m.GetOrCreate(ctx, "sess-contested", sandbox.BackendSQLite, "", "", user)
			}(j, user)
		}
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			} else {
				assert.True(t, errors.IsNotOwner(err))
			}
		}
		assert.Equal(t, 1, winners)
	}
}

func TestConcurrentGetOrCreateSingleSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ctx := context.Background()

	const workers = 8
	sessions := make([]*Session, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.GetOrCreate(ctx, "sess-race", sandbox.BackendSQLite, testSchema, "", "u1")
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, m.Count())
	for i := 1; i < workers; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
}
