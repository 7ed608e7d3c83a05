package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/logger"
	"github.com/queryforge/queryforge/pkg/sandbox"
	"github.com/queryforge/queryforge/pkg/sandbox/executor"
	"github.com/queryforge/queryforge/pkg/telemetry"
)

// ExpiredMessage is the sentinel error message returned when a query
// targets a session that no longer exists.
const ExpiredMessage = "SESSION_EXPIRED"

const notOwnerMessage = "Session belongs to another user."

// Manager owns the live session table.
//
// Locking: mu protects the sessions map and is held only for quick
// operations. Heavy I/O (connect, schema create, DROP) always runs
// outside mu. Each session carries its own execMu so queries on the
// same session serialize while different sessions run in parallel.
type Manager struct {
	endpoints sandbox.Endpoints
	store     Store

	mu       sync.Mutex
	sessions map[string]*Session

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// now is replaceable in tests to drive expiry.
	now func() time.Time
}

// NewManager builds a manager. store may be nil; sessions then live
// only in this process and a restart loses them.
func NewManager(endpoints sandbox.Endpoints, store Store) *Manager {
	if store == nil {
		logger.Warn("no session metadata store configured; cross-process session recovery disabled")
	}
	return &Manager{
		endpoints: endpoints,
		store:     store,
		sessions:  make(map[string]*Session),
		now:       time.Now,
	}
}

// Start launches the expiry sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.cleanupLoop()
	logger.Info("session manager started")
}

// Stop halts the sweep and destroys every session.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doomed := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		doomed = append(doomed, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range doomed {
		m.teardown(ctx, s)
		m.deleteMetadata(ctx, s.ID)
	}
	telemetry.SetActiveSessions(0)

	if m.store != nil {
		_ = m.store.Close()
	}
	logger.Info("session manager stopped")
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Owner returns the owner of a live session, and whether it exists.
func (m *Manager) Owner(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.UserID, true
}

// GetOrCreate returns the live session for sessionID, creating (or
// rebuilding from stored metadata) one when needed. Creation runs
// outside the manager lock so concurrent users do not serialize.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string, backend sandbox.Backend, schemaSQL, seedSQL, userID string) (*Session, error) {
	// Fast path: session exists with the right backend.
	m.mu.Lock()
	existing := m.sessions[sessionID]
	if existing != nil && existing.Backend == backend {
		if !existing.ownedBy(userID) {
			m.mu.Unlock()
			return nil, errors.NewNotOwnerError(notOwnerMessage)
		}
		existing.LastUsedAt = m.now()
		m.mu.Unlock()
		m.touchMetadata(ctx, sessionID)
		return existing, nil
	}

	// Backend changed: retire the old session.
	var old *Session
	if existing != nil {
		old = existing
		delete(m.sessions, sessionID)
	}

	if len(m.sessions) >= sandbox.MaxSessions {
		m.mu.Unlock()
		return nil, errors.NewTooManySessionsError(fmt.Sprintf(
			"Too many active sessions (%d). Please try again later.", sandbox.MaxSessions))
	}
	m.mu.Unlock()

	if old != nil {
		m.teardown(ctx, old)
		m.deleteMetadata(ctx, sessionID)
	}

	// Cross-process recovery: rebuild from stored metadata.
	if rebuilt := m.rebuild(ctx, sessionID, backend); rebuilt != nil {
		if !rebuilt.ownedBy(userID) {
			m.teardown(ctx, rebuilt)
			return nil, errors.NewNotOwnerError(notOwnerMessage)
		}
		if won, winner := m.register(rebuilt); !won {
			m.teardown(ctx, rebuilt)
			if !winner.ownedBy(userID) {
				return nil, errors.NewNotOwnerError(notOwnerMessage)
			}
			return winner, nil
		}
		return rebuilt, nil
	}

	created, err := m.createSession(ctx, sessionID, backend, schemaSQL, seedSQL)
	if err != nil {
		return nil, err
	}
	created.UserID = userID

	if won, winner := m.register(created); !won {
		// Another goroutine created it first; discard ours. The winner is
		// subject to the same ownership check as the fast path.
		m.teardown(ctx, created)
		if !winner.ownedBy(userID) {
			return nil, errors.NewNotOwnerError(notOwnerMessage)
		}
		return winner, nil
	}
	m.saveMetadata(ctx, created)
	return created, nil
}

// register inserts a freshly built session unless a concurrent caller
// won the race, in which case the surviving session is returned.
func (m *Manager) register(s *Session) (bool, *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if winner, ok := m.sessions[s.ID]; ok {
		return false, winner
	}
	m.sessions[s.ID] = s
	telemetry.SetActiveSessions(len(m.sessions))
	return true, nil
}

// Execute runs a query inside an existing session. Query failures are
// reported through the result, never as a Go error.
func (m *Manager) Execute(ctx context.Context, sessionID, query string, timeout time.Duration, userID string) *sandbox.QueryResult {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return sandbox.Failure("%s", ExpiredMessage)
	}
	if !s.ownedBy(userID) {
		m.mu.Unlock()
		return sandbox.Failure("%s", notOwnerMessage)
	}
	s.LastUsedAt = m.now()
	m.mu.Unlock()

	m.touchMetadata(ctx, sessionID)

	s.execMu.Lock()
	defer s.execMu.Unlock()

	if !s.Executor.IsConnected(ctx) {
		logger.Warnw("reconnecting stale session connection", "session_id", sessionID)
		if err := s.Executor.Connect(ctx); err != nil {
			return sandbox.Failure("Connection lost and reconnect failed: %v", err)
		}
	}

	result, err := s.Executor.Execute(ctx, query, timeout)
	if err != nil {
		logger.Errorw("session query error", "session_id", sessionID, "error", err)
		return sandbox.Failure("%s", errors.Message(err))
	}
	return result
}

// Destroy removes a session and releases its backend resources.
func (m *Manager) Destroy(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		telemetry.SetActiveSessions(len(m.sessions))
	}
	m.mu.Unlock()

	if ok {
		m.teardown(ctx, s)
		m.deleteMetadata(ctx, sessionID)
		logger.Infow("destroyed session", "session_id", sessionID, "backend", s.Backend)
	}
}

// newIsolationID generates a fresh schema/database/prefix name.
func newIsolationID() string {
	id := uuid.New()
	return "s_" + hex.EncodeToString(id[:])[:12]
}

// createSession provisions backend isolation, connects an executor,
// and applies schema and seed. Any failure rolls the isolation back.
func (m *Manager) createSession(ctx context.Context, sessionID string, backend sandbox.Backend, schemaSQL, seedSQL string) (*Session, error) {
	now := m.now()
	isolationID := newIsolationID()

	var exec executor.Executor
	var err error
	switch backend {
	case sandbox.BackendSQLite:
		exec, err = m.createSQLite(ctx, schemaSQL, seedSQL)
	case sandbox.BackendPostgreSQL:
		exec, err = m.createPostgres(ctx, isolationID, schemaSQL, seedSQL)
	case sandbox.BackendMariaDB:
		exec, err = m.createMariaDB(ctx, isolationID, schemaSQL, seedSQL)
	case sandbox.BackendMongoDB:
		exec, err = m.createMongo(ctx, isolationID, schemaSQL, seedSQL)
	case sandbox.BackendRedis:
		exec, err = m.createRedis(ctx, isolationID, schemaSQL, seedSQL)
	default:
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("unsupported backend kind: %q", backend), nil)
	}
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:          sessionID,
		Backend:     backend,
		SchemaSQL:   schemaSQL,
		SeedSQL:     seedSQL,
		IsolationID: isolationID,
		Executor:    exec,
		CreatedAt:   now,
		LastUsedAt:  now,
	}, nil
}

// applySchemaAndSeed loads the dataset into a fresh executor,
// disconnecting it on failure.
func applySchemaAndSeed(ctx context.Context, exec executor.Executor, schemaSQL, seedSQL string) error {
	if schemaSQL != "" {
		if res := exec.InitSchema(ctx, schemaSQL); !res.Success {
			exec.Disconnect()
			return errors.NewCreationFailedError("schema init failed: "+res.ErrorMessage, nil)
		}
	}
	if seedSQL != "" {
		if res := exec.LoadSeed(ctx, seedSQL); !res.Success {
			exec.Disconnect()
			return errors.NewCreationFailedError("seed data failed: "+res.ErrorMessage, nil)
		}
	}
	return nil
}

func (m *Manager) createSQLite(ctx context.Context, schemaSQL, seedSQL string) (executor.Executor, error) {
	exec := executor.NewSQLite()
	if err := exec.Connect(ctx); err != nil {
		return nil, err
	}
	if err := applySchemaAndSeed(ctx, exec, schemaSQL, seedSQL); err != nil {
		return nil, err
	}
	return exec, nil
}

func (m *Manager) createPostgres(ctx context.Context, isolationID, schemaSQL, seedSQL string) (executor.Executor, error) {
	student := m.endpoints.StudentPostgreSQL()
	studentUser := ""
	if m.endpoints.PostgreSQLStudent != nil {
		studentUser = m.endpoints.PostgreSQLStudent.User
	}
	if err := createPGSchema(ctx, m.endpoints.PostgreSQL, isolationID, studentUser); err != nil {
		return nil, err
	}

	exec := executor.NewPostgres(executor.Options{
		Host:       student.Host,
		Port:       student.Port,
		Database:   student.Database,
		User:       student.User,
		Password:   student.Password,
		SearchPath: isolationID,
	})
	if err := exec.Connect(ctx); err != nil {
		dropPGSchema(ctx, m.endpoints.PostgreSQL, isolationID)
		return nil, err
	}
	if err := applySchemaAndSeed(ctx, exec, schemaSQL, seedSQL); err != nil {
		dropPGSchema(ctx, m.endpoints.PostgreSQL, isolationID)
		return nil, err
	}
	return exec, nil
}

func (m *Manager) createMariaDB(ctx context.Context, isolationID, schemaSQL, seedSQL string) (executor.Executor, error) {
	studentUser := ""
	if m.endpoints.MariaDBStudent != nil {
		studentUser = m.endpoints.MariaDBStudent.User
	}
	if err := createMariaDBDatabase(ctx, m.endpoints.MariaDBRoot, isolationID, m.endpoints.MariaDB.User, studentUser); err != nil {
		return nil, err
	}

	// Schema and seed run with admin privileges, queries with the
	// restricted student user.
	admin := executor.NewMariaDB(executor.Options{
		Host:     m.endpoints.MariaDB.Host,
		Port:     m.endpoints.MariaDB.Port,
		Database: isolationID,
		User:     m.endpoints.MariaDB.User,
		Password: m.endpoints.MariaDB.Password,
	})
	if err := admin.Connect(ctx); err != nil {
		dropMariaDBDatabase(ctx, m.endpoints.MariaDBRoot, isolationID)
		return nil, err
	}
	if err := applySchemaAndSeed(ctx, admin, schemaSQL, seedSQL); err != nil {
		dropMariaDBDatabase(ctx, m.endpoints.MariaDBRoot, isolationID)
		return nil, err
	}
	admin.Disconnect()

	student := m.endpoints.StudentMariaDB()
	exec := executor.NewMariaDB(executor.Options{
		Host:     student.Host,
		Port:     student.Port,
		Database: isolationID,
		User:     student.User,
		Password: student.Password,
	})
	if err := exec.Connect(ctx); err != nil {
		dropMariaDBDatabase(ctx, m.endpoints.MariaDBRoot, isolationID)
		return nil, err
	}
	return exec, nil
}

func (m *Manager) createMongo(ctx context.Context, isolationID, schemaSQL, seedSQL string) (executor.Executor, error) {
	exec := executor.NewMongo(executor.Options{
		Host:     m.endpoints.MongoDB.Host,
		Port:     m.endpoints.MongoDB.Port,
		Database: isolationID,
	})
	if err := exec.Connect(ctx); err != nil {
		return nil, err
	}
	if err := applySchemaAndSeed(ctx, exec, schemaSQL, seedSQL); err != nil {
		return nil, err
	}
	return exec, nil
}

func (m *Manager) createRedis(ctx context.Context, isolationID, schemaSQL, seedSQL string) (executor.Executor, error) {
	exec := executor.NewRedis(executor.Options{
		Host:      m.endpoints.Redis.Host,
		Port:      m.endpoints.Redis.Port,
		KeyPrefix: isolationID,
	})
	if err := exec.Connect(ctx); err != nil {
		return nil, err
	}
	// Clean any leftover keys under this prefix.
	exec.Reset(ctx)
	if err := applySchemaAndSeed(ctx, exec, schemaSQL, seedSQL); err != nil {
		return nil, err
	}
	return exec, nil
}

// teardown releases a session's backend resources. Best effort; it
// never blocks the session table. Callers remove s from the table
// first, so holding execMu here only waits out a query already in
// flight; the executor is never mutated under a running Execute.
func (m *Manager) teardown(ctx context.Context, s *Session) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	switch s.Backend {
	case sandbox.BackendSQLite:
		s.Executor.Disconnect()
	case sandbox.BackendPostgreSQL:
		s.Executor.Disconnect()
		if s.IsolationID != "" {
			dropPGSchema(ctx, m.endpoints.PostgreSQL, s.IsolationID)
		}
	case sandbox.BackendMariaDB:
		s.Executor.Disconnect()
		if s.IsolationID != "" {
			dropMariaDBDatabase(ctx, m.endpoints.MariaDBRoot, s.IsolationID)
		}
	case sandbox.BackendMongoDB:
		if mongoExec, ok := s.Executor.(*executor.Mongo); ok && s.IsolationID != "" {
			if err := mongoExec.DropDatabase(ctx); err != nil {
				logger.Warnw("failed to drop mongo session database", "session_id", s.ID, "error", err)
			}
		}
		s.Executor.Disconnect()
	case sandbox.BackendRedis:
		s.Executor.Reset(ctx)
		s.Executor.Disconnect()
	}
}

// rebuild recreates a session from stored metadata after a process
// restart. Returns nil when no usable record exists.
func (m *Manager) rebuild(ctx context.Context, sessionID string, backend sandbox.Backend) *Session {
	if m.store == nil {
		return nil
	}
	meta, err := m.store.Load(ctx, sessionID)
	if err != nil {
		logger.Warnw("failed to load session metadata", "session_id", sessionID, "error", err)
		return nil
	}
	if meta == nil || meta.Backend != backend {
		return nil
	}

	s, err := m.createSession(ctx, sessionID, meta.Backend, meta.SchemaSQL, meta.SeedSQL)
	if err != nil {
		logger.Warnw("failed to rebuild session", "session_id", sessionID, "error", err)
		return nil
	}
	s.UserID = meta.UserID
	m.saveMetadata(ctx, s)
	logger.Infow("rebuilt session from stored metadata", "session_id", sessionID)
	return s
}

// Metadata store helpers; all best effort.

func (m *Manager) saveMetadata(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	err := m.store.Save(ctx, &Metadata{
		SessionID:   s.ID,
		Backend:     s.Backend,
		SchemaSQL:   s.SchemaSQL,
		SeedSQL:     s.SeedSQL,
		IsolationID: s.IsolationID,
		UserID:      s.UserID,
		CreatedAt:   s.CreatedAt,
	})
	if err != nil {
		logger.Warnw("failed to save session metadata", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) touchMetadata(ctx context.Context, sessionID string) {
	if m.store == nil {
		return
	}
	_ = m.store.Touch(ctx, sessionID)
}

func (m *Manager) deleteMetadata(ctx context.Context, sessionID string) {
	if m.store == nil {
		return
	}
	_ = m.store.Delete(ctx, sessionID)
}

// Expiry sweep.

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sandbox.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CleanupExpired(context.Background())
		}
	}
}

// CleanupExpired destroys every session idle past the TTL. The expired
// set is collected under the lock; teardown runs outside it.
func (m *Manager) CleanupExpired(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.expired(now) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	telemetry.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()

	for _, s := range expired {
		logger.Infow("expiring idle session", "session_id", s.ID, "backend", s.Backend)
		m.teardown(ctx, s)
		m.deleteMetadata(ctx, s.ID)
	}
}
