// Package pool is the entry point of the execution core: it tracks
// backend availability, runs stateless one-shot executions, and
// bridges session-mode requests to the session manager.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/logger"
	"github.com/queryforge/queryforge/pkg/sandbox"
	"github.com/queryforge/queryforge/pkg/sandbox/executor"
	"github.com/queryforge/queryforge/pkg/sandbox/session"
	"github.com/queryforge/queryforge/pkg/sandbox/validator"
	"github.com/queryforge/queryforge/pkg/telemetry"
)

// Stats is a snapshot of the pool's state.
type Stats struct {
	Running      bool                     `json:"running"`
	Availability map[sandbox.Backend]bool `json:"availability"`
	Sessions     int                      `json:"sessions"`
}

// Pool coordinates executors against the static backend servers. One
// instance serves the whole process.
type Pool struct {
	endpoints sandbox.Endpoints
	manager   *session.Manager

	mu        sync.RWMutex
	running   bool
	available map[sandbox.Backend]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a pool over the given endpoints and session manager.
func New(endpoints sandbox.Endpoints, manager *session.Manager) *Pool {
	return &Pool{
		endpoints: endpoints,
		manager:   manager,
		available: make(map[sandbox.Backend]bool),
	}
}

// Start probes availability once and launches the periodic health
// check and the session manager.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	logger.Info("starting sandbox pool")
	p.checkAvailability(ctx)
	p.manager.Start()

	p.wg.Add(1)
	go p.healthCheckLoop()
	logger.Info("sandbox pool started")
}

// Stop halts the health loop and shuts the session manager down.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.manager.Stop()
	logger.Info("sandbox pool stopped")
}

// Running reports whether Start has been called.
func (p *Pool) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// IsAvailable reports whether a backend can serve queries right now.
// SQLite is always available; it needs no server.
func (p *Pool) IsAvailable(backend sandbox.Backend) bool {
	if backend == sandbox.BackendSQLite {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available[backend]
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(sandbox.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAvailability(context.Background())
		}
	}
}

// checkAvailability probes every server-backed backend concurrently,
// each under its own deadline.
func (p *Pool) checkAvailability(ctx context.Context) {
	serverBackends := []sandbox.Backend{
		sandbox.BackendPostgreSQL,
		sandbox.BackendMariaDB,
		sandbox.BackendMongoDB,
		sandbox.BackendRedis,
	}

	results := make(map[sandbox.Backend]bool, len(serverBackends))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, backend := range serverBackends {
		backend := backend
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, sandbox.HealthCheckTimeout)
			defer cancel()

			up := p.probe(probeCtx, backend)
			resultsMu.Lock()
			results[backend] = up
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	for backend, up := range results {
		if p.available[backend] != up {
			if up {
				logger.Infow("backend is available", "backend", backend)
			} else {
				logger.Warnw("backend is not available", "backend", backend)
			}
		}
		p.available[backend] = up
	}
	p.mu.Unlock()
}

func (p *Pool) probe(ctx context.Context, backend sandbox.Backend) bool {
	exec, err := executor.New(backend, p.statelessOptions(backend))
	if err != nil {
		return false
	}
	if err := exec.Connect(ctx); err != nil {
		return false
	}
	exec.Disconnect()
	return true
}

func (p *Pool) statelessOptions(backend sandbox.Backend) executor.Options {
	ep := p.endpoints.ForBackend(backend)
	return executor.Options{
		Host:     ep.Host,
		Port:     ep.Port,
		Database: ep.Database,
		User:     ep.User,
		Password: ep.Password,
	}
}

// ExecuteStateless runs one query on a fresh executor: validate,
// connect, reset, schema, seed, execute, release. Failures of any kind
// come back as a result, never as a panic or error.
func (p *Pool) ExecuteStateless(ctx context.Context, req *sandbox.ExecutionRequest) (result *sandbox.QueryResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("panic during stateless execution", "backend", req.Backend, "panic", r)
			result = sandbox.Failure("Internal error during query execution")
		}
	}()

	start := time.Now()
	if err := validator.Validate(req.Backend, req.Query); err != nil {
		telemetry.RecordBlocked(string(req.Backend))
		return sandbox.Failure("%s", errors.Message(err))
	}

	timeout := req.ClampTimeout()

	exec, err := executor.New(req.Backend, p.statelessOptions(req.Backend))
	if err != nil {
		return p.record(req.Backend, start, sandbox.Failure("%s", errors.Message(err)))
	}
	if err := exec.Connect(ctx); err != nil {
		return p.record(req.Backend, start, sandbox.Failure("%s", errors.Message(err)))
	}
	defer exec.Disconnect()

	exec.Reset(ctx)

	if req.SchemaSQL != "" {
		if res := exec.InitSchema(ctx, req.SchemaSQL); !res.Success {
			return p.record(req.Backend, start, res)
		}
	}
	if req.SeedSQL != "" {
		if res := exec.LoadSeed(ctx, req.SeedSQL); !res.Success {
			return p.record(req.Backend, start, res)
		}
	}

	res, err := exec.Execute(ctx, req.Query, timeout)
	if err != nil {
		if errors.IsQueryTimeout(err) {
			telemetry.RecordQuery(string(req.Backend), telemetry.OutcomeTimeout, time.Since(start).Seconds())
			return sandbox.Failure("%s", errors.Message(err))
		}
		return p.record(req.Backend, start, sandbox.Failure("%s", errors.Message(err)))
	}
	return p.record(req.Backend, start, res)
}

// ExecuteInSession runs one query in a persistent session, creating
// the session on first use.
func (p *Pool) ExecuteInSession(ctx context.Context, req *sandbox.ExecutionRequest) (result *sandbox.QueryResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("panic during session execution", "backend", req.Backend, "panic", r)
			result = sandbox.Failure("Internal error during query execution")
		}
	}()

	start := time.Now()
	if err := validator.Validate(req.Backend, req.Query); err != nil {
		telemetry.RecordBlocked(string(req.Backend))
		return sandbox.Failure("%s", errors.Message(err))
	}

	if _, err := p.manager.GetOrCreate(ctx, req.SessionID, req.Backend, req.SchemaSQL, req.SeedSQL, req.UserID); err != nil {
		return p.record(req.Backend, start, sandbox.Failure("%s", errors.Message(err)))
	}

	res := p.manager.Execute(ctx, req.SessionID, req.Query, req.ClampTimeout(), req.UserID)
	return p.record(req.Backend, start, res)
}

// ResetSession destroys a session so the next query starts fresh.
// Resetting an unknown session is a no-op.
func (p *Pool) ResetSession(ctx context.Context, sessionID string) {
	p.manager.Destroy(ctx, sessionID)
}

// SessionOwner reports the owner of a live session.
func (p *Pool) SessionOwner(sessionID string) (string, bool) {
	return p.manager.Owner(sessionID)
}

// GetStats returns a snapshot for health and stats endpoints.
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	availability := make(map[sandbox.Backend]bool, len(p.available)+1)
	for backend, up := range p.available {
		availability[backend] = up
	}
	running := p.running
	p.mu.RUnlock()

	availability[sandbox.BackendSQLite] = true
	return Stats{
		Running:      running,
		Availability: availability,
		Sessions:     p.manager.Count(),
	}
}

func (p *Pool) record(backend sandbox.Backend, start time.Time, res *sandbox.QueryResult) *sandbox.QueryResult {
	outcome := telemetry.OutcomeSuccess
	if !res.Success {
		outcome = telemetry.OutcomeFailure
	}
	telemetry.RecordQuery(string(backend), outcome, time.Since(start).Seconds())
	return res
}
