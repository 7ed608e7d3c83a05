package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/logger"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

// executeRequest is the body of POST /api/v1/sandbox/execute.
type executeRequest struct {
	DatabaseType   string `json:"database_type"`
	Query          string `json:"query"`
	SchemaSQL      string `json:"schema_sql"`
	SeedSQL        string `json:"seed_sql"`
	DatasetID      string `json:"dataset_id"`
	SessionID      string `json:"session_id"`
	TimeoutSeconds int    `json:"timeout"`
}

// executeResponse is the query result plus the session echo.
type executeResponse struct {
	*sandbox.QueryResult
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.DatabaseType == "" {
		req.DatabaseType = string(sandbox.BackendSQLite)
	}
	backend, err := sandbox.ParseBackend(req.DatabaseType)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			"Invalid database type. Must be one of: "+backendList())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "Query is required")
		return
	}

	if req.DatasetID != "" {
		dataset, err := s.datasets.Get(r.Context(), req.DatasetID)
		if err != nil {
			if errors.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "Dataset not found")
				return
			}
			logger.Errorw("dataset lookup failed", "dataset_id", req.DatasetID, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		req.SchemaSQL = dataset.SchemaSQL
		req.SeedSQL = dataset.SeedSQL
	}

	if backend != sandbox.BackendSQLite && !s.pool.IsAvailable(backend) {
		writeError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("%s sandbox is not available. Please try again later.", backend))
		return
	}

	execReq := &sandbox.ExecutionRequest{
		Backend:   backend,
		Query:     req.Query,
		SchemaSQL: req.SchemaSQL,
		SeedSQL:   req.SeedSQL,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		SessionID: req.SessionID,
		UserID:    userID(r),
	}

	var result *sandbox.QueryResult
	if req.SessionID != "" {
		result = s.pool.ExecuteInSession(r.Context(), execReq)
	} else {
		result = s.pool.ExecuteStateless(r.Context(), execReq)
	}

	writeJSON(w, http.StatusOK, executeResponse{QueryResult: result, SessionID: req.SessionID})
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if owner, ok := s.pool.SessionOwner(req.SessionID); ok && owner != "" && owner != userID(r) {
		writeError(w, http.StatusForbidden, "Not authorized to reset this session")
		return
	}

	s.pool.ResetSession(r.Context(), req.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// backendDescriptions feeds the database type picker in the UI.
var backendDescriptions = map[sandbox.Backend]struct {
	label       string
	description string
}{
	sandbox.BackendSQLite:     {"SQLite", "Lightweight in-memory database. Great for learning SQL basics."},
	sandbox.BackendPostgreSQL: {"PostgreSQL", "Advanced open-source database with rich features."},
	sandbox.BackendMariaDB:    {"MariaDB", "MySQL-compatible database with additional features."},
	sandbox.BackendMongoDB:    {"MongoDB", "Document-oriented NoSQL database."},
	sandbox.BackendRedis:      {"Redis", "In-memory key-value store."},
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	type backendInfo struct {
		Value       string `json:"value"`
		Label       string `json:"label"`
		Description string `json:"description"`
		Available   bool   `json:"available"`
	}

	out := make([]backendInfo, 0, len(sandbox.Backends))
	for _, b := range sandbox.Backends {
		desc := backendDescriptions[b]
		out = append(out, backendInfo{
			Value:       string(b),
			Label:       desc.label,
			Description: desc.description,
			Available:   s.pool.IsAvailable(b),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	backend := sandbox.Backend(r.URL.Query().Get("database_type"))
	list, err := s.datasets.List(r.Context(), backend)
	if err != nil {
		logger.Errorw("dataset list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.pool.GetStats()
	if !stats.Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": "Pool not running",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"databases": stats.Availability,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.GetStats())
}

func backendList() string {
	names := make([]string, len(sandbox.Backends))
	for i, b := range sandbox.Backends {
		names[i] = string(b)
	}
	return strings.Join(names, ", ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
