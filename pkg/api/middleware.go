package api

import (
	"context"
	"net/http"
	"time"

	"github.com/queryforge/queryforge/pkg/logger"
)

// UserHeader carries the authenticated user set by the upstream auth
// proxy. Authentication itself happens outside this process.
const UserHeader = "X-Forwarded-User"

type contextKey string

const userKey contextKey = "user"

// userID returns the authenticated user for a request, or "".
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

// authenticated rejects requests that carry no upstream identity and
// stores the user in the request context otherwise.
func authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger emits one structured log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debugw("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
