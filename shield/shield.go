// Package shield provides the HTTP middleware stack for the courrier API:
// request tracing, security headers, and per-IP rate limiting for the
// publicly reachable webhook ingress.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(120, "/health") {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
)

type contextKey string

const (
	traceIDKey contextKey = "shield_trace_id"
	loggerKey  contextKey = "shield_logger"
)

// TraceID generates a random trace ID per request and injects it into the
// context, the X-Trace-ID response header, and a per-request structured
// logger.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := make([]byte, 4)
		rand.Read(id)
		traceID := hex.EncodeToString(id)

		w.Header().Set("X-Trace-ID", traceID)

		logger := slog.Default().With(
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		logger.Info("request")

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		ctx = context.WithValue(ctx, loggerKey, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFrom returns the request's trace ID, or "" outside a request.
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the standard middleware stack: trace IDs, security
// headers, and (when perMinute > 0) per-IP rate limiting with the given
// path prefixes excluded.
func DefaultStack(perMinute int, excludePrefixes ...string) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		TraceID,
		SecurityHeaders(DefaultHeaders()),
	}
	if perMinute > 0 {
		stack = append(stack, NewRateLimiter(perMinute, excludePrefixes...).Middleware)
	}
	return stack
}
