// Package shield provides the listener's HTTP middleware stack: request
// tracing, a panic-to-404 recover wrapper, and a request body size cap.
// Rate limiting, flash messages, and maintenance mode are web-admin
// concerns with no equivalent in an implant-facing listener — see
// DESIGN.md.
package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/duskrelay/beaconsrv/kit"
)

type contextKey string

const loggerKey contextKey = "shield_logger"

// TraceID generates a random trace id for each request and injects it into
// the context, response headers, and a per-request structured logger.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := make([]byte, 4)
		rand.Read(id)
		traceID := hex.EncodeToString(id)

		ctx := kit.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		logger := slog.Default().With(
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		ctx = context.WithValue(ctx, loggerKey, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger retrieves the per-request logger from the context, falling back
// to slog.Default() if TraceID was not applied.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Recover catches a panic in any downstream handler and converts it into
// the listener's opaque 404 response rather than crashing the process or
// leaking a stack trace — spec §7's "catch-all exception handler".
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				GetLogger(r.Context()).Error("handler panic recovered",
					"panic", rec, "stack", string(debug.Stack()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"status":"Not found"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// MaxBody caps every request body at maxBytes, regardless of content type —
// the listener's endpoints are all JSON or raw binary, never form posts.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
