// Package main provides the crashd binary entry point. It loads configuration
// from environment variables, validates it, wires the crash-report pipeline
// (report store, snapshot manager, upload queue, product register, telemetry),
// and serves the ingestion and control API over HTTP.
//
// The application flow:
//  1. Load and validate configuration.
//  2. Prepare the data directories.
//  3. Open the telemetry database and start the flush loop.
//  4. Build the snapshot store/manager and the report store.
//  5. Start the upload queue subscribed to policy and network sources.
//  6. Configure and start the HTTP server; shut the pipeline down on signal.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vsrinivas/crashd/internal/config"
	"github.com/vsrinivas/crashd/internal/httpx"
	"github.com/vsrinivas/crashd/internal/queue"
	"github.com/vsrinivas/crashd/internal/register"
	"github.com/vsrinivas/crashd/internal/snapshot"
	"github.com/vsrinivas/crashd/internal/store"
	"github.com/vsrinivas/crashd/internal/telemetry"
	"github.com/vsrinivas/crashd/internal/uploader"
)

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(2)
	}
	return cfg
}

func ensureDirs(cfg *config.Config) {
	for _, dir := range []string{
		cfg.DataDir,
		cfg.TempReportsDir(),
		cfg.PersistentReportsDir(),
		cfg.SnapshotsDir(),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			slog.Error("failed to create data directory", "dir", dir, "err", err)
			os.Exit(3)
		}
	}
}

func openTelemetry(cfg *config.Config) (*sql.DB, *telemetry.Manager, *telemetry.Collector, telemetry.Sink) {
	db, err := sql.Open("sqlite3", cfg.SQLiteDSN())
	if err != nil {
		slog.Error("open sqlite driver", "err", err)
		os.Exit(4)
	}
	mgr := telemetry.NewManager(db, telemetry.Config{FlushInterval: cfg.TelemetryFlush})
	if err := mgr.InitSchema(context.Background()); err != nil {
		slog.Error("init telemetry schema", "err", err)
		os.Exit(4)
	}
	collector := telemetry.NewCollector()
	return db, mgr, collector, telemetry.Fanout{collector, mgr}
}

func buildSnapshots(cfg *config.Config, sink telemetry.Sink) *snapshot.Manager {
	snapStore, err := snapshot.NewStore(cfg.SnapshotsDir(), cfg.SnapshotQuota, nil, sink)
	if err != nil {
		slog.Error("init snapshot store", "err", err)
		os.Exit(5)
	}
	return snapshot.NewManager(snapStore, snapshot.NewSystemProvider(), snapshot.ManagerConfig{
		Window:  cfg.SnapshotWindow,
		Reserve: cfg.SnapshotReserve,
		Sink:    sink,
	})
}

func buildStore(cfg *config.Config, sink telemetry.Sink) *store.Store {
	st, err := store.New(store.Config{
		TempRoot:          cfg.TempReportsDir(),
		TempMaxSize:       cfg.TempQuota,
		PersistentRoot:    cfg.PersistentReportsDir(),
		PersistentMaxSize: cfg.PersistentQuota,
		Sink:              sink,
	})
	if err != nil {
		slog.Error("init report store", "err", err)
		os.Exit(5)
	}
	return st
}

func buildRegister(cfg *config.Config) *register.Register {
	reg, err := register.New(cfg.RegisterPath(), nil)
	if err != nil {
		slog.Error("init product register", "err", err)
		os.Exit(5)
	}
	return reg
}

func buildQueue(cfg *config.Config, st *store.Store, snaps *snapshot.Manager, sink telemetry.Sink) *queue.Queue {
	up := uploader.New(uploader.Config{URL: cfg.CollectorURL})
	return queue.New(st, snaps, up, queue.Config{
		RetryInterval:   cfg.RetryInterval,
		HourlyInterval:  cfg.HourlyInterval,
		UploadTimeout:   cfg.UploadTimeout,
		SnapshotTimeout: cfg.SnapshotTimeout,
		Sink:            sink,
	})
}

func buildHandler(cfg *config.Config, q *queue.Queue, reg *register.Register, db *sql.DB, collector *telemetry.Collector) http.Handler {
	h := httpx.New(q, reg, int64(cfg.MaxBodyBytes))
	h.Readiness = func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
	h.Metrics = collector.Handler()
	return h.Router()
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{Addr: cfg.Addr, Handler: handler, ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second, IdleTimeout: 120 * time.Second}
}

func run() error {
	cfg := loadConfig()
	ensureDirs(cfg)

	db, mgr, collector, sink := openTelemetry(cfg)
	defer db.Close()
	mgr.Start(context.Background())

	snaps := buildSnapshots(cfg, sink)
	st := buildStore(cfg, sink)
	reg := buildRegister(cfg)

	q := buildQueue(cfg, st, snaps, sink)
	q.Start()
	q.WatchReportingPolicy(queue.StaticPolicy(cfg.Policy()))

	srv := newServer(cfg, buildHandler(cfg, q, reg, db, collector))
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Addr, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	q.Stop()
	snaps.Shutdown()
	mgr.Stop(shutdownCtx)
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
