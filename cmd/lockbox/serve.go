package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/lockbox/internal/app"
	"github.com/haukened/lockbox/internal/config"
	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/envelope"
	"github.com/haukened/lockbox/internal/httpx"
	"github.com/haukened/lockbox/internal/janitor"
	"github.com/haukened/lockbox/internal/metrics"
	"github.com/haukened/lockbox/internal/store"
	"github.com/haukened/lockbox/internal/store/filesystem"
	"github.com/haukened/lockbox/internal/store/memory"
	"github.com/haukened/lockbox/internal/store/redis"
	"github.com/haukened/lockbox/internal/store/sqlite"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type serveFlags struct {
	configFile string
	addr       string
	dataDir    string
	backend    string
	logLevel   string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lockbox HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.WithFile(f.configFile), config.WithOverrides(f.overrides(cmd)))
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			slog.SetDefault(newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr()))
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	f.bind(cmd)
	return cmd
}

func (f *serveFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "YAML configuration file")
	fl.StringVar(&f.addr, "addr", "", "listen address (host:port)")
	fl.StringVar(&f.dataDir, "data-dir", "", "directory for the database and blobs")
	fl.StringVar(&f.backend, "backend", "", "storage backend: sqlite, memory or redis")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
}

// overrides returns only the flags the user set, keyed by config name, so
// unset flags never mask file or environment values.
func (f serveFlags) overrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	set := func(flag, key, val string) {
		if cmd.Flags().Changed(flag) {
			out[key] = val
		}
	}
	set("addr", "addr", f.addr)
	set("data-dir", "data_dir", f.dataDir)
	set("backend", "backend", f.backend)
	set("log-level", "log_level", f.logLevel)
	return out
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// backend is the storage wiring selected by configuration.
type backend struct {
	name       string
	store      app.SecretStore
	catalog    app.Catalog
	reconciler janitor.Reconciler // nil without blob storage
	ready      func(context.Context) error
	close      func() error
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Backend {
	case "memory":
		st := memory.New()
		return &backend{name: cfg.Backend, store: st, catalog: st, close: func() error { return nil }}, nil
	case "redis":
		rs, err := redis.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return &backend{name: cfg.Backend, store: rs, catalog: rs, ready: rs.Ping, close: rs.Close}, nil
	default:
		return openSQLite(cfg)
	}
}

func openSQLite(cfg *config.Config) (*backend, error) {
	blobDir := cfg.BlobDir()
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	db, err := sql.Open("sqlite3", cfg.SQLiteDSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	idx, err := sqlite.New(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	blobs, err := filesystem.New(blobDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init blob storage: %w", err)
	}
	st := store.New(idx, blobs, cfg.InlineMax)
	ready := func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		_, err := os.Stat(blobDir)
		return err
	}
	return &backend{name: cfg.Backend, store: st, catalog: st, reconciler: st, ready: ready, close: db.Close}, nil
}

func metricsDSN(cfg *config.Config) string {
	return "file:" + filepath.Join(cfg.DataDir, "metrics.db") + "?_journal_mode=WAL&_busy_timeout=5000"
}

// server bundles the handler with the background workers it depends on.
type server struct {
	handler   http.Handler
	backend   *backend
	metrics   *metrics.Manager
	metricsDB *sql.DB
	janitor   *janitor.Janitor
}

func build(ctx context.Context, cfg *config.Config) (*server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mdb, err := sql.Open("sqlite3", metricsDSN(cfg))
	if err != nil {
		_ = be.close()
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	mm := metrics.New(mdb, metrics.Config{FlushInterval: cfg.MetricsFlushInterval, Logger: slog.Default()})
	if err := mm.InitSchema(ctx); err != nil {
		_ = mdb.Close()
		_ = be.close()
		return nil, fmt.Errorf("init metrics schema: %w", err)
	}

	clock := realClock{}
	svc := &app.Service{
		Store:    be.store,
		Catalog:  be.catalog,
		Clock:    clock,
		Crypter:  envelope.New(envelope.WithIterations(cfg.KDFIterations)),
		Metrics:  mm,
		MaxBytes: cfg.MaxBytes,
		Limits:   domain.ExpiryLimits{MaxTTL: cfg.MaxTTL, MaxReads: cfg.MaxReads},
	}
	jan := janitor.New(be.reconciler, be.catalog, mm, janitor.Config{
		Interval: cfg.JanitorInterval,
		Logger:   slog.Default(),
		Now:      clock.Now,
	})

	h := httpx.New(svc, cfg.MaxBytes, be.ready)
	h.AdminToken = cfg.AdminToken
	h.Timeout = requestTimeout
	if cfg.MetricsToken != "" {
		h.Metrics = metrics.Handler(mm, cfg.MetricsToken)
	}
	return &server{handler: h.Router(), backend: be, metrics: mm, metricsDB: mdb, janitor: jan}, nil
}

// start launches the metrics flusher and the janitor.
func (s *server) start(ctx context.Context) {
	s.metrics.Start(ctx)
	s.janitor.Start(ctx)
}

// close stops the workers, flushes metrics and releases storage.
func (s *server) close(ctx context.Context) error {
	s.janitor.Stop()
	err := s.metrics.Stop(ctx)
	if cerr := s.metricsDB.Close(); err == nil {
		err = cerr
	}
	if cerr := s.backend.close(); err == nil {
		err = cerr
	}
	return err
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	s, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	workers, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(workers)

	srv := newHTTPServer(cfg.Addr, s.handler)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("starting server", "addr", cfg.Addr, "backend", s.backend.name, "pid", os.Getpid())

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		slog.Info("shutting down", "reason", context.Cause(ctx))
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := s.close(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
	return serveErr
}
