// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/waymark/internal/api"
	"github.com/starford/waymark/internal/cache"
	"github.com/starford/waymark/internal/entityservice"
	"github.com/starford/waymark/internal/index"
	"github.com/starford/waymark/internal/mcpserver"
	"github.com/starford/waymark/internal/sse"
	"github.com/starford/waymark/internal/storage"
	"github.com/starford/waymark/internal/telemetry"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev", logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

func (a *application) logger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// openService builds the entity service over the configured vault and runs
// the initial rebuild. The returned close function releases the cache.
func (a *application) openService(ctx context.Context, logger *slog.Logger, extra ...entityservice.Option) (*entityservice.Service, func(), error) {
	cfg := a.config

	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create vault dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}

	opts := []entityservice.Option{
		entityservice.WithLogger(logger),
		entityservice.WithSearchDefaults(cfg.Search.DefaultLimit, cfg.Search.MinScore),
	}
	closeFn := func() {}
	if cfg.Cache.Enabled {
		db, err := cache.Open(cfg.Cache.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("init cache: %w", err)
		}
		closeFn = func() {
			if err := db.Close(); err != nil {
				logger.Warn("cache close failed", slog.String("error", err.Error()))
			}
		}
		opts = append(opts, entityservice.WithSnapshot(db))
	}
	if cfg.Cascade.Enabled {
		opts = append(opts, entityservice.WithCascade(cfg.Vault.ArchiveDir, cfg.Cascade.AutoArchive))
	}
	opts = append(opts, extra...)

	svc := entityservice.New(store, opts...)
	report, err := svc.Rebuild(ctx)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("initial rebuild: %w", err)
	}
	logger.Info("Vault indexed",
		slog.Int("entities", report.Indexed),
		slog.Int("cached", report.Cached),
		slog.Int("duplicates", len(report.Duplicates)),
		slog.Int("failed", len(report.Failures)))

	return svc, closeFn, nil
}

func watch(ctx context.Context, svc *entityservice.Service, root string, logger *slog.Logger) error {
	err := index.Watch(ctx, svc, root, logger, func(kind, path string) {
		telemetry.WatchEvents.WithLabelValues(kind).Inc()
	})
	if err != nil {
		// The index keeps serving; only live updates stop.
		logger.Error("watcher stopped", slog.String("error", err.Error()))
	}
	return nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger()

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.Bool("cache_enabled", cfg.Cache.Enabled),
		slog.Bool("cascade_enabled", cfg.Cascade.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	svc, closeSvc, err := app.openService(ctx, logger,
		entityservice.WithEvents(func(ev entityservice.Event) {
			broker.PublishEntityEvent(ev.Kind, ev)
		}),
	)
	if err != nil {
		return err
	}
	defer closeSvc()

	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if svc.LastSync() == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"indexing"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", telemetry.Handler())

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watch(gCtx, svc, cfg.Vault.Path, logger)
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher stops with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools on stdin/stdout while the watcher keeps the
// index current.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if err != nil {
		return err
	}
	logger := app.logger()

	svc, closeSvc, err := app.openService(ctx, logger)
	if err != nil {
		return err
	}
	defer closeSvc()

	srv := mcpserver.New(svc, app.version)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watch(gCtx, svc, app.config.Vault.Path, logger)
	})
	g.Go(func() error {
		defer cancel()
		logger.Info("MCP server listening on stdio")
		return srv.ServeStdio()
	})
	return g.Wait()
}

// Check indexes the vault once, writes the validation report as JSON to w
// and returns it.
func Check(ctx context.Context, w io.Writer, opts ...Option) (*entityservice.Report, error) {
	app, err := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if err != nil {
		return nil, err
	}
	logger := app.logger()

	svc, closeSvc, err := app.openService(ctx, logger)
	if err != nil {
		return nil, err
	}
	defer closeSvc()

	report := svc.Validate()
	if err := writeReport(w, report); err != nil {
		return nil, err
	}
	return report, nil
}
