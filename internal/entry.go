// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/mediacat/internal/api"
	"github.com/starford/mediacat/internal/catalog"
	"github.com/starford/mediacat/internal/events"
	"github.com/starford/mediacat/internal/events/natsbridge"
	"github.com/starford/mediacat/internal/library"
	"github.com/starford/mediacat/internal/mcpserver"
	"github.com/starford/mediacat/internal/metrics"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/ordering"
	"github.com/starford/mediacat/internal/reconcile"
	"github.com/starford/mediacat/internal/sse"
	"github.com/starford/mediacat/internal/storage"
)

var errShutdown = errors.New("shutdown requested")

// core is the set of collaborators every command needs.
type core struct {
	db      *catalog.DB
	backend storage.Backend
	bus     *events.Bus
	rec     *reconcile.Reconciler
	svc     *library.Service
}

func (app *application) openCore(ctx context.Context) (*core, error) {
	cfg := app.config
	logger := app.logger

	backend, err := storage.New(ctx, cfg.StorageConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := catalog.Open(ctx, cfg.SQLite.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("init catalog: %w", err)
	}

	bus := events.NewBus()
	rec := reconcile.New(db, backend, bus,
		reconcile.WithHashWorkers(cfg.Library.HashWorkers),
		reconcile.WithLogger(logger))
	eng := ordering.NewEngine(db, bus, ordering.WithEngineLogger(logger))
	svc := library.NewService(backend, db, rec, eng, bus,
		library.WithLookahead(cfg.Library.Lookahead),
		library.WithLogger(logger))

	return &core{db: db, backend: backend, bus: bus, rec: rec, svc: svc}, nil
}

func (c *core) close() {
	c.backend.StopWatch("shutdown")
	c.bus.Close()
	c.db.Close()
}

// Run starts the HTTP server, the watch pipeline and the optional NATS
// bridge, and blocks until a signal or ctx ends them.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("backend", cfg.Library.Backend),
		slog.String("library_root", cfg.Library.Root),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.Bool("nats_enabled", cfg.NATS.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := app.openCore(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	var bridge *natsbridge.Bridge
	if cfg.NATS.Enabled {
		nc, err := natsbridge.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("nats drain failed", slog.String("error", err.Error()))
			}
		}()
		bridge = natsbridge.New(nc, c.bus, cfg.NATS.SubjectPrefix, logger)
	}

	broker := sse.NewBroker(c.bus, cfg.App.HTTP.SSEHeartbeat, logger)
	apiRouter := api.NewRouter(c.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := c.db.Count(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch stream feeds the reconciler; the first batch is the full load.
	g.Go(func() error {
		return newWatchLoop(c.backend, c.rec, "startup", logger).run(gCtx)
	})

	g.Go(func() error {
		return c.svc.Run(gCtx)
	})

	if bridge != nil {
		g.Go(func() error {
			return bridge.Run(gCtx)
		})
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
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
		c.backend.StopWatch("shutdown")

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

// Sync performs one full reconciliation against the backend, hashes what
// is pending, and returns.
func Sync(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	c, err := app.openCore(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	batches := c.backend.Watch(ctx, "sync command")
	var batch models.ChangeBatch
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b, ok := <-batches:
		if !ok {
			return fmt.Errorf("sync: backend produced no listing")
		}
		batch = b
	}
	c.backend.StopWatch("sync command")

	res, err := c.rec.Sync(ctx, batch)
	if err != nil {
		return err
	}
	if err := c.rec.HashPending(ctx); err != nil {
		return err
	}
	app.logger.Info("Sync complete",
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("deleted", res.Deleted))
	return nil
}

// ServeMCP exposes the library over the MCP stdio transport. The catalog
// is kept current by the same watch pipeline as the HTTP server.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	c, err := app.openCore(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return newWatchLoop(c.backend, c.rec, "mcp", app.logger).run(gCtx)
	})
	g.Go(func() error {
		return c.svc.Run(gCtx)
	})
	g.Go(func() error {
		// Stdin closing ends the session and everything else with it.
		defer cancel()
		defer c.backend.StopWatch("mcp")
		return mcpserver.New(c.svc).ServeStdio()
	})
	return g.Wait()
}
