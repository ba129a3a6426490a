// Package stepglass is the public API for embedding the stepglass trace server.
//
// Consumers import this package to construct and run the server without the
// cmd/stepglass binary:
//
//	app, err := stepglass.New(
//	    stepglass.WithVersion(version),
//	    stepglass.WithLogger(logger),
//	    stepglass.WithStore("sqlite"),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: stepglass (root) imports
// internal/*, but internal/* never imports stepglass (root).
package stepglass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/stepglass-ai/stepglass/internal/config"
	"github.com/stepglass-ai/stepglass/internal/mcp"
	"github.com/stepglass-ai/stepglass/internal/server"
	"github.com/stepglass-ai/stepglass/internal/service/query"
	"github.com/stepglass-ai/stepglass/internal/store"
	"github.com/stepglass-ai/stepglass/internal/telemetry"
	"github.com/stepglass-ai/stepglass/migrations"
)

// App is the stepglass server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	st           store.Store
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
	startedAt    time.Time
}

// New initialises the stepglass server. It opens the trace store, runs
// migrations where the backend needs them, wires the query and MCP layers,
// and returns a ready-to-run App. It does NOT start any goroutines or accept
// HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storeName != "" {
		cfg.Store = o.storeName
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.mcpDisabled {
		cfg.MCPEnabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("stepglass starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := newStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	querySvc := query.New(st, logger)

	var mcpSrv *mcp.Server
	if cfg.MCPEnabled {
		mcpSrv = mcp.New(querySvc, logger, version)
		logger.Info("mcp: enabled")
	} else {
		logger.Info("mcp: disabled")
	}

	srvCfg := server.ServerConfig{
		Store:               st,
		QuerySvc:            querySvc,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if mcpSrv != nil {
		srvCfg.MCPServer = mcpSrv.MCPServer()
	}
	srv := server.New(srvCfg)

	app := &App{
		cfg:          cfg,
		st:           st,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
		startedAt:    time.Now().UTC(),
	}

	if err := telemetry.RegisterUptimeGauge(app.startedAt); err != nil {
		logger.Warn("uptime gauge registration failed", "error", err)
	}

	return app, nil
}

// newStore opens the configured trace store backend.
func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreSQLite:
		st, err := store.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		st, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := st.RunMigrations(ctx, migrations.FS); err != nil {
			_ = st.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically; callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown drains in-flight HTTP requests, then closes the store and the
// OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("stepglass shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if err := a.st.Close(ctx); err != nil {
		a.logger.Error("store close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("stepglass stopped")
	return nil
}
