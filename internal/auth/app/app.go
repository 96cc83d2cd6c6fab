package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	goredis "github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/oauth2"

	httpapi "github.com/cassowarylabs/gatekeep/internal/auth/http"
	"github.com/cassowarylabs/gatekeep/internal/auth/observability"
	"github.com/cassowarylabs/gatekeep/internal/auth/service"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/internal/auth/store/drivers/memory"
	"github.com/cassowarylabs/gatekeep/internal/auth/store/drivers/redis"
	"github.com/cassowarylabs/gatekeep/internal/auth/store/drivers/sqlite"
	"github.com/cassowarylabs/gatekeep/pkg/jwtx"
	"github.com/cassowarylabs/gatekeep/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application encapsulates the gateway with all its dependencies
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db      store.Store
	history *sqlite.Store
	signer  *jwtx.Signer

	metrics       *observability.Metrics
	meterProvider *sdkmetric.MeterProvider

	// Services
	tokenService        *service.TokenService
	loginService        *service.LoginService
	oidcService         *service.OIDCService
	housekeepingService *service.HousekeepingService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "gatekeep",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	ctx := context.Background()

	if err := app.initMetrics(ctx); err != nil {
		return nil, err
	}
	if err := app.initStores(ctx); err != nil {
		return nil, err
	}

	signer, err := InitSigner(app.cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signing key: %w", err)
	}
	app.signer = signer

	if err := app.initServices(ctx); err != nil {
		return nil, err
	}
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	// Start housekeeping service
	app.housekeepingService.Start()

	app.logger.Info("gateway starting", "port", app.cfg.Port, "version", BuildVersion)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a shutdown signal or server error
	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		// Perform graceful shutdown
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down gateway...")

	// Give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	// Shutdown the HTTP server
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	// Stop the housekeeping service
	app.housekeepingService.Stop()

	// Flush any buffered metrics
	if app.meterProvider != nil {
		if err := app.meterProvider.Shutdown(ctx); err != nil {
			app.logger.Error("error shutting down metrics exporter", "error", err)
		}
	}

	// Close store connections
	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing token store", "error", err)
		return err
	}
	if app.history != nil {
		if err := app.history.Close(); err != nil {
			app.logger.Error("error closing history database", "error", err)
			return err
		}
	}

	app.logger.Info("gateway stopped")
	return nil
}

// initMetrics sets up the OTLP meter provider and the metrics facade. With
// export disabled the facade runs on a no-op meter so call sites never branch.
func (app *Application) initMetrics(ctx context.Context) error {
	mp, err := observability.Init(ctx, observability.Config{
		Enabled:        app.cfg.MetricsEnabled,
		Endpoint:       app.cfg.OTLPEndpoint,
		ServiceName:    "gatekeep",
		ServiceVersion: BuildVersion,
		Insecure:       app.cfg.OTLPInsecure,
		Interval:       app.cfg.MetricsInterval,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	app.meterProvider = mp

	if mp == nil {
		app.metrics = observability.NewNoop()
		return nil
	}

	metrics, err := observability.New(mp)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	app.metrics = metrics
	return nil
}

// initStores initializes the token store backend and the history database
func (app *Application) initStores(ctx context.Context) error {
	switch app.cfg.StoreBackend {
	case "memory":
		app.logger.Warn("using in-memory token store; all tokens are lost on restart")
		app.db = store.WithRetry(memory.New(), app.metrics)
	default:
		opts, err := goredis.ParseURL(app.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis URL: %w", err)
		}
		rs, err := redis.New(goredis.NewClient(opts), app.cfg.RedisPrefix)
		if err != nil {
			return fmt.Errorf("failed to initialize redis store: %w", err)
		}
		app.db = store.WithRetry(rs, app.metrics)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := app.db.Ping(pingCtx); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	if app.cfg.HistoryDatabaseFile == "" {
		app.logger.Warn("token change history disabled")
		return nil
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.HistoryDatabaseFile)
	history, err := sqlite.NewStore(dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize history database: %w", err)
	}
	if err := history.ApplyMigrations(); err != nil {
		_ = history.Close()
		return fmt.Errorf("failed to apply history migrations: %w", err)
	}
	app.history = history

	app.logger.Info("history database migrations applied successfully")
	return nil
}

// initServices initializes all business logic services. Reaching the upstream
// identity provider's discovery document is a startup requirement.
func (app *Application) initServices(ctx context.Context) error {
	var history store.History
	if app.history != nil {
		history = app.history
	}

	app.tokenService = &service.TokenService{
		Store:       app.db,
		History:     history,
		Metrics:     app.metrics,
		KnownScopes: app.cfg.KnownScopes,
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	provider, err := gooidc.NewProvider(discoveryCtx, app.cfg.UpstreamIssuer)
	if err != nil {
		return fmt.Errorf("failed to discover upstream identity provider: %w", err)
	}

	app.loginService = &service.LoginService{
		Tokens:  app.tokenService,
		Store:   app.db,
		Metrics: app.metrics,
		OAuth: oauth2.Config{
			ClientID:     app.cfg.UpstreamClientID,
			ClientSecret: app.cfg.UpstreamClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  app.cfg.Issuer + "/login/callback",
			Scopes:       []string{gooidc.ScopeOpenID, "profile", "email"},
		},
		Verifier:        provider.Verifier(&gooidc.Config{ClientID: app.cfg.UpstreamClientID}),
		StateTTL:        app.cfg.StateTTL,
		ExchangeTimeout: app.cfg.ExchangeTimeout,
		SessionTTL:      app.cfg.SessionTTL,
		SessionScopes:   app.cfg.SessionScopes,
	}

	clients, err := app.cfg.OIDCClients()
	if err != nil {
		return err
	}
	app.oidcService = &service.OIDCService{
		Tokens:         app.tokenService,
		Store:          app.db,
		Metrics:        app.metrics,
		Signer:         app.signer,
		Issuer:         app.cfg.Issuer,
		Clients:        clients,
		CodeTTL:        app.cfg.CodeTTL,
		AccessTokenTTL: app.cfg.AccessTokenTTL,
		IDTokenTTL:     app.cfg.IDTokenTTL,
	}
	app.logger.Info("registered OIDC clients", "count", len(clients))

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		history,
		app.metrics,
		app.logger,
		app.cfg.HousekeepingInterval,
		app.cfg.HistoryRetention,
	)

	return nil
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	var history store.History
	if app.history != nil {
		history = app.history
	}

	router := httpapi.NewRouter(app.cfg.Issuer, BuildVersion, app.db, history, app.logger)

	// Wire services to router
	router.TokenService = app.tokenService
	router.LoginService = app.loginService
	router.OIDCService = app.oidcService
	router.ApplyRoutes()

	app.router = router

	// Initialize HTTP server
	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
