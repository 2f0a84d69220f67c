// Package app wires configuration, observability, the consumption engine
// and the HTTP transport into a runnable server.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"licensed/internal/borrow"
	"licensed/internal/clock"
	"licensed/internal/config"
	"licensed/internal/grant"
	"licensed/internal/infrastructure"
	"licensed/internal/ledger"
	"licensed/internal/license"
	"licensed/internal/middleware"
	"licensed/internal/security"
	"licensed/internal/services"
	"licensed/internal/tokens"
	transport "licensed/internal/transport/http"
)

// tokenIssuer is stamped into borrow and access token claims.
const tokenIssuer = "licensed"

// rolePropagation models the delay before a freshly scoped role becomes
// visible to the local credential provider.
const rolePropagation = 2 * time.Second

// Application holds the assembled server and its dependencies.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Router chi.Router
	Server *http.Server

	OTel    *infrastructure.OTelProviders
	Clock   clock.Clock
	Store   *license.Store
	Ledger  *ledger.Ledger
	Grants  *grant.Registry
	Keyring *security.Keyring

	Licenses    services.LicenseService
	Consumption services.ConsumptionService
	GrantSvc    services.GrantService
	Tokens      services.TokenService
}

// NewApplication builds a fully wired application from the environment.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	providers, err := infrastructure.InitOTel("licensed", os.Stdout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	app := &Application{
		Config: cfg,
		Logger: logger,
		OTel:   providers,
		Clock:  clock.System(),
	}

	if err := app.initializeEngine(); err != nil {
		return nil, err
	}
	if err := app.setupRouter(); err != nil {
		return nil, err
	}
	app.createServer()

	logger.Info("application initialized",
		slog.Int("port", cfg.Server.Port),
		slog.String("home_region", cfg.Engine.HomeRegion),
		slog.Int("signing_keys", len(app.Keyring.KeyIDs())))

	return app, nil
}

// initializeEngine builds the engine core in dependency order.
func (app *Application) initializeEngine() error {
	cfg := app.Config

	app.Store = license.NewStore(cfg.Engine.HomeRegion, app.Clock)
	app.Ledger = ledger.New(app.Store, app.Clock, app.Logger)
	app.Grants = grant.NewRegistry(cfg.Engine.HomeRegion)

	metrics, err := ledger.NewMetrics(app.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create ledger metrics: %w", err)
	}
	app.Ledger.SetMetrics(metrics)

	keyring, err := app.openKeyring()
	if err != nil {
		return err
	}
	app.Keyring = keyring

	// Access tokens sign with a dedicated key rather than a per-license
	// issuer key.
	accessKeyID, err := keyring.Generate()
	if err != nil {
		return fmt.Errorf("failed to generate access token key: %w", err)
	}

	signer := borrow.NewSigner(keyring, app.Clock)
	verifier := borrow.NewVerifier(keyring, app.Clock)

	exchange := tokens.New(keyring,
		tokens.NewLocalRoleProvider(app.Clock, rolePropagation),
		app.Clock, app.Logger, tokens.Options{
			SigningKeyID: accessKeyID,
			AccessTTL:    cfg.Engine.AccessTokenTTL,
			MaxAttempts:  cfg.Engine.RoleAssumeMaxAttempts,
			Backoff:      cfg.Engine.RoleAssumeBackoff,
		})

	app.Licenses = services.NewLicenseService(app.Store, app.Ledger, keyring, app.Logger)
	app.Consumption = services.NewConsumptionService(app.Store, app.Ledger, app.Grants,
		keyring, signer, verifier, tokenIssuer, app.Logger)
	app.GrantSvc = services.NewGrantService(app.Store, app.Grants, app.Logger)
	app.Tokens = services.NewTokenService(app.Store, app.Grants, exchange, app.Logger)

	return nil
}

// openKeyring loads the persisted keyring when one is configured and
// present, otherwise starts a fresh in-memory keyring.
func (app *Application) openKeyring() (*security.Keyring, error) {
	cfg := app.Config.Keys

	if cfg.File == "" {
		return security.NewKeyring(cfg.Bits), nil
	}
	if _, err := os.Stat(cfg.File); os.IsNotExist(err) {
		app.Logger.Info("keyring file not found, starting empty",
			slog.String("path", cfg.File))
		return security.NewKeyring(cfg.Bits), nil
	}

	passphrase := os.Getenv(cfg.PassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("keyring file configured but %s is not set", cfg.PassphraseEnv)
	}

	keyring, err := security.LoadKeyring(cfg.File, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("failed to load keyring: %w", err)
	}
	app.Logger.Info("keyring loaded",
		slog.String("path", cfg.File),
		slog.Int("keys", len(keyring.KeyIDs())))
	return keyring, nil
}

// persistKeyring writes the keyring back to disk on shutdown so signing
// keys survive restarts.
func (app *Application) persistKeyring() error {
	cfg := app.Config.Keys
	if cfg.File == "" {
		return nil
	}
	passphrase := os.Getenv(cfg.PassphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("cannot persist keyring: %s is not set", cfg.PassphraseEnv)
	}
	return app.Keyring.Save(cfg.File, []byte(passphrase))
}

// setupRouter assembles the middleware chain and mounts all handlers.
func (app *Application) setupRouter() error {
	r := chi.NewRouter()

	otelMW, err := middleware.NewOTelMiddleware(app.OTel)
	if err != nil {
		return fmt.Errorf("failed to create otel middleware: %w", err)
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StripSlashes)

	r.Group(func(r chi.Router) {
		r.Use(otelMW.Handler)
		r.Use(middleware.StructuredLogger(app.Logger))
		r.Use(middleware.Recoverer(app.Logger))
		r.Use(middleware.SecurityHeaders)
		if app.Config.Security.RateLimit.Enabled {
			limiter := middleware.NewRateLimiter(
				app.Config.Security.RateLimit.RPS,
				app.Config.Security.RateLimit.Burst,
				app.Logger)
			r.Use(limiter.Handler)
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/api", func(r chi.Router) {
			r.Mount("/licenses", transport.NewLicenseHandler(app.Licenses, app.Logger).Routes())
			r.Mount("/consumption", transport.NewConsumptionHandler(app.Consumption, app.Logger).Routes())
			r.Mount("/grants", transport.NewGrantHandler(app.GrantSvc, app.Logger).Routes())
			r.Mount("/tokens", transport.NewTokenHandler(app.Tokens, app.Logger).Routes())
			r.Mount("/health", transport.NewHealthHandler(app.Clock, app.Logger).Routes())
		})
	})

	// Metrics stay outside the instrumented group so scrapes do not
	// count against rate limits or generate spans.
	r.Method(http.MethodGet, "/metrics", transport.NewMetricsHandler(app.OTel.Registry).Handler())

	app.Router = r
	return nil
}

func (app *Application) createServer() {
	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}
}

// Run starts the HTTP server and the checkout reaper, blocking until a
// termination signal arrives or either fails.
func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info("server starting", slog.String("addr", app.Server.Addr))
		if err := app.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return app.Ledger.RunReaper(ctx, app.Config.Engine.ReaperInterval)
	})

	g.Go(func() error {
		<-ctx.Done()
		app.Logger.Info("shutdown signal received")
		return app.Stop()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Stop gracefully drains the server, persists the keyring and flushes
// telemetry.
func (app *Application) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := app.Server.Shutdown(ctx); err != nil {
		app.Logger.Error("server shutdown failed", slog.String("error", err.Error()))
		firstErr = err
	}
	if err := app.persistKeyring(); err != nil {
		app.Logger.Error("keyring persist failed", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := app.OTel.Shutdown(ctx); err != nil {
		app.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}
	app.Logger.Info("application stopped")
	return firstErr
}
