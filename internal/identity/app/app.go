package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/midgarde/keygate/internal/identity/event"
	"github.com/midgarde/keygate/internal/identity/service"
	"github.com/midgarde/keygate/internal/identity/store"
	"github.com/midgarde/keygate/internal/identity/store/drivers/sqlite"
	"github.com/midgarde/keygate/pkg/cryptox"
	"github.com/midgarde/keygate/pkg/jwtx"
	"github.com/midgarde/keygate/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the identity core: store, signer, event bus, and
// services. It has no transport of its own; embedders reach the services
// through the accessors below.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db     store.Store
	signer jwtx.Signer
	bus    *event.Bus

	accountService      *service.AccountService
	tokenService        *service.TokenService
	mfaService          *service.MFAService
	housekeepingService *service.HousekeepingService
}

// New creates an Application with all dependencies initialized and
// migrations applied.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "keygate",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	cryptox.SetPepperPath(cfg.PepperFile)

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	signer, err := InitSigner(cfg, app.logger)
	if err != nil {
		_ = app.db.Close()
		return nil, err
	}
	app.signer = signer

	app.initServices()

	return app, nil
}

// Run starts the background workers and blocks until a shutdown signal
// arrives.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("keygate starting", "version", BuildVersion, "issuer", app.cfg.Issuer)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)

	return app.Shutdown()
}

// Shutdown stops the workers and closes the store. Workers get
// ShutdownGracePeriod to finish an in-progress sweep; a worker that blows
// the deadline is abandoned so the store still closes.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down keygate...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		app.housekeepingService.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		app.logger.Warn("housekeeping did not stop within grace period",
			"grace_period", app.cfg.ShutdownGracePeriod)
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("keygate stopped")
	return nil
}

// Accessors for embedders building a transport on top of the core.

func (app *Application) Accounts() *service.AccountService { return app.accountService }
func (app *Application) Tokens() *service.TokenService     { return app.tokenService }
func (app *Application) MFA() *service.MFAService          { return app.mfaService }
func (app *Application) Bus() *event.Bus                   { return app.bus }
func (app *Application) Store() store.Store                { return app.db }
func (app *Application) Logger() *slog.Logger              { return app.logger }

func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

func (app *Application) initServices() {
	app.bus = event.NewBus()

	notifier := &service.WelcomeNotifier{Logger: app.logger}
	notifier.Register(app.bus)

	app.accountService = &service.AccountService{
		Store:             app.db,
		Bus:               app.bus,
		MaxFailedAttempts: app.cfg.MaxFailedAttempts,
		LockoutDuration:   app.cfg.LockoutDuration,
		Throttle:          service.NewLoginThrottle(app.cfg.LoginRateLimit),
	}

	app.tokenService = &service.TokenService{
		Signer:      app.signer,
		Store:       app.db,
		Issuer:      app.cfg.Issuer,
		Audience:    app.cfg.Audience,
		AccessTTL:   app.cfg.AccessTokenTTL,
		RefreshTTL:  app.cfg.RefreshTokenTTL,
		IdentityTTL: app.cfg.IdentityTokenTTL,
	}

	app.mfaService = &service.MFAService{
		Store:  app.db,
		Issuer: app.cfg.Issuer,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}
