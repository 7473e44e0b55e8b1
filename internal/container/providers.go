package container

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/trip-allowance/internal/application/dispatcher"
	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/application/service"
	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/domain/event"
	"github.com/garyjia/trip-allowance/internal/infrastructure/auth"
	"github.com/garyjia/trip-allowance/internal/infrastructure/export"
	"github.com/garyjia/trip-allowance/internal/infrastructure/external/kurs"
	"github.com/garyjia/trip-allowance/internal/infrastructure/persistence/firestore"
	"github.com/garyjia/trip-allowance/internal/infrastructure/persistence/repository"
	"github.com/garyjia/trip-allowance/internal/infrastructure/persistence/sqlite"
	httpiface "github.com/garyjia/trip-allowance/internal/interfaces/http"
	"github.com/garyjia/trip-allowance/migrations"
	"github.com/garyjia/trip-allowance/pkg/database"
	"github.com/garyjia/trip-allowance/pkg/utils"
)

// StoreBundle holds the document store and whatever backs it.
type StoreBundle struct {
	Store port.DocumentStore

	// Exactly one of these is set, depending on the driver
	DB        *database.DB
	Firestore *firestore.Store
}

// HealthCheck pings the backing store.
func (b *StoreBundle) HealthCheck(ctx context.Context) error {
	switch {
	case b.DB != nil:
		return b.DB.HealthCheck(ctx)
	case b.Firestore != nil:
		return b.Firestore.HealthCheck(ctx)
	default:
		return fmt.Errorf("no store configured")
	}
}

// Close releases the backing store.
func (b *StoreBundle) Close() error {
	switch {
	case b.DB != nil:
		return b.DB.Close()
	case b.Firestore != nil:
		return b.Firestore.Close()
	default:
		return nil
	}
}

// AuthBundle holds token verification and authorization.
type AuthBundle struct {
	Identity   *auth.JWTProvider
	Authorizer *auth.RoleAuthorizer
}

// ProvideDispatcher creates the event dispatcher.
func ProvideDispatcher(logger *zap.Logger) (dispatcher.Dispatcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return dispatcher.NewDispatcher(dispatcher.WithLogger(utils.NewKVLogger(logger))), nil
}

// ProvideStore opens the configured document store. The SQLite store
// runs pending migrations and publishes its changes on events.
func ProvideStore(ctx context.Context, cfg *StoreConfig, events dispatcher.Dispatcher, logger *zap.Logger) (*StoreBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	switch cfg.Driver {
	case StoreFirestore:
		store, err := firestore.New(ctx, cfg.Firestore, logger)
		if err != nil {
			return nil, err
		}
		return &StoreBundle{Store: store, Firestore: store}, nil

	case StoreSQLite:
		if events == nil {
			return nil, fmt.Errorf("dispatcher is required")
		}
		db, err := database.New(database.Config{
			Path:            cfg.Database.Path,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}

		migrator := database.NewMigrator(db, logger)
		if cfg.Database.MigrationsDir != "" {
			err = migrator.RunMigrationsDir(cfg.Database.MigrationsDir)
		} else {
			err = migrator.RunMigrations(migrations.FS)
		}
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		repo := repository.NewDocumentRepository(sqlite.NewDB(db.DB, logger), events, logger)
		return &StoreBundle{Store: repo, DB: db}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// ProvideFxClient creates the Kurs API client. It is disabled when no
// base URL is configured.
func ProvideFxClient(cfg *kurs.Config, logger *zap.Logger) (*kurs.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("fx config is required")
	}
	client := kurs.NewClient(*cfg, logger)
	if !client.Enabled() {
		logger.Warn("FX provider not configured; exchange rate lookups are disabled")
	}
	return client, nil
}

// ProvideAuth creates the bearer token verifier and the role authorizer.
func ProvideAuth(cfg *AuthConfig) (*AuthBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("auth config is required")
	}
	identity, err := auth.NewJWTProvider(cfg.JWTSecret, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	return &AuthBundle{
		Identity:   identity,
		Authorizer: auth.NewRoleAuthorizer(cfg.EditorRoles),
	}, nil
}

// ServiceDeps holds dependencies required for creating services.
type ServiceDeps struct {
	Store      port.DocumentStore
	Fx         port.FxProvider
	Authorizer port.Authorizer
	Dispatcher dispatcher.Dispatcher
	Logger     *zap.Logger
}

// ServiceBundle groups all application services.
type ServiceBundle struct {
	Trips    service.TripService
	Amounts  service.AmountService
	Sessions service.SessionManager
}

// ProvideServices creates all application services.
func ProvideServices(deps *ServiceDeps) (*ServiceBundle, error) {
	if deps == nil {
		return nil, fmt.Errorf("service dependencies are required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if deps.Authorizer == nil {
		return nil, fmt.Errorf("authorizer is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	serviceLogger := utils.NewKVLogger(deps.Logger)
	amounts := service.NewAmountService(deps.Store, deps.Fx, deps.Authorizer, deps.Dispatcher, serviceLogger)

	return &ServiceBundle{
		Trips:    service.NewTripService(deps.Store, serviceLogger),
		Amounts:  amounts,
		Sessions: service.NewSessionManager(amounts, deps.Store, deps.Authorizer, serviceLogger),
	}, nil
}

// ProvideExporter creates the spreadsheet exporter.
func ProvideExporter(cfg *export.Config, logger *zap.Logger) *export.AmountSheet {
	return export.NewAmountSheet(*cfg, logger)
}

// RegisterEventLog subscribes the audit log handlers for amount and FX outcomes.
func RegisterEventLog(events dispatcher.Dispatcher, logger *zap.Logger) {
	events.SubscribeNamed(dispatcher.TypeRoute(event.TypeAmountSaved), "audit.amount_saved", createAmountSavedHandler(logger))
	events.SubscribeNamed(dispatcher.TypeRoute(event.TypeFxResolved), "audit.fx_resolved", createFxHandler(logger))
	events.SubscribeNamed(dispatcher.TypeRoute(event.TypeFxFailed), "audit.fx_failed", createFxHandler(logger))
}

// ProvideHTTPServer creates the HTTP server.
func ProvideHTTPServer(cfg *ServerConfig, services httpiface.Services, identity port.IdentityProvider, logger *zap.Logger) *httpiface.Server {
	return httpiface.NewServer(httpiface.ServerConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Debug:          cfg.Debug,
	}, services, identity, utils.NewKVLogger(logger))
}

func createAmountSavedHandler(logger *zap.Logger) dispatcher.Handler {
	return func(ctx context.Context, evt *event.Event) error {
		logger.Info("Amount saved",
			zap.String("event_id", evt.ID),
			zap.String("trip_id", evt.DocumentID),
			zap.Any("updated_by", evt.Data[allowance.KeyUpdatedBy]),
			zap.Any("total_approved_amount", evt.Data[allowance.KeyTotalApprovedAmount]))
		return nil
	}
}

func createFxHandler(logger *zap.Logger) dispatcher.Handler {
	return func(ctx context.Context, evt *event.Event) error {
		if evt.Type == event.TypeFxFailed {
			logger.Warn("FX lookup failed",
				zap.String("trip_id", evt.DocumentID),
				zap.Any("date", evt.Data["date"]),
				zap.Any("error", evt.Data["error"]))
			return nil
		}
		logger.Info("FX resolved",
			zap.String("trip_id", evt.DocumentID),
			zap.Any("mid", evt.Data[allowance.KeyFxMid]),
			zap.Any("date", evt.Data[allowance.KeyFxDate]))
		return nil
	}
}
