package app

import (
	"fmt"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"reminderd/internal/clients"
	"reminderd/internal/config"
	"reminderd/internal/engine"
	"reminderd/internal/events"
	"reminderd/internal/gateway"
	"reminderd/internal/models"
	"reminderd/internal/storage"
	"reminderd/pkg/postgres"
)

// App wires the engine and its collaborators from configuration. Both
// binaries (API and worker) share this bootstrap.
type App struct {
	Store  storage.Store
	Engine *engine.Engine
	Events *events.Manager
}

func New(cfg *config.Config) (*App, error) {
	if err := postgres.MigrateUp(cfg.PostgresDSN, cfg.MigrationsPath); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db, err := dbpg.New(cfg.PostgresDSN, nil, &dbpg.Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	zlog.Logger.Info().Msg("connected to PostgreSQL")

	store := storage.NewPostgresStore(db, retry.Strategy{
		Attempts: 3,
		Delay:    100 * time.Millisecond,
		Backoff:  2,
	})

	directory, err := buildDirectory(cfg)
	if err != nil {
		return nil, err
	}

	eventManager, err := events.NewManager(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	eng := engine.New(store, buildGateway(cfg), directory, eventManager, engine.Config{
		TickInterval: cfg.TickInterval,
		BatchSize:    cfg.BatchSize,
		// a claim is considered live for the full gateway timeout plus
		// slack for the resolve write
		InFlightWindow: 2 * cfg.DeliveryTimeout,
	})

	return &App{
		Store:  store,
		Engine: eng,
		Events: eventManager,
	}, nil
}

func (a *App) Close() {
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			zlog.Logger.Warn().Err(err).Msg("failed to close event manager")
		}
	}
}

func buildDirectory(cfg *config.Config) (clients.Directory, error) {
	upstream := clients.NewHTTPDirectory(cfg.ClientServiceURL)

	cached, err := clients.NewCachedDirectory(upstream, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ClientCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	zlog.Logger.Info().Msg("client directory cache connected")
	return cached, nil
}

func buildGateway(cfg *config.Config) gateway.Gateway {
	dispatcher := gateway.NewDispatcher(cfg.DeliveryTimeout)

	if cfg.GatewayMode == "provider" {
		dispatcher.Register(models.ChannelEmail, gateway.NewEmailSender(cfg.EmailProviderURL, cfg.EmailAPIKey))
		dispatcher.Register(models.ChannelSMS, gateway.NewSMSSender(cfg.SMSProviderURL, cfg.SMSAPIKey))
		return dispatcher
	}

	dispatcher.Register(models.ChannelEmail, gateway.ConsoleSender{})
	dispatcher.Register(models.ChannelSMS, gateway.ConsoleSender{})
	return dispatcher
}
