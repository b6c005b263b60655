package cli

import (
	"context"
	"fmt"

	"github.com/forgefit/deferred/internal/config"
	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/postgres"
	"github.com/forgefit/deferred/zap"
	"go.opentelemetry.io/otel"
)

// bootstrap builds the shared dependencies of every command.
type bootstrap struct {
	envFiles *[]string
}

// env is what a command runs against. close releases it.
type env struct {
	cfg    *config.Config
	logger log.Logger
	client *postgres.Client
	store  *postgres.Store
}

func (b *bootstrap) config() (*config.Config, error) {
	cfg := config.Load(*b.envFiles...)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (b *bootstrap) open(ctx context.Context) (*env, error) {
	cfg, err := b.config()
	if err != nil {
		return nil, err
	}

	logger, err := zap.New(cfg.Logger())
	if err != nil {
		return nil, err
	}

	client, err := postgres.New(postgres.Config{
		PrimaryDSN:         cfg.PrimaryDSN,
		ReplicaDSN:         cfg.ReplicaDSN,
		Logger:             logger,
		MaxOpenConnections: cfg.DBMaxOpenConns,
		MaxIdleConnections: cfg.DBMaxIdleConns,
		ConnMaxLifetime:    cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	store, err := postgres.NewStore(client, postgres.WithLogger(logger), postgres.WithTracer(otel.Tracer(tracerName)))
	if err != nil {
		_ = client.Close()

		return nil, err
	}

	return &env{cfg: cfg, logger: logger, client: client, store: store}, nil
}

func (e *env) close(ctx context.Context) error {
	_ = e.logger.Sync(ctx)

	return e.client.Close()
}
