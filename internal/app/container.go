// Package app wires the gateway's components together.
package app

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atlasops/bizgateway/internal/adapters/calendar"
	"github.com/atlasops/bizgateway/internal/adapters/crm"
	"github.com/atlasops/bizgateway/internal/adapters/email"
	"github.com/atlasops/bizgateway/internal/adapters/helpdesk"
	"github.com/atlasops/bizgateway/internal/adapters/llm"
	"github.com/atlasops/bizgateway/internal/audit"
	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/governor"
	"github.com/atlasops/bizgateway/internal/idempotency"
	"github.com/atlasops/bizgateway/internal/limits"
	"github.com/atlasops/bizgateway/internal/metering"
	"github.com/atlasops/bizgateway/internal/observability"
	"github.com/atlasops/bizgateway/internal/providers"
	"github.com/atlasops/bizgateway/internal/storage"
)

// Container holds every long-lived component. Built once at startup and
// shared by the HTTP layer.
type Container struct {
	Config        *config.Config
	Logger        *slog.Logger
	Pool          *pgxpool.Pool
	Redis         *redis.Client
	Store         *storage.Store
	Registry      *providers.Registry
	Limiter       *limits.RateLimiter
	Dedup         *idempotency.Store
	Meter         *metering.Engine
	Alerts        *metering.AlertDispatcher
	Audit         *audit.Service
	Governor      *governor.Governor
	Observability *observability.Provider
}

// NewContainer assembles all components over the provided connections.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if pool == nil {
		return nil, errors.New("database pool required")
	}
	if redisClient == nil {
		return nil, errors.New("redis client required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, err
	}

	store := storage.New(pool)

	registry := providers.NewRegistry(cfg, store)
	registry.Register(providers.TypeCRM, crm.Factory)
	registry.Register(providers.TypeHelpdesk, helpdesk.Factory)
	registry.Register(providers.TypeCalendar, calendar.Factory)
	registry.Register(providers.TypeEmail, email.Factory)
	registry.Register(providers.TypeLLM, llm.Factory)
	logger.InfoContext(ctx, "provider registry ready", "types", registry.Types())

	limiter := limits.NewRateLimiter(redisClient, cfg.RateLimits)
	dedup := idempotency.NewStore(redisClient, cfg.Idempotency)
	meter := metering.NewEngine(pool, cfg.Budgets, cfg.Metering, cfg.Reporting)

	sink := metering.NewCompositeSink(
		metering.NewLogAlertSink(logger),
		metering.NewWebhookSink(cfg.Budgets.Alert.Webhook, logger),
		metering.NewSMTPSink(cfg.Budgets.Alert.SMTP),
	)
	alerts := metering.NewAlertDispatcher(sink)

	auditService := audit.NewService(pool)

	gov := governor.New(limiter, dedup, meter, alerts, auditService, registry, cfg.Retry, logger)

	return &Container{
		Config:        cfg,
		Logger:        logger,
		Pool:          pool,
		Redis:         redisClient,
		Store:         store,
		Registry:      registry,
		Limiter:       limiter,
		Dedup:         dedup,
		Meter:         meter,
		Alerts:        alerts,
		Audit:         auditService,
		Governor:      gov,
		Observability: obs,
	}, nil
}
