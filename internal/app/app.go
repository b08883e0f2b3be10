// Package app assembles the engine from configuration. The server and settlectl share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/c50bossio/hybrid-payments/internal/booking"
	"github.com/c50bossio/hybrid-payments/internal/cache"
	"github.com/c50bossio/hybrid-payments/internal/config"
	"github.com/c50bossio/hybrid-payments/internal/database"
	"github.com/c50bossio/hybrid-payments/internal/handler"
	"github.com/c50bossio/hybrid-payments/internal/lock"
	"github.com/c50bossio/hybrid-payments/internal/notify"
	"github.com/c50bossio/hybrid-payments/internal/processor"
	"github.com/c50bossio/hybrid-payments/internal/queue"
	"github.com/c50bossio/hybrid-payments/internal/repository"
	"github.com/c50bossio/hybrid-payments/internal/repository/memstore"
	"github.com/c50bossio/hybrid-payments/internal/service"
	"github.com/c50bossio/hybrid-payments/internal/worker"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	webhookQueueName = "webhooks"
)

type stores struct {
	configs     service.ConfigStore
	connections service.ConnectionStore
	ledger      service.LedgerStore
	collections service.CollectionStore
	routing     service.RoutingStore
	analytics   service.AnalyticsStore
}

func memoryStores() stores {
	s := memstore.New()
	return stores{configs: s, connections: s, ledger: s, collections: s, routing: s, analytics: s}
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		configs:     repository.NewMerchantConfigRepository(pool),
		connections: repository.NewConnectionRepository(pool),
		ledger:      repository.NewLedgerRepository(pool),
		collections: repository.NewCollectionRepository(pool),
		routing:     repository.NewRoutingRepository(pool),
		analytics:   repository.NewAnalyticsRepository(pool),
	}
}

type App struct {
	Config *config.Config
	Pool   *pgxpool.Pool
	Redis  redis.UniversalClient
	Fees   *config.FeeSchedule
	Cache  *cache.MerchantConfigCache
	Queue  queue.Queue

	Connections *service.ConnectionService
	Ledger      *service.LedgerService
	Router      *service.RouterService
	Collections *service.CollectionService
	Webhooks    *service.WebhookService
	Analytics   *service.AnalyticsService
	Admin       *service.MerchantConfigService
	Reports     *service.ReportService
	Audit       *service.AuditRecorder
}

// New connects to the configured stores and builds every service. Callers must Close it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	fees, err := config.LoadFeeSchedule(cfg.FeeSchedulePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", cfg.FeeSchedulePath).Msg("fee schedule not found, using defaults")
		fees = config.DefaultFeeSchedule()
	case err != nil:
		return nil, err
	}
	a.Fees = fees

	var st stores
	switch cfg.StoreDriver {
	case DriverMemory:
		log.Warn().Msg("using in-memory store; data is lost on exit")
		st = memoryStores()
	case DriverPostgres:
		pool, err := database.NewPool(ctx, cfg.DatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.Pool = pool
		st = postgresStores(pool)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	var locker lock.Locker = lock.NewLocal()
	a.Queue = queue.NewMemory(1024)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = rdb
		locker = lock.NewRedis(rdb, "hybrid-payments:lease:")
		a.Queue = queue.NewRedis(rdb, webhookQueueName)
	} else {
		log.Warn().Msg("REDIS_URL not set; leases, webhook queue and config invalidation are process-local")
	}

	retry := processor.DefaultRetryPolicy()
	retry.Timeout = cfg.ProcessorTimeout

	registry := processor.NewRegistry(
		processor.NewStripe(cfg.ProcessorTimeout),
		processor.NewSquare(cfg.SquareBaseURL, cfg.ProcessorTimeout),
		processor.NewPayPal(cfg.PayPalBaseURL, cfg.ProcessorTimeout),
	)

	var notifier notify.Publisher = notify.Nop{}
	if cfg.NotificationServiceURL != "" {
		notifier = notify.NewHTTPPublisher(cfg.NotificationServiceURL)
	}

	a.Cache = cache.New(st.configs, cfg.ConfigCacheTTL, a.Redis)
	a.Audit = service.NewAuditRecorder(st.routing, 0, 0)

	a.Connections = service.NewConnectionService(st.connections, registry, notifier, service.ConnectionOptions{
		WebhookBaseURL: cfg.WebhookBaseURL,
		FailureLimit:   cfg.HealthFailureLimit,
		Concurrency:    cfg.SyncConcurrency,
		Retry:          retry,
	})
	a.Ledger = service.NewLedgerService(st.ledger, st.connections, st.configs, registry, locker,
		booking.NewClient(cfg.BookingServiceURL, cfg.ProcessorTimeout),
		service.LedgerOptions{SyncConcurrency: cfg.SyncConcurrency, Retry: retry})
	a.Router = service.NewRouterService(a.Cache, a.Connections, fees, a.Audit)

	collectionOpts := service.DefaultCollectionOptions()
	collectionOpts.MinAmount = cfg.MinCollectionAmount
	collectionOpts.MaxAttempts = cfg.MaxCollectionAttempts
	collectionOpts.MaxRecoveries = cfg.MaxCollectionRecoveries
	collectionOpts.Grace = cfg.CollectionGrace
	a.Collections = service.NewCollectionService(st.collections, st.configs,
		processor.NewPlatform(cfg.PlatformStripeKey, cfg.ProcessorTimeout), locker, notifier, collectionOpts)

	a.Webhooks = service.NewWebhookService(st.connections, registry, a.Queue, a.Ledger)
	a.Analytics = service.NewAnalyticsService(st.analytics, st.configs, fees, cfg.MaterialityThreshold)
	a.Admin = service.NewMerchantConfigService(st.configs, a.Cache)
	a.Reports = service.NewReportService(a.Analytics, a.Collections, a.Ledger)
	return a, nil
}

func (a *App) Handlers() handler.Handlers {
	checks := map[string]handler.Check{}
	if a.Pool != nil {
		checks["database"] = a.Pool.Ping
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}

	return handler.Handlers{
		Health:      handler.NewHealthHandler(checks),
		Webhooks:    handler.NewWebhookHandler(a.Webhooks, a.Config.WebhookBaseURL),
		Routing:     handler.NewRoutingHandler(a.Router, a.Audit),
		Connections: handler.NewConnectionHandler(a.Connections, a.Ledger),
		Ledger:      handler.NewLedgerHandler(a.Ledger),
		Collections: handler.NewCollectionHandler(a.Collections),
		Analytics:   handler.NewAnalyticsHandler(a.Analytics),
		Admin:       handler.NewAdminHandler(a.Admin),
		Reports:     handler.NewReportHandler(a.Reports),
	}
}

// Jobs lists the background workers; queued webhooks left in flight by a crashed
// instance are recovered first.
func (a *App) Jobs(ctx context.Context) []worker.Job {
	if rq, ok := a.Queue.(*queue.Redis); ok {
		if n, err := rq.Recover(ctx); err != nil {
			log.Error().Err(err).Msg("webhook queue recovery failed")
		} else if n > 0 {
			log.Info().Int("messages", n).Msg("recovered in-flight webhook deliveries")
		}
	}

	iv := worker.DefaultIntervals()
	iv.HealthCheck = a.Config.HealthCheckInterval
	iv.Sync = a.Config.SyncInterval
	iv.Collection = a.Config.CollectionInterval

	s := worker.Services{
		Connections: a.Connections,
		Ledger:      a.Ledger,
		Collections: a.Collections,
		Webhooks:    a.Webhooks,
		Audit:       a.Audit,
		Queue:       a.Queue,
	}
	if a.Redis != nil {
		s.ConfigListener = a.Cache.Listen
	}
	return worker.Jobs(s, iv)
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Warn().Err(err).Msg("closing redis")
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
