package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/aggregator"
	"github.com/ncecere/usage_meter/internal/billing"
	"github.com/ncecere/usage_meter/internal/cache"
	"github.com/ncecere/usage_meter/internal/config"
	"github.com/ncecere/usage_meter/internal/dailyagg"
	"github.com/ncecere/usage_meter/internal/ledger"
	"github.com/ncecere/usage_meter/internal/limits"
	"github.com/ncecere/usage_meter/internal/observability"
	"github.com/ncecere/usage_meter/internal/processor"
	"github.com/ncecere/usage_meter/internal/queue"
	"github.com/ncecere/usage_meter/internal/workspaces"
)

// Container aggregates runtime dependencies for the metering loops and the
// internal HTTP surface.
type Container struct {
	Config            *config.Config
	DBPool            *pgxpool.Pool
	Redis             *redis.Client
	Queue             *queue.UsageEventQueue
	Ledger            *ledger.Store
	Aggregates        *dailyagg.Store
	BillingCache      *cache.BillingCache
	Workspaces        *workspaces.Store
	Calculator        *billing.Calculator
	Processor         *processor.Processor
	Aggregator        *aggregator.Aggregator
	RateLimiter       *limits.RateLimiter
	Observability     *observability.Provider
	ReportingLocation *time.Location
}

// NewContainer builds a dependency container from the provided primitives.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("db pool is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	locName := strings.TrimSpace(cfg.Reporting.Timezone)
	if locName == "" {
		locName = "UTC"
	}
	reportingLoc, err := time.LoadLocation(locName)
	if err != nil {
		return nil, fmt.Errorf("load reporting timezone: %w", err)
	}

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	eventQueue := queue.New(redisClient, cfg.Queue.Key)
	ledgerStore := ledger.NewStore(pool)
	aggregateStore := dailyagg.NewStore(redisClient, cfg.Billing.AggregateTTL)
	billingCache := cache.NewBillingCache(redisClient, cfg.Billing.SummaryTTL, cfg.Billing.SummaryStaleAfter)
	workspaceStore := workspaces.NewStore(pool)

	calculator := billing.NewCalculator(ledgerStore, workspaceStore, cfg.Billing.Increment())

	proc := processor.New(eventQueue, ledgerStore, aggregateStore, billingCache, obs, processor.Config{
		BatchSize:  cfg.Processor.BatchSize,
		IdleDelay:  cfg.Processor.IdleDelay,
		ErrorDelay: cfg.Processor.ErrorDelay,
	})

	agg := aggregator.New(aggregateStore, ledgerStore, billingCache, obs, aggregator.Config{
		Interval:   cfg.Aggregator.Interval,
		WindowDays: cfg.Aggregator.WindowDays,
		SummaryTTL: cfg.Billing.SummaryTTL,
	})

	return &Container{
		Config:            cfg,
		DBPool:            pool,
		Redis:             redisClient,
		Queue:             eventQueue,
		Ledger:            ledgerStore,
		Aggregates:        aggregateStore,
		BillingCache:      billingCache,
		Workspaces:        workspaceStore,
		Calculator:        calculator,
		Processor:         proc,
		Aggregator:        agg,
		RateLimiter:       limits.NewRateLimiter(redisClient),
		Observability:     obs,
		ReportingLocation: reportingLoc,
	}, nil
}
