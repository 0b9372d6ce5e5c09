package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/usage_meter/internal/models"
	"github.com/ncecere/usage_meter/internal/observability"
	"github.com/ncecere/usage_meter/internal/timeutil"
)

// AggregateSource reads the per-day running totals.
type AggregateSource interface {
	GetRange(ctx context.Context, workspaceID uuid.UUID, start, end time.Time) ([]models.DailyAggregate, error)
}

// EventSource reads raw ledger rows for the cold-cache fallback and supplies
// the set of workspaces worth summarizing.
type EventSource interface {
	EventsInRange(ctx context.Context, workspaceID uuid.UUID, start, end time.Time) ([]models.UsageEvent, error)
	ActiveWorkspaces(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

// SummaryCache receives refreshed workspace summaries.
type SummaryCache interface {
	CacheBillingSummary(ctx context.Context, workspaceID uuid.UUID, summary models.WorkspaceBillingSummary, ttl time.Duration)
}

// Config tunes the periodic rollup.
type Config struct {
	Interval   time.Duration
	WindowDays int
	SummaryTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.WindowDays <= 0 {
		c.WindowDays = 30
	}
	if c.SummaryTTL <= 0 {
		c.SummaryTTL = 30 * time.Minute
	}
	return c
}

// Aggregator periodically rolls daily aggregates (or raw ledger rows on a cold
// cache) into cached workspace summaries. It runs independently of the
// processor and observes whatever state the shared stores happen to be in:
// eventually consistent, never transactional.
type Aggregator struct {
	aggregates AggregateSource
	events     EventSource
	cache      SummaryCache
	metrics    *observability.Provider
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(aggregates AggregateSource, events EventSource, cache SummaryCache, metrics *observability.Provider, cfg Config) *Aggregator {
	return &Aggregator{
		aggregates: aggregates,
		events:     events,
		cache:      cache,
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		now:        time.Now,
	}
}

var ErrAlreadyRunning = errors.New("aggregator already running")

// Start launches the periodic loop: one cycle immediately, then every interval.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done

	go func() {
		defer close(done)
		a.Run(loopCtx)
	}()
	return nil
}

// Stop requests shutdown and waits for the in-flight cycle to finish, or for
// ctx to expire.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes rollup cycles until the context is canceled.
func (a *Aggregator) Run(ctx context.Context) {
	if a == nil || a.aggregates == nil || a.events == nil || a.cache == nil {
		return
	}

	a.runCycle(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

func (a *Aggregator) runCycle(ctx context.Context) {
	start, end := timeutil.RollingWindow(a.cfg.WindowDays, a.now())

	workspaceIDs, err := a.events.ActiveWorkspaces(ctx, start)
	if err != nil {
		a.logger.Error("aggregator: list active workspaces", slog.String("error", err.Error()))
		return
	}

	for _, workspaceID := range workspaceIDs {
		if ctx.Err() != nil {
			return
		}
		summary, err := a.AggregateWorkspaceUsage(ctx, workspaceID, start, end)
		if err != nil {
			a.logger.Error("aggregator: aggregate workspace usage",
				slog.String("workspace_id", workspaceID.String()),
				slog.String("error", err.Error()))
			continue
		}
		a.cache.CacheBillingSummary(ctx, workspaceID, summary, a.cfg.SummaryTTL)
	}
}

// AggregateWorkspaceUsage folds the window's daily aggregates into a single
// summary. When the range returns nothing (cold cache after eviction) it falls
// back to scanning raw ledger rows; both paths produce identical aggregation
// semantics for the same underlying data.
func (a *Aggregator) AggregateWorkspaceUsage(ctx context.Context, workspaceID uuid.UUID, start, end time.Time) (models.WorkspaceBillingSummary, error) {
	summary := models.WorkspaceBillingSummary{
		WorkspaceID: workspaceID,
		Period: models.SummaryPeriod{
			Start: start.UTC().Format(time.RFC3339),
			End:   end.UTC().Format(time.RFC3339),
			Days:  a.cfg.WindowDays,
		},
		ByProvider:     make(map[string]models.BucketTotals),
		ByModel:        make(map[string]models.BucketTotals),
		DailyBreakdown: make(map[string]models.BucketTotals),
	}

	aggregates, err := a.aggregates.GetRange(ctx, workspaceID, start, end)
	if err != nil {
		return models.WorkspaceBillingSummary{}, err
	}

	if len(aggregates) > 0 {
		for _, agg := range aggregates {
			summary.TotalCost = summary.TotalCost.Add(agg.TotalCost)
			summary.TotalPrice = summary.TotalPrice.Add(agg.TotalPrice)
			summary.TotalTokens += agg.TotalTokens
			summary.RequestCount += agg.RequestCount
			models.MergeBuckets(summary.ByProvider, agg.ByProvider)
			models.MergeBuckets(summary.ByModel, agg.ByModel)
			summary.DailyBreakdown[agg.Date] = models.BucketTotals{
				Cost:     agg.TotalCost,
				Price:    agg.TotalPrice,
				Tokens:   agg.TotalTokens,
				Requests: agg.RequestCount,
			}
		}
		a.metrics.RecordSummaryRefreshed("aggregates")
	} else {
		events, err := a.events.EventsInRange(ctx, workspaceID, start, end)
		if err != nil {
			return models.WorkspaceBillingSummary{}, err
		}
		for _, event := range events {
			summary.TotalCost = summary.TotalCost.Add(event.Cost)
			summary.TotalPrice = summary.TotalPrice.Add(event.Price)
			summary.TotalTokens += event.TotalTokens()
			summary.RequestCount++

			provider := summary.ByProvider[event.Provider]
			provider.AddEvent(event)
			summary.ByProvider[event.Provider] = provider

			model := summary.ByModel[event.Model]
			model.AddEvent(event)
			summary.ByModel[event.Model] = model

			dayKey := timeutil.DayKey(event.Timestamp)
			day := summary.DailyBreakdown[dayKey]
			day.AddEvent(event)
			summary.DailyBreakdown[dayKey] = day
		}
		a.metrics.RecordSummaryRefreshed("ledger")
	}

	summary.CachedAt = a.now().UTC()
	return summary, nil
}
