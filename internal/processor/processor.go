package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/usage_meter/internal/models"
	"github.com/ncecere/usage_meter/internal/observability"
)

// EventConsumer drains queued usage events.
type EventConsumer interface {
	Consume(ctx context.Context, batchSize int) ([]models.UsageEvent, error)
}

// LedgerSink persists events with idempotent-insert semantics.
type LedgerSink interface {
	InsertEvents(ctx context.Context, events []models.UsageEvent) (int64, error)
}

// AggregateStore maintains the per-workspace daily running totals.
type AggregateStore interface {
	Increment(ctx context.Context, workspaceID uuid.UUID, date time.Time, delta models.UsageDelta) error
}

// CacheInvalidator drops a workspace's cached billing summary.
type CacheInvalidator interface {
	InvalidateBillingCache(ctx context.Context, workspaceID uuid.UUID)
}

// Config tunes the drain loop.
type Config struct {
	BatchSize  int
	IdleDelay  time.Duration
	ErrorDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 5 * time.Second
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = time.Second
	}
	return c
}

// Processor drains the usage event queue in batches, persists each batch to
// the ledger, maintains daily aggregates, and invalidates cached summaries.
// One instance per deployment: the daily-aggregate merge is not fenced against
// concurrent processors.
type Processor struct {
	queue      EventConsumer
	ledger     LedgerSink
	aggregates AggregateStore
	cache      CacheInvalidator
	metrics    *observability.Provider
	cfg        Config
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(queue EventConsumer, ledger LedgerSink, aggregates AggregateStore, cache CacheInvalidator, metrics *observability.Provider, cfg Config) *Processor {
	return &Processor{
		queue:      queue,
		ledger:     ledger,
		aggregates: aggregates,
		cache:      cache,
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
	}
}

var ErrAlreadyRunning = errors.New("processor already running")

// Start launches the drain loop on a goroutine. The loop stops when Stop is
// called or the parent context is canceled.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		p.Run(loopCtx)
	}()
	return nil
}

// Stop requests shutdown and waits for the in-flight batch to finish, or for
// ctx to expire.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

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

// Run executes the drain loop until the context is canceled. The loop checks
// for cancellation once per iteration; an in-flight batch always completes.
func (p *Processor) Run(ctx context.Context) {
	if p == nil || p.queue == nil || p.ledger == nil || p.aggregates == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := p.queue.Consume(ctx, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("processor: consume batch", slog.String("error", err.Error()))
			if !p.sleep(ctx, p.cfg.ErrorDelay) {
				return
			}
			continue
		}

		if len(events) == 0 {
			if !p.sleep(ctx, p.cfg.IdleDelay) {
				return
			}
			continue
		}

		start := time.Now()
		failed := p.ProcessBatch(ctx, events)
		p.metrics.RecordBatchDuration(time.Since(start))
		if failed {
			if !p.sleep(ctx, p.cfg.ErrorDelay) {
				return
			}
		}
	}
}

// ProcessBatch partitions the events by workspace and processes each partition
// independently. A failed partition is logged and does not roll back partitions
// already processed in the same tick. Reports whether any partition failed.
func (p *Processor) ProcessBatch(ctx context.Context, events []models.UsageEvent) bool {
	partitions := make(map[uuid.UUID][]models.UsageEvent)
	for _, event := range events {
		if err := event.Validate(); err != nil {
			p.logger.Warn("processor: skip malformed event",
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()))
			p.metrics.RecordEventSkipped()
			continue
		}
		partitions[event.WorkspaceID] = append(partitions[event.WorkspaceID], event)
	}

	var failed bool
	for workspaceID, partition := range partitions {
		if err := p.processWorkspaceEvents(ctx, workspaceID, partition); err != nil {
			p.logger.Error("processor: process workspace events",
				slog.String("workspace_id", workspaceID.String()),
				slog.Int("events", len(partition)),
				slog.String("error", err.Error()))
			p.metrics.RecordBatchError(workspaceID.String())
			failed = true
			continue
		}
		p.metrics.RecordEventsProcessed(workspaceID.String(), len(partition))
	}
	return failed
}

// processWorkspaceEvents runs the per-partition pipeline: ledger insert
// happens-before aggregate increment happens-before cache invalidation.
func (p *Processor) processWorkspaceEvents(ctx context.Context, workspaceID uuid.UUID, events []models.UsageEvent) error {
	if _, err := p.ledger.InsertEvents(ctx, events); err != nil {
		return fmt.Errorf("persist events: %w", err)
	}

	deltas := make(map[time.Time]models.UsageDelta)
	for _, event := range events {
		day := event.Day()
		delta, ok := deltas[day]
		if !ok {
			delta = models.NewUsageDelta()
		}
		delta.AddEvent(event)
		deltas[day] = delta
	}

	for day, delta := range deltas {
		if err := p.aggregates.Increment(ctx, workspaceID, day, delta); err != nil {
			return fmt.Errorf("increment daily aggregate for %s: %w", day.Format("2006-01-02"), err)
		}
	}

	if p.cache != nil {
		p.cache.InvalidateBillingCache(ctx, workspaceID)
	}
	return nil
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
