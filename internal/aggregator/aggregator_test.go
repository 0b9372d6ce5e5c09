package aggregator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_meter/internal/models"
	"github.com/ncecere/usage_meter/internal/timeutil"
)

type fakeAggregates struct {
	byDay map[string]models.DailyAggregate
	err   error
}

func (f *fakeAggregates) GetRange(_ context.Context, _ uuid.UUID, start, end time.Time) ([]models.DailyAggregate, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.DailyAggregate
	for _, day := range timeutil.DaysInRange(start, end) {
		if agg, ok := f.byDay[timeutil.DayKey(day)]; ok {
			out = append(out, agg)
		}
	}
	return out, nil
}

type fakeEvents struct {
	events     []models.UsageEvent
	workspaces []uuid.UUID
}

func (f *fakeEvents) EventsInRange(_ context.Context, workspaceID uuid.UUID, start, end time.Time) ([]models.UsageEvent, error) {
	var out []models.UsageEvent
	for _, e := range f.events {
		if e.WorkspaceID != workspaceID {
			continue
		}
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEvents) ActiveWorkspaces(context.Context, time.Time) ([]uuid.UUID, error) {
	return f.workspaces, nil
}

type fakeSummaryCache struct {
	mu        sync.Mutex
	summaries map[uuid.UUID]models.WorkspaceBillingSummary
}

func newFakeSummaryCache() *fakeSummaryCache {
	return &fakeSummaryCache{summaries: map[uuid.UUID]models.WorkspaceBillingSummary{}}
}

func (f *fakeSummaryCache) CacheBillingSummary(_ context.Context, workspaceID uuid.UUID, summary models.WorkspaceBillingSummary, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[workspaceID] = summary
}

func (f *fakeSummaryCache) get(workspaceID uuid.UUID) (models.WorkspaceBillingSummary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.summaries[workspaceID]
	return s, ok
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func windowEvent(ws uuid.UUID, provider, model, cost, price string, ts time.Time) models.UsageEvent {
	return models.UsageEvent{
		EventID:      uuid.New(),
		WorkspaceID:  ws,
		Provider:     provider,
		Model:        model,
		InputTokens:  20,
		OutputTokens: 10,
		Cost:         dec(cost),
		Price:        dec(price),
		Timestamp:    ts,
	}
}

// buildAggregates folds events into per-day aggregates the way the processor
// would, so the aggregate path and the ledger fallback see the same data.
func buildAggregates(ws uuid.UUID, events []models.UsageEvent) map[string]models.DailyAggregate {
	byDay := map[string]models.DailyAggregate{}
	for _, e := range events {
		key := timeutil.DayKey(e.Timestamp)
		agg, ok := byDay[key]
		if !ok {
			agg = models.DailyAggregate{
				WorkspaceID: ws,
				Date:        key,
				ByProvider:  map[string]models.BucketTotals{},
				ByModel:     map[string]models.BucketTotals{},
			}
		}
		delta := models.NewUsageDelta()
		delta.AddEvent(e)
		agg.Apply(delta, e.Timestamp)
		byDay[key] = agg
	}
	return byDay
}

func TestAggregatePathAndLedgerFallbackAgree(t *testing.T) {
	ws := uuid.New()
	now := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	events := []models.UsageEvent{
		windowEvent(ws, "openai", "gpt-4o-mini", "0.10", "0.20", now.AddDate(0, 0, -2)),
		windowEvent(ws, "openai", "gpt-4o", "0.20", "0.40", now.AddDate(0, 0, -1)),
		windowEvent(ws, "anthropic", "claude-sonnet", "0.05", "0.10", now),
	}

	warm := New(&fakeAggregates{byDay: buildAggregates(ws, events)}, &fakeEvents{events: events}, newFakeSummaryCache(), nil, Config{WindowDays: 30})
	warm.now = func() time.Time { return now }
	cold := New(&fakeAggregates{byDay: map[string]models.DailyAggregate{}}, &fakeEvents{events: events}, newFakeSummaryCache(), nil, Config{WindowDays: 30})
	cold.now = func() time.Time { return now }

	start, end := timeutil.RollingWindow(30, now)
	fromAggregates, err := warm.AggregateWorkspaceUsage(context.Background(), ws, start, end)
	if err != nil {
		t.Fatalf("aggregate path: %v", err)
	}
	fromLedger, err := cold.AggregateWorkspaceUsage(context.Background(), ws, start, end)
	if err != nil {
		t.Fatalf("ledger fallback: %v", err)
	}

	if !fromAggregates.TotalCost.Equal(dec("0.35")) {
		t.Errorf("total cost = %s, want 0.35", fromAggregates.TotalCost)
	}
	if !fromAggregates.TotalPrice.Equal(fromLedger.TotalPrice) {
		t.Errorf("price mismatch: aggregates %s, ledger %s", fromAggregates.TotalPrice, fromLedger.TotalPrice)
	}
	if fromAggregates.TotalTokens != fromLedger.TotalTokens {
		t.Errorf("token mismatch: aggregates %d, ledger %d", fromAggregates.TotalTokens, fromLedger.TotalTokens)
	}
	if fromAggregates.RequestCount != fromLedger.RequestCount {
		t.Errorf("request mismatch: aggregates %d, ledger %d", fromAggregates.RequestCount, fromLedger.RequestCount)
	}
	if !reflect.DeepEqual(providerRequests(fromAggregates), providerRequests(fromLedger)) {
		t.Errorf("provider breakdown mismatch: %v vs %v", providerRequests(fromAggregates), providerRequests(fromLedger))
	}
	if !reflect.DeepEqual(dayRequests(fromAggregates), dayRequests(fromLedger)) {
		t.Errorf("daily breakdown mismatch: %v vs %v", dayRequests(fromAggregates), dayRequests(fromLedger))
	}
}

func providerRequests(s models.WorkspaceBillingSummary) map[string]int64 {
	out := map[string]int64{}
	for k, v := range s.ByProvider {
		out[k] = v.Requests
	}
	return out
}

func dayRequests(s models.WorkspaceBillingSummary) map[string]int64 {
	out := map[string]int64{}
	for k, v := range s.DailyBreakdown {
		out[k] = v.Requests
	}
	return out
}

func TestSummaryCarriesWindowAndFreshness(t *testing.T) {
	ws := uuid.New()
	now := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	agg := New(&fakeAggregates{byDay: map[string]models.DailyAggregate{}}, &fakeEvents{}, newFakeSummaryCache(), nil, Config{WindowDays: 30})
	agg.now = func() time.Time { return now }

	start, end := timeutil.RollingWindow(30, now)
	summary, err := agg.AggregateWorkspaceUsage(context.Background(), ws, start, end)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if summary.Period.Days != 30 {
		t.Errorf("period days = %d, want 30", summary.Period.Days)
	}
	if !summary.CachedAt.Equal(now) {
		t.Errorf("cached at = %s, want %s", summary.CachedAt, now)
	}
	if summary.RequestCount != 0 || !summary.TotalPrice.IsZero() {
		t.Errorf("expected empty summary, got %+v", summary)
	}
}

func TestRunCycleCachesActiveWorkspaces(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	now := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	events := []models.UsageEvent{
		windowEvent(first, "openai", "gpt-4o-mini", "0.10", "0.20", now.AddDate(0, 0, -1)),
		windowEvent(second, "anthropic", "claude-sonnet", "0.05", "0.10", now.AddDate(0, 0, -1)),
	}
	cacheSink := newFakeSummaryCache()
	agg := New(
		&fakeAggregates{byDay: map[string]models.DailyAggregate{}},
		&fakeEvents{events: events, workspaces: []uuid.UUID{first, second}},
		cacheSink, nil, Config{WindowDays: 30})
	agg.now = func() time.Time { return now }

	agg.runCycle(context.Background())

	s1, ok := cacheSink.get(first)
	if !ok || s1.RequestCount != 1 {
		t.Fatalf("first workspace summary missing or wrong: %+v", s1)
	}
	s2, ok := cacheSink.get(second)
	if !ok || !s2.TotalPrice.Equal(dec("0.10")) {
		t.Fatalf("second workspace summary missing or wrong: %+v", s2)
	}
}

func TestRunCycleSkipsFailedWorkspace(t *testing.T) {
	ws := uuid.New()
	cacheSink := newFakeSummaryCache()
	agg := New(
		&fakeAggregates{err: errors.New("store down")},
		&fakeEvents{workspaces: []uuid.UUID{ws}},
		cacheSink, nil, Config{WindowDays: 30})

	agg.runCycle(context.Background())

	if _, ok := cacheSink.get(ws); ok {
		t.Fatal("failed workspace must not be cached")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cacheSink := newFakeSummaryCache()
	agg := New(
		&fakeAggregates{byDay: map[string]models.DailyAggregate{}},
		&fakeEvents{},
		cacheSink, nil, Config{Interval: time.Hour, WindowDays: 30})

	ctx := context.Background()
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := agg.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start = %v, want ErrAlreadyRunning", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := agg.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := agg.Stop(stopCtx); err != nil {
		t.Fatalf("repeated stop: %v", err)
	}
}
