package dailyagg

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_meter/internal/models"
	"github.com/ncecere/usage_meter/internal/timeutil"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, func()) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store := NewStore(client, 90*24*time.Hour)
	cleanup := func() {
		client.Close()
		server.Close()
	}
	return store, server, cleanup
}

func deltaFor(cost, price string, tokens, requests int64, provider, model string) models.UsageDelta {
	delta := models.NewUsageDelta()
	delta.Cost = decimal.RequireFromString(cost)
	delta.Price = decimal.RequireFromString(price)
	delta.Tokens = tokens
	delta.Requests = requests
	bucket := models.BucketTotals{
		Cost:     delta.Cost,
		Price:    delta.Price,
		Tokens:   tokens,
		Requests: requests,
	}
	delta.ByProvider[provider] = bucket
	delta.ByModel[model] = bucket
	return delta
}

func TestIncrementCreatesAggregateOnFirstWrite(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	ws := uuid.New()
	day := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	if err := store.Increment(ctx, ws, day, deltaFor("0.10", "0.20", 30, 1, "openai", "gpt-4o")); err != nil {
		t.Fatalf("increment: %v", err)
	}

	agg, err := store.Get(ctx, ws, day)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agg == nil {
		t.Fatal("expected aggregate after first increment")
	}
	if agg.Date != "2025-05-01" {
		t.Fatalf("unexpected date %s", agg.Date)
	}
	if !agg.TotalCost.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("unexpected total cost %s", agg.TotalCost)
	}
	if agg.RequestCount != 1 {
		t.Fatalf("unexpected request count %d", agg.RequestCount)
	}
}

func TestIncrementSumsDecimalsExactly(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	ws := uuid.New()
	day := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	for _, amounts := range [][2]string{{"0.10", "0.20"}, {"0.20", "0.40"}, {"0.05", "0.10"}} {
		if err := store.Increment(ctx, ws, day, deltaFor(amounts[0], amounts[1], 10, 1, "openai", "gpt-4o")); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	agg, err := store.Get(ctx, ws, day)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agg == nil {
		t.Fatal("expected aggregate")
	}
	if !agg.TotalCost.Equal(decimal.RequireFromString("0.35")) {
		t.Fatalf("expected total cost 0.35, got %s", agg.TotalCost)
	}
	if !agg.TotalPrice.Equal(decimal.RequireFromString("0.70")) {
		t.Fatalf("expected total price 0.70, got %s", agg.TotalPrice)
	}
	if agg.RequestCount != 3 {
		t.Fatalf("expected 3 requests, got %d", agg.RequestCount)
	}
	provider := agg.ByProvider["openai"]
	if provider.Requests != 3 || !provider.Cost.Equal(decimal.RequireFromString("0.35")) {
		t.Fatalf("unexpected provider bucket %+v", provider)
	}
}

func TestIncrementMergesGroupingMapsKeyWise(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	ws := uuid.New()
	day := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	if err := store.Increment(ctx, ws, day, deltaFor("0.10", "0.20", 10, 1, "openai", "gpt-4o")); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := store.Increment(ctx, ws, day, deltaFor("0.30", "0.60", 20, 1, "anthropic", "claude")); err != nil {
		t.Fatalf("increment: %v", err)
	}

	agg, err := store.Get(ctx, ws, day)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(agg.ByProvider) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(agg.ByProvider))
	}
	if len(agg.ByModel) != 2 {
		t.Fatalf("expected 2 models, got %d", len(agg.ByModel))
	}
	if !agg.ByProvider["anthropic"].Cost.Equal(decimal.RequireFromString("0.30")) {
		t.Fatalf("unexpected anthropic bucket %+v", agg.ByProvider["anthropic"])
	}
}

func TestIncrementResetsRetentionTTL(t *testing.T) {
	store, server, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	ws := uuid.New()
	day := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	if err := store.Increment(ctx, ws, day, deltaFor("0.10", "0.20", 10, 1, "openai", "gpt-4o")); err != nil {
		t.Fatalf("increment: %v", err)
	}

	key := "dailyagg:" + ws.String() + ":" + timeutil.DayKey(day)
	if ttl := server.TTL(key); ttl != 90*24*time.Hour {
		t.Fatalf("expected 90-day ttl, got %v", ttl)
	}
}

func TestGetRangeSkipsMissingDays(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	ws := uuid.New()
	day1 := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	day3 := time.Date(2025, time.May, 3, 0, 0, 0, 0, time.UTC)

	if err := store.Increment(ctx, ws, day1, deltaFor("0.10", "0.20", 10, 1, "openai", "gpt-4o")); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := store.Increment(ctx, ws, day3, deltaFor("0.30", "0.60", 30, 2, "openai", "gpt-4o")); err != nil {
		t.Fatalf("increment: %v", err)
	}

	aggregates, err := store.GetRange(ctx, ws, day1, day3.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if len(aggregates) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(aggregates))
	}
	if aggregates[0].Date != "2025-05-01" || aggregates[1].Date != "2025-05-03" {
		t.Fatalf("unexpected dates %s, %s", aggregates[0].Date, aggregates[1].Date)
	}
}

func TestGetMissingDayReturnsNil(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	agg, err := store.Get(context.Background(), uuid.New(), time.Now())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agg != nil {
		t.Fatalf("expected nil aggregate, got %+v", agg)
	}
}
