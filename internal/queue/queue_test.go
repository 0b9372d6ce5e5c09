package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_meter/internal/models"
)

func newTestQueue(t *testing.T) (*UsageEventQueue, func()) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	q := New(client, "usage:events")
	cleanup := func() {
		client.Close()
		server.Close()
	}
	return q, cleanup
}

func testEvent(workspaceID uuid.UUID, provider string) models.UsageEvent {
	return models.UsageEvent{
		EventID:      uuid.New(),
		WorkspaceID:  workspaceID,
		Provider:     provider,
		Model:        "gpt-test",
		InputTokens:  10,
		OutputTokens: 20,
		Cost:         decimal.RequireFromString("0.10"),
		Price:        decimal.RequireFromString("0.20"),
		Timestamp:    time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestConsumeReturnsFIFOOrder(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	ws := uuid.New()
	first := testEvent(ws, "openai")
	second := testEvent(ws, "anthropic")

	if err := q.Publish(ctx, first); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if err := q.Publish(ctx, second); err != nil {
		t.Fatalf("publish second: %v", err)
	}

	events, err := q.Consume(ctx, 10)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventID != first.EventID || events[1].EventID != second.EventID {
		t.Fatalf("events out of order: %v then %v", events[0].EventID, events[1].EventID)
	}
}

func TestConsumeRespectsBatchSize(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	ws := uuid.New()
	for i := 0; i < 5; i++ {
		if err := q.Publish(ctx, testEvent(ws, "openai")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	events, err := q.Consume(ctx, 3)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected 2 remaining, got %d", depth)
	}
}

func TestConsumeEmptyQueueReturnsNoEvents(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()

	events, err := q.Consume(context.Background(), 10)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty batch, got %d events", len(events))
	}
}

func TestPublishAssignsEventID(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	event := testEvent(uuid.New(), "openai")
	event.EventID = uuid.Nil
	if err := q.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events, err := q.Consume(ctx, 1)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventID == uuid.Nil {
		t.Fatal("expected an assigned event id")
	}
}
