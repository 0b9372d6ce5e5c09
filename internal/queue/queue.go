package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/models"
)

// UsageEventQueue is a Redis-list FIFO buffer for raw usage events. Delivery is
// at-most-once: a dequeued event is owned by the caller and is lost if the
// caller crashes before persisting it.
type UsageEventQueue struct {
	client *redis.Client
	key    string
}

func New(client *redis.Client, key string) *UsageEventQueue {
	if key == "" {
		key = "usage:events"
	}
	return &UsageEventQueue{client: client, key: key}
}

// Publish enqueues the event and returns immediately. The event ID is assigned
// here when the producer left it empty.
func (q *UsageEventQueue) Publish(ctx context.Context, event models.UsageEvent) error {
	if q == nil || q.client == nil {
		return errors.New("usage event queue not initialized")
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue usage event: %w", err)
	}
	return nil
}

// Consume dequeues up to batchSize events in FIFO order. It never blocks and
// returns an empty batch when the queue is empty. Entries that fail to decode
// are dropped with a log entry rather than aborting the batch.
func (q *UsageEventQueue) Consume(ctx context.Context, batchSize int) ([]models.UsageEvent, error) {
	if q == nil || q.client == nil {
		return nil, errors.New("usage event queue not initialized")
	}
	if batchSize <= 0 {
		return nil, nil
	}

	payloads, err := q.client.LPopCount(ctx, q.key, batchSize).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue usage events: %w", err)
	}

	events := make([]models.UsageEvent, 0, len(payloads))
	for _, payload := range payloads {
		var event models.UsageEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			slog.Error("queue: drop undecodable event", slog.String("error", err.Error()))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Depth returns the current queue length.
func (q *UsageEventQueue) Depth(ctx context.Context) (int64, error) {
	if q == nil || q.client == nil {
		return 0, errors.New("usage event queue not initialized")
	}
	return q.client.LLen(ctx, q.key).Result()
}
