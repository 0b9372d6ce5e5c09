package dailyagg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/models"
	"github.com/ncecere/usage_meter/internal/timeutil"
)

// Store keeps per-workspace, per-day running totals in Redis with a rolling
// retention TTL. The increment is a read-merge-write and is not atomic:
// concurrent increments for the same (workspace, day) can lose updates, which
// the single-processor deployment assumption makes acceptable. Fence with
// per-workspace sharding before running multiple processors.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

// Get returns the aggregate for the workspace's day, or nil when absent.
func (s *Store) Get(ctx context.Context, workspaceID uuid.UUID, date time.Time) (*models.DailyAggregate, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("daily aggregate store not initialized")
	}

	data, err := s.client.Get(ctx, s.key(workspaceID, date)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get daily aggregate: %w", err)
	}

	var agg models.DailyAggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("decode daily aggregate: %w", err)
	}
	return &agg, nil
}

// Increment applies the delta to the workspace's aggregate for the day,
// creating it implicitly on first increment, and resets the retention TTL.
func (s *Store) Increment(ctx context.Context, workspaceID uuid.UUID, date time.Time, delta models.UsageDelta) error {
	if s == nil || s.client == nil {
		return errors.New("daily aggregate store not initialized")
	}

	agg, err := s.Get(ctx, workspaceID, date)
	if err != nil {
		return err
	}
	if agg == nil {
		agg = &models.DailyAggregate{
			WorkspaceID: workspaceID,
			Date:        timeutil.DayKey(date),
			ByProvider:  make(map[string]models.BucketTotals),
			ByModel:     make(map[string]models.BucketTotals),
		}
	}
	agg.Apply(delta, s.now())

	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode daily aggregate: %w", err)
	}
	if err := s.client.Set(ctx, s.key(workspaceID, date), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write daily aggregate: %w", err)
	}
	return nil
}

// GetRange collects whichever aggregates exist for calendar days intersecting
// [start, end), skipping missing days. It does not backfill.
func (s *Store) GetRange(ctx context.Context, workspaceID uuid.UUID, start, end time.Time) ([]models.DailyAggregate, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("daily aggregate store not initialized")
	}

	var aggregates []models.DailyAggregate
	for _, day := range timeutil.DaysInRange(start, end) {
		agg, err := s.Get(ctx, workspaceID, day)
		if err != nil {
			return nil, err
		}
		if agg == nil {
			continue
		}
		aggregates = append(aggregates, *agg)
	}
	return aggregates, nil
}

func (s *Store) key(workspaceID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("dailyagg:%s:%s", workspaceID, timeutil.DayKey(date))
}
