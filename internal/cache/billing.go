package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/models"
)

// BillingCache stores workspace billing summaries with a TTL. Reads apply
// their own staleness bound on top of the store TTL: expiry and "fresh enough
// to trust" are different concerns. A transient store error degrades reads to
// a miss and makes writes best-effort.
type BillingCache struct {
	client     *redis.Client
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewBillingCache(client *redis.Client, ttl, staleAfter time.Duration) *BillingCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &BillingCache{client: client, ttl: ttl, staleAfter: staleAfter, now: time.Now}
}

// CacheBillingSummary writes the summary with the configured TTL. ttl <= 0
// uses the cache default.
func (c *BillingCache) CacheBillingSummary(ctx context.Context, workspaceID uuid.UUID, summary models.WorkspaceBillingSummary, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(summary)
	if err != nil {
		slog.Error("billing cache: encode summary", slog.String("workspace_id", workspaceID.String()), slog.String("error", err.Error()))
		return
	}
	if err := c.client.Set(ctx, c.key(workspaceID), data, ttl).Err(); err != nil {
		slog.Error("billing cache: write summary", slog.String("workspace_id", workspaceID.String()), slog.String("error", err.Error()))
	}
}

// GetCachedBillingSummary returns the cached summary when present and fresh.
// A missing, stale, or unreadable entry is a normal miss, never an error.
func (c *BillingCache) GetCachedBillingSummary(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceBillingSummary, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.key(workspaceID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("billing cache: read summary", slog.String("workspace_id", workspaceID.String()), slog.String("error", err.Error()))
		}
		return nil, false
	}
	var summary models.WorkspaceBillingSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		slog.Warn("billing cache: decode summary", slog.String("workspace_id", workspaceID.String()), slog.String("error", err.Error()))
		return nil, false
	}
	if c.now().Sub(summary.CachedAt) >= c.staleAfter {
		return nil, false
	}
	return &summary, true
}

// InvalidateBillingCache drops the workspace's cached summary.
func (c *BillingCache) InvalidateBillingCache(ctx context.Context, workspaceID uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(workspaceID)).Err(); err != nil {
		slog.Error("billing cache: invalidate summary", slog.String("workspace_id", workspaceID.String()), slog.String("error", err.Error()))
	}
}

func (c *BillingCache) key(workspaceID uuid.UUID) string {
	return "billing:summary:" + workspaceID.String()
}
