package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// LimitConfig bounds how often a workspace may invoke an operation.
type LimitConfig struct {
	RequestsPerMinute int
}

// RateLimiter gates billing computation per workspace+operation pair with a
// fixed one-minute window in Redis. It fails open: any store error other than
// the limit itself allows the operation.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow checks the workspace's budget for the operation in the current window.
func (l *RateLimiter) Allow(ctx context.Context, workspaceID uuid.UUID, operation string, cfg LimitConfig) error {
	if l == nil || l.client == nil {
		return nil
	}
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}

	window := time.Now().UTC().Unix() / 60
	key := fmt.Sprintf("ratelimit:%s:%s:%d", operation, workspaceID, window)

	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		slog.Warn("rate limiter unavailable, allowing operation",
			slog.String("workspace_id", workspaceID.String()),
			slog.String("operation", operation),
			slog.String("error", err.Error()))
		return nil
	}
	if cnt == 1 {
		l.client.Expire(ctx, key, time.Minute)
	}
	if int(cnt) > cfg.RequestsPerMinute {
		return ErrLimitExceeded
	}
	return nil
}
