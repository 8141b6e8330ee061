package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow counts events in a Redis sorted set over a trailing window. It is exact at
// window boundaries, which matters for payment submissions.
type SlidingWindow struct {
	Client *redis.Client
	Prefix string
	Window time.Duration
	Max    int
}

// Allow registers an event for key and reports whether it is within the limit. Rejected events
// still occupy the window so a client hammering the endpoint stays blocked.
func (s SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	if s.Client == nil || s.Max <= 0 || s.Window <= 0 {
		return Decision{Allowed: true, Limit: s.Max, Remaining: s.Max, Reset: now.Add(s.Window)}, nil
	}

	redisKey := s.Prefix + key
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	cutoff := fmt.Sprintf("%d", now.Add(-s.Window).UnixNano())

	pipe := s.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.Expire(ctx, redisKey, s.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	current := int(countCmd.Val())
	reset := now.Add(s.Window)
	if oldest := oldestCmd.Val(); len(oldest) == 1 {
		reset = time.Unix(0, int64(oldest[0].Score)).Add(s.Window)
	}
	return Decision{
		Allowed:   current <= s.Max,
		Limit:     s.Max,
		Remaining: max(s.Max-current, 0),
		Reset:     reset,
	}, nil
}
