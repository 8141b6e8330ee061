package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Fixed is a fixed-window limiter with a shared budget per key.
type Fixed struct {
	limiter *limiter.Limiter
}

// NewStore returns a Redis-backed limiter store, or an in-process one when rdb is nil.
func NewStore(rdb *redis.Client, prefix string) (limiter.Store, error) {
	if rdb == nil {
		return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: prefix, CleanUpInterval: time.Minute}), nil
	}
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
}

// NewFixed allows max events per window for every key.
func NewFixed(store limiter.Store, window time.Duration, max int) Fixed {
	return Fixed{limiter: limiter.New(store, limiter.Rate{Period: window, Limit: int64(max)})}
}

// Allow counts one event for key.
func (f Fixed) Allow(ctx context.Context, key string) (Decision, error) {
	if f.limiter == nil || f.limiter.Rate.Limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	res, err := f.limiter.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !res.Reached,
		Limit:     int(res.Limit),
		Remaining: int(res.Remaining),
		Reset:     time.Unix(res.Reset, 0),
	}, nil
}
