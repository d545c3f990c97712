package webhook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const deliveryTTL = 24 * time.Hour

// dedupCache is the fast-path "have I seen this delivery id" check. Redis is
// the natural backing store here: it's already shared across every API
// server process, which a process-local LRU would not be.
type dedupCache interface {
	// MarkSeen reports whether key was newly recorded (first sighting). A
	// false return means some process already admitted this delivery.
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// redisDedup implements dedupCache against a shared redis.Client using
// SETNX, so concurrent API server processes race safely on the same key.
type redisDedup struct {
	client *redis.Client
}

func newRedisDedup(client *redis.Client) *redisDedup {
	return &redisDedup{client: client}
}

func (r *redisDedup) MarkSeen(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, "1", deliveryTTL).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func dedupKey(host, deliveryID string) string {
	return "webhook:dedup:" + host + ":" + deliveryID
}
