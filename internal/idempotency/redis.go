package idempotency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis claims markers with SETNX, which is atomic across worker processes.
// Use this driver when delivery workers run on more than one node.
type Redis struct {
	client    *redis.Client
	namespace string
}

func NewRedis(client *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = "tgblast"
	}
	return &Redis{client: client, namespace: namespace}
}

func (r *Redis) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	full := r.namespace + ":idemp:" + key
	isNew, err := r.client.SetNX(ctx, full, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return isNew, nil
}
