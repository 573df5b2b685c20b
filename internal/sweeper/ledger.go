package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SentLedger remembers which requests were already emailed.
type SentLedger interface {
	WasSent(ctx context.Context, requestID string) (bool, error)
	MarkSent(ctx context.Context, requestID string) error
}

type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{client: client, ttl: ttl}
}

func sentKey(requestID string) string {
	return fmt.Sprintf("notification:sent:%s", requestID)
}

func (l *RedisLedger) WasSent(ctx context.Context, requestID string) (bool, error) {
	exists, err := l.client.Exists(ctx, sentKey(requestID)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (l *RedisLedger) MarkSent(ctx context.Context, requestID string) error {
	return l.client.Set(ctx, sentKey(requestID), time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
}
