package notify

import (
	"context"
	"fmt"

	commonredis "dentra-dispatch/common/redis"
	"dentra-dispatch/internal/models"

	"github.com/go-redis/redis/v8"
)

// RedisStreamSink 写入 Redis Stream，由下游通知服务消费
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink 创建 Stream 通道
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Deliver(ctx context.Context, n models.Notification) Result {
	fields := map[string]interface{}{
		"type":    n.Type,
		"channel": n.Channel,
	}
	if n.DedupeKey != "" {
		fields["dedupe_key"] = n.DedupeKey
	}
	if n.ScheduledAt != nil {
		fields["scheduled_at"] = *n.ScheduledAt
	}

	if _, err := commonredis.PublishJSONToStream(ctx, s.client, s.stream, s.maxLen, n, fields); err != nil {
		return Result{Status: StatusFailed, Channel: "redis", Err: fmt.Errorf("failed to publish notification: %w", err)}
	}
	if n.ScheduledAt != nil {
		return Result{Status: StatusQueued, Channel: "redis"}
	}
	return Result{Status: StatusDelivered, Channel: "redis"}
}
