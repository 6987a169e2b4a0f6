package consumer

import (
	"context"
	"encoding/json"
	"time"

	"dentra-dispatch/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// HeartbeatState 写入 Redis 的心跳内容
type HeartbeatState struct {
	WorkerID string    `json:"worker_id"`
	Pending  int       `json:"pending"`
	At       time.Time `json:"at"`
}

// Heartbeat 周期性报告积压数量；redis 为空时只写日志
type Heartbeat struct {
	store     repository.EventsRepository
	redis     *redis.Client
	keyPrefix string
	workerID  string
	interval  time.Duration
	now       repository.Clock
	logger    *zap.Logger
	last      time.Time
}

// NewHeartbeat 创建心跳
func NewHeartbeat(store repository.EventsRepository, client *redis.Client, keyPrefix, workerID string, interval time.Duration, now repository.Clock, logger *zap.Logger) *Heartbeat {
	if now == nil {
		now = repository.SystemClock
	}
	return &Heartbeat{
		store:     store,
		redis:     client,
		keyPrefix: keyPrefix,
		workerID:  workerID,
		interval:  interval,
		now:       now,
		logger:    logger,
	}
}

// Key Redis 心跳键
func (h *Heartbeat) Key() string {
	return h.keyPrefix + h.workerID
}

// Beat 距上次超过间隔时上报一次
func (h *Heartbeat) Beat(ctx context.Context) {
	now := h.now()
	if !h.last.IsZero() && now.Sub(h.last) < h.interval {
		return
	}
	h.last = now

	pending, err := h.store.CountPending(ctx)
	if err != nil {
		h.logger.Warn("Heartbeat failed to count pending events", zap.Error(err))
		return
	}
	h.logger.Info("Worker heartbeat",
		zap.String("worker_id", h.workerID),
		zap.Int("pending", pending),
	)

	if h.redis == nil {
		return
	}
	data, err := json.Marshal(HeartbeatState{WorkerID: h.workerID, Pending: pending, At: now})
	if err != nil {
		return
	}
	if err := h.redis.Set(ctx, h.Key(), data, 3*h.interval).Err(); err != nil {
		h.logger.Warn("Heartbeat failed to write Redis key",
			zap.String("key", h.Key()),
			zap.Error(err),
		)
	}
}
