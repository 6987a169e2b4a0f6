package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotencyRepository 内存实现（测试与无数据库运行）
type MemoryIdempotencyRepository struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   Clock
}

// NewMemoryIdempotencyRepository 创建内存账本
func NewMemoryIdempotencyRepository(now Clock) *MemoryIdempotencyRepository {
	if now == nil {
		now = SystemClock
	}
	return &MemoryIdempotencyRepository{locks: make(map[string]time.Time), now: now}
}

func (r *MemoryIdempotencyRepository) TryAcquire(_ context.Context, _ DBTX, key, _ string, ttl time.Duration) (bool, error) {
	key = NormalizeLockKey(key)
	if key == "" {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if exp, ok := r.locks[key]; ok && exp.After(now) {
		return false, nil
	}
	r.locks[key] = now.Add(ttl)
	return true, nil
}
