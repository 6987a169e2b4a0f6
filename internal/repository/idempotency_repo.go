package repository

import (
	"context"
	"strings"
	"time"
)

// MaxLockKeyLength 幂等键最大长度（与 idempotency_locks.lock_key 列宽一致）
const MaxLockKeyLength = 190

// IdempotencyRepository 幂等账本：同一个键在 TTL 内只能被获取一次
type IdempotencyRepository interface {
	// TryAcquire 返回 true 表示本次获取成功；false 表示已被持有（不是错误）。
	// q 非空时在调用方事务内执行。
	TryAcquire(ctx context.Context, q DBTX, key, owner string, ttl time.Duration) (bool, error)
}

// NormalizeLockKey 去除空白并按字符边界截断
func NormalizeLockKey(key string) string {
	return TruncateError(strings.TrimSpace(key), MaxLockKeyLength)
}
